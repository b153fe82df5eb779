package borg

import (
	"fmt"
	"time"
)

// CreateOptions controls archive creation. The zero value is not useful;
// start from DefaultCreateOptions.
type CreateOptions struct {
	Compression   string
	ExcludeFile   string
	ExcludeCaches bool
	ExcludeNoDump bool
	ShowProgress  bool
	ListFiles     bool
	Stats         bool
}

// DefaultCreateOptions mirrors the engine invocation used for daily backups.
func DefaultCreateOptions(compression string) CreateOptions {
	return CreateOptions{
		Compression:   compression,
		ExcludeCaches: true,
		ExcludeNoDump: true,
		ShowProgress:  true,
		ListFiles:     true,
		Stats:         true,
	}
}

func (o CreateOptions) args() []string {
	args := []string{fmt.Sprintf("--compression=%s", o.Compression)}
	if o.ExcludeCaches {
		args = append(args, "--exclude-caches")
	}
	if o.ExcludeNoDump {
		args = append(args, "--exclude-nodump")
	}
	if o.ShowProgress {
		args = append(args, "--progress")
	}
	if o.Stats {
		args = append(args, "--stats")
	}
	if o.ListFiles {
		args = append(args, "--list")
	}
	if o.ExcludeFile != "" {
		args = append(args, "--exclude-from", o.ExcludeFile)
	}
	return args
}

// ExtractOptions controls archive extraction.
type ExtractOptions struct {
	DryRun          bool
	Sparse          bool
	StripComponents int
	IncludePatterns []string
	ExcludePatterns []string
	ShowProgress    bool
	ListFiles       bool
}

func (o ExtractOptions) args() []string {
	var args []string
	if o.DryRun {
		args = append(args, "--dry-run")
	}
	if o.Sparse {
		args = append(args, "--sparse")
	}
	if o.StripComponents > 0 {
		args = append(args, fmt.Sprintf("--strip-components=%d", o.StripComponents))
	}
	if o.ShowProgress {
		args = append(args, "--progress")
	}
	if o.ListFiles {
		args = append(args, "--list")
	}
	for _, p := range o.IncludePatterns {
		args = append(args, fmt.Sprintf("--pattern=+%s", p))
	}
	for _, p := range o.ExcludePatterns {
		args = append(args, fmt.Sprintf("--exclude=%s", p))
	}
	return args
}

// InitOptions controls repository initialization.
type InitOptions struct {
	Encryption   string // default "repokey"
	StorageQuota string
	// AdditionalFreeSpace, when non-empty, is applied with a follow-up
	// `borg config` call after init succeeds.
	AdditionalFreeSpace string
}

// archiveTarget renders the repo::archive form the engine expects.
func archiveTarget(repoPath, archiveName string) string {
	return fmt.Sprintf("%s::%s", repoPath, archiveName)
}

// ArchiveNameFor returns the centrally generated archive name for the given
// creation time: YYYY-MM-DD_HH:MM:SS in UTC. Names generated this way are
// unique per second and sort lexicographically by creation time.
func ArchiveNameFor(t time.Time) string {
	return t.UTC().Format("2006-01-02_15:04:05")
}

// ArchiveRecord is one entry of `borg list --json`.
type ArchiveRecord struct {
	Archive string `json:"archive"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Start   string `json:"start"`
	Time    string `json:"time"`
}

type listOutput struct {
	Archives []ArchiveRecord `json:"archives"`
}

// ArchivedFile is one entry of `borg list --json-lines` for an archive's
// contents.
type ArchivedFile struct {
	Type    string `json:"type"`
	Mode    string `json:"mode"`
	User    string `json:"user"`
	Group   string `json:"group"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	MTime   string `json:"mtime"`
	Healthy bool   `json:"healthy"`
}
