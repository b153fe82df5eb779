package model

import "time"

// Repository is the core domain record for an engine-managed backup
// repository tracked by bb.
type Repository struct {
	Name         string // Unique common name
	Path         string // Absolute path to the borg repository
	BackupTarget string // Directory that gets backed up into this repository
	Hostname     string // Host that owns the repository; (Path, Hostname) is unique
	OSPlatform   string // "linux" or "darwin"

	LastBackup *time.Time // Most recent successful backup, nil if never
	LastS3Sync *time.Time // Most recent successful remote sync, nil if never

	// Retention holds this repository's override. Nil fields fall back to
	// the global defaults at prune time.
	Retention *RetentionOverride

	// MetadataJSON is the engine-reported repository info (borg info --json)
	// stored opaquely.
	MetadataJSON string

	// Passphrase is the legacy in-store secret. New repositories never set
	// it; it survives only until MigratePassphrases moves it to a file.
	Passphrase         string
	PassphraseFilePath string
	PassphraseMigrated bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RetentionOverride is a partial retention policy. Nil means "use the
// global default" for that cadence.
type RetentionOverride struct {
	KeepDaily   *int
	KeepWeekly  *int
	KeepMonthly *int
	KeepYearly  *int
}

// Archive is one point-in-time snapshot recorded by the engine inside a
// repository. Name is generated centrally (UTC timestamp) so archives sort
// lexicographically by creation time.
type Archive struct {
	RepoName         string
	ArchiveID        string // Engine-assigned identifier
	Name             string // YYYY-MM-DD_HH:MM:SS, UTC
	ISOTimestamp     string // RFC 3339 creation time
	Hostname         string
	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
}

// S3Stats is the cached result of a remote object-store usage query for one
// repository. Overwritten on each successful fetch, removed with its
// repository.
type S3Stats struct {
	RepoName       string
	TotalSizeBytes int64
	ObjectCount    int64
	LastModified   *time.Time
	CachedAt       time.Time
}

// RepoInfo mirrors the subset of `borg info --json` output bb consumes.
type RepoInfo struct {
	Cache       RepoCache      `json:"cache"`
	Encryption  RepoEncryption `json:"encryption"`
	Repository  RepoLocation   `json:"repository"`
	SecurityDir string         `json:"security_dir"`
}

// RepoCache carries the engine's chunk-level size accounting.
type RepoCache struct {
	Path  string    `json:"path"`
	Stats RepoStats `json:"stats"`
}

type RepoStats struct {
	TotalChunks       int64 `json:"total_chunks"`
	TotalCSize        int64 `json:"total_csize"` // compressed
	TotalSize         int64 `json:"total_size"`  // original
	TotalUniqueChunks int64 `json:"total_unique_chunks"`
	UniqueCSize       int64 `json:"unique_csize"` // deduplicated
	UniqueSize        int64 `json:"unique_size"`
}

type RepoEncryption struct {
	Mode string `json:"mode"`
}

type RepoLocation struct {
	ID           string `json:"id"`
	LastModified string `json:"last_modified"`
	Location     string `json:"location"`
}
