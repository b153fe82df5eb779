package testutil

import (
	"context"
	"fmt"
	"sync"

	"bb-go/internal/borg"
	"bb-go/internal/model"
)

// ScriptedStream describes the outcome of one streaming engine operation.
type ScriptedStream struct {
	// StartErr, when set, is returned instead of a stream (spawn failure).
	StartErr error
	// Lines are delivered on the stream before it closes.
	Lines []borg.Line
	// Result is returned from Wait. Nil means a clean success.
	Result *borg.Result
	// Err is returned from Wait alongside a nil result (fatal).
	Err error
}

func (s *ScriptedStream) stream() (*borg.Stream, error) {
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	ch := make(chan borg.Line, len(s.Lines))
	for _, line := range s.Lines {
		ch <- line
	}
	close(ch)

	result, waitErr := s.Result, s.Err
	if result == nil && waitErr == nil {
		result = &borg.Result{Class: borg.ClassSuccess}
	}
	return borg.NewStream(ch, func() (*borg.Result, error) {
		return result, waitErr
	}), nil
}

// FakeEngine is a scripted borg.Client. Streaming operations are looked up
// in Streams by subcommand name ("create", "prune", "compact", "extract",
// "delete"); absent entries succeed with no output. Every call is recorded.
type FakeEngine struct {
	mu    sync.Mutex
	calls []string

	InitErr      error
	InitOpts     borg.InitOptions
	InfoResult   *model.RepoInfo
	InfoErr      error
	Archives     []borg.ArchiveRecord
	ArchivesErr  error
	Contents     []borg.ArchivedFile
	Streams      map[string]*ScriptedStream
	CheckResult  *borg.Result
	CheckErr     error
	ExportKeyErr error

	// Passphrases records the passphrase passed to each call, keyed by
	// subcommand name.
	Passphrases map[string]string
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		Streams:     make(map[string]*ScriptedStream),
		Passphrases: make(map[string]string),
		InfoResult:  &model.RepoInfo{},
	}
}

// Calls returns the recorded invocations in order, formatted as
// "subcommand arg...".
func (f *FakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CalledWith reports whether any recorded call starts with prefix.
func (f *FakeEngine) CalledWith(prefix string) bool {
	for _, call := range f.Calls() {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (f *FakeEngine) record(op, passphrase string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintln(append([]any{op}, args...)...))
	f.Passphrases[op] = passphrase
}

func (f *FakeEngine) scripted(op string) (*borg.Stream, error) {
	f.mu.Lock()
	script := f.Streams[op]
	f.mu.Unlock()
	if script == nil {
		script = &ScriptedStream{}
	}
	return script.stream()
}

func (f *FakeEngine) Init(ctx context.Context, repoPath, pass string, opts borg.InitOptions) error {
	f.record("init", pass, repoPath)
	f.mu.Lock()
	f.InitOpts = opts
	f.mu.Unlock()
	return f.InitErr
}

func (f *FakeEngine) Info(ctx context.Context, repoPath, pass string) (*model.RepoInfo, error) {
	f.record("info", pass, repoPath)
	if f.InfoErr != nil {
		return nil, f.InfoErr
	}
	return f.InfoResult, nil
}

func (f *FakeEngine) ListArchives(ctx context.Context, repoPath, pass string) ([]borg.ArchiveRecord, error) {
	f.record("list", pass, repoPath)
	return f.Archives, f.ArchivesErr
}

func (f *FakeEngine) ListArchiveContents(ctx context.Context, repoPath, archiveName, pass string) ([]borg.ArchivedFile, error) {
	f.record("list-contents", pass, repoPath, archiveName)
	return f.Contents, nil
}

func (f *FakeEngine) Create(ctx context.Context, repoPath, archiveName, target, pass string, opts borg.CreateOptions) (*borg.Stream, error) {
	f.record("create", pass, repoPath, archiveName, target)
	return f.scripted("create")
}

func (f *FakeEngine) Prune(ctx context.Context, repoPath, pass string, retentionArgs []string) (*borg.Stream, error) {
	f.record("prune", pass, append([]any{repoPath}, toAny(retentionArgs)...)...)
	return f.scripted("prune")
}

func (f *FakeEngine) Compact(ctx context.Context, repoPath, pass string) (*borg.Stream, error) {
	f.record("compact", pass, repoPath)
	return f.scripted("compact")
}

func (f *FakeEngine) Extract(ctx context.Context, repoPath, archiveName, pass string, opts borg.ExtractOptions) (*borg.Stream, error) {
	f.record("extract", pass, repoPath, archiveName)
	return f.scripted("extract")
}

func (f *FakeEngine) Delete(ctx context.Context, repoPath, archiveName string, dryRun bool, pass string) (*borg.Stream, error) {
	f.record("delete", pass, repoPath, archiveName, dryRun)
	return f.scripted("delete")
}

func (f *FakeEngine) Check(ctx context.Context, repoPath, pass string) (*borg.Result, error) {
	f.record("check", pass, repoPath)
	if f.CheckErr != nil {
		return nil, f.CheckErr
	}
	if f.CheckResult != nil {
		return f.CheckResult, nil
	}
	return &borg.Result{Class: borg.ClassSuccess}, nil
}

func (f *FakeEngine) ExportKey(ctx context.Context, repoPath, outputPath string, paper bool, pass string) error {
	f.record("export-key", pass, repoPath, outputPath)
	return f.ExportKeyErr
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

var _ borg.Client = (*FakeEngine)(nil)
