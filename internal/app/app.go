package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"bb-go/internal/awsconf"
	"bb-go/internal/borg"
	"bb-go/internal/config"
	"bb-go/internal/model"
	"bb-go/internal/orchestrator"
	"bb-go/internal/passphrase"
	"bb-go/internal/s3sync"
	"bb-go/internal/storage"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// BBApp is the application layer between the CLI and the orchestrator.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the store lifecycle on Close.
type BBApp struct {
	cfg     *config.Config
	store   storage.Store
	orch    *orchestrator.Orchestrator
	logFile *os.File
	runID   string
}

// NewBBApp creates a fully wired BBApp from the given config. Every log line
// of this process carries the same run ID so concurrent runs can be told
// apart in the shared log file. The caller must call Close when done.
func NewBBApp(ctx context.Context, cfg *config.Config) (*BBApp, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	runID := uuid.New().String()
	logger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	store, err := storage.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating metadata store: %w", err)
	}

	engine := borg.NewExecClient(cfg.Borg.ExecutablePath)

	// The remote object store is optional; without a bucket every remote
	// operation reports a validation error instead.
	var syncer s3sync.Syncer
	if cfg.AWS.S3Bucket != "" {
		awsCfg, err := awsconf.Load(ctx, cfg.AWS)
		if err != nil {
			store.Close()
			logFile.Close()
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		s := s3sync.NewS3Syncer(s3.NewFromConfig(awsCfg), cfg.AWS.S3Bucket, cfg.AWS.S3StorageClass)
		s.Progress = func(msg string) { logger.Debug(msg) }
		syncer = s
	}

	secrets := &passphrase.Resolver{
		Dir:              cfg.PassphrasesDir(),
		ConfigDefault:    cfg.Borg.Passphrase,
		ConfigNewDefault: cfg.Borg.NewPassphrase,
		Warnf: func(format string, args ...any) {
			logger.Warn(fmt.Sprintf(format, args...))
		},
	}

	orch := orchestrator.New(store, engine, syncer, secrets, cfg, &slogAdapter{l: logger}, orchestrator.RealClock{})

	return &BBApp{
		cfg:     cfg,
		store:   store,
		orch:    orch,
		logFile: logFile,
		runID:   runID,
	}, nil
}

// CreateRepo resolves the given paths and initializes a new repository.
func (a *BBApp) CreateRepo(ctx context.Context, rawPath, rawTarget, name, passphrase string, retention *model.RetentionOverride) (*model.Repository, *orchestrator.Summary, error) {
	path, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving repository path: %w", err)
	}
	target, err := filepath.Abs(rawTarget)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving backup target: %w", err)
	}
	return a.orch.CreateRepo(ctx, path, target, name, passphrase, retention)
}

// Backup creates one archive of the repository's backup target.
func (a *BBApp) Backup(ctx context.Context, name, passphrase string) (*orchestrator.Summary, error) {
	return a.orch.Backup(ctx, name, passphrase)
}

// DailyBackup runs the full create/prune/compact sequence, optionally
// mirroring to the remote object store afterwards.
func (a *BBApp) DailyBackup(ctx context.Context, name, passphrase string, syncRemote bool) (*orchestrator.Summary, error) {
	return a.orch.DailyBackup(ctx, name, passphrase, syncRemote)
}

// DeleteRepo removes a repository and its metadata.
func (a *BBApp) DeleteRepo(ctx context.Context, name string, dryRun, deleteFromS3 bool, passphrase string) (*orchestrator.Summary, error) {
	return a.orch.DeleteRepo(ctx, name, dryRun, deleteFromS3, passphrase)
}

// DeleteArchive removes one archive from a repository.
func (a *BBApp) DeleteArchive(ctx context.Context, name, archiveName string, dryRun bool, passphrase string) (*orchestrator.Summary, error) {
	return a.orch.DeleteArchive(ctx, name, archiveName, dryRun, passphrase)
}

// RestoreArchive extracts an archive into the repository's working directory.
func (a *BBApp) RestoreArchive(ctx context.Context, name, archiveName string, opts borg.ExtractOptions, passphrase string) (*orchestrator.Summary, error) {
	return a.orch.RestoreArchive(ctx, name, archiveName, opts, passphrase)
}

// RestoreRepo downloads a repository from the remote object store.
func (a *BBApp) RestoreRepo(ctx context.Context, name string, force, dryRun bool) (*orchestrator.Summary, error) {
	return a.orch.RestoreRepo(ctx, name, force, dryRun)
}

// GetRepo returns one repository record.
func (a *BBApp) GetRepo(name string) (*model.Repository, error) {
	return a.orch.GetRepo(name)
}

// ListRepos returns every registered repository.
func (a *BBApp) ListRepos() ([]*model.Repository, error) {
	return a.orch.ListRepos()
}

// ListRemoteRepos returns the repository names present in the remote
// object store.
func (a *BBApp) ListRemoteRepos(ctx context.Context) ([]string, error) {
	return a.orch.ListRemoteRepos(ctx)
}

// ListArchives returns the archives the engine reports for a repository.
func (a *BBApp) ListArchives(ctx context.Context, name, passphrase string) ([]borg.ArchiveRecord, error) {
	return a.orch.ListArchives(ctx, name, passphrase)
}

// ListArchiveContents returns the files inside one archive.
func (a *BBApp) ListArchiveContents(ctx context.Context, name, archiveName, passphrase string) ([]borg.ArchivedFile, error) {
	return a.orch.ListArchiveContents(ctx, name, archiveName, passphrase)
}

// Info returns the engine's current repository metadata.
func (a *BBApp) Info(ctx context.Context, name, passphrase string) (*model.RepoInfo, error) {
	return a.orch.Info(ctx, name, passphrase)
}

// Check verifies repository consistency.
func (a *BBApp) Check(ctx context.Context, name, passphrase string) (*orchestrator.Summary, error) {
	return a.orch.Check(ctx, name, passphrase)
}

// ExportKey writes the repository's key material to the given path.
func (a *BBApp) ExportKey(ctx context.Context, name, rawOutput string, paper bool, passphrase string) error {
	output, err := filepath.Abs(rawOutput)
	if err != nil {
		return fmt.Errorf("resolving output path: %w", err)
	}
	return a.orch.ExportKey(ctx, name, output, paper, passphrase)
}

// SyncToS3 mirrors a repository to the remote object store.
func (a *BBApp) SyncToS3(ctx context.Context, name string) (*orchestrator.Summary, error) {
	return a.orch.SyncToS3(ctx, name)
}

// S3Stats returns a repository's remote usage statistics.
func (a *BBApp) S3Stats(ctx context.Context, name string, refresh bool) (*model.S3Stats, error) {
	return a.orch.S3Stats(ctx, name, refresh)
}

// MigratePassphrases moves legacy stored passphrases into secret files.
func (a *BBApp) MigratePassphrases() (int, error) {
	return a.orch.MigratePassphrases()
}

// CreateExclusions installs a repository's exclusion list from a source file.
func (a *BBApp) CreateExclusions(name, rawSource string) (string, error) {
	source, err := filepath.Abs(rawSource)
	if err != nil {
		return "", fmt.Errorf("resolving source path: %w", err)
	}
	return a.orch.CreateExclusions(name, source)
}

// GetExclusions returns a repository's exclusion patterns.
func (a *BBApp) GetExclusions(name string) ([]string, error) {
	return a.orch.GetExclusions(name)
}

// AddExclusion appends one pattern to a repository's exclusion list.
func (a *BBApp) AddExclusion(name, pattern string) error {
	return a.orch.AddExclusion(name, pattern)
}

// RemoveExclusion deletes the pattern at the given 1-based line number.
func (a *BBApp) RemoveExclusion(name string, lineNumber int) error {
	return a.orch.RemoveExclusion(name, lineNumber)
}

// Close releases the metadata store and the log file.
func (a *BBApp) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing metadata store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
