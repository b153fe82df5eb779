// Package orchestrator sequences multi-step backup workflows against the
// engine client, the metadata store, and the remote object syncer. It is the
// only layer that decides whether an error aborts a workflow or rides along
// as a warning.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"bb-go/internal/borg"
	"bb-go/internal/config"
	"bb-go/internal/model"
	"bb-go/internal/passphrase"
	"bb-go/internal/retention"
	"bb-go/internal/s3sync"
	"bb-go/internal/storage"
)

// Orchestrator coordinates backup, restore, and maintenance workflows using
// dependency-injected collaborators.
type Orchestrator struct {
	store    storage.Store
	engine   borg.Client
	syncer   s3sync.Syncer // nil when no remote object store is configured
	secrets  *passphrase.Resolver
	cfg      *config.Config
	logger   Logger
	clock    Clock
	hostname string
}

// New wires an Orchestrator. syncer may be nil; workflows that need the
// remote object store then fail with a validation error.
func New(store storage.Store, engine borg.Client, syncer s3sync.Syncer, secrets *passphrase.Resolver, cfg *config.Config, logger Logger, clock Clock) *Orchestrator {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Orchestrator{
		store:    store,
		engine:   engine,
		syncer:   syncer,
		secrets:  secrets,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		hostname: hostname,
	}
}

// Summary is the successful outcome of a mutating workflow. Warnings carry
// every non-fatal finding accumulated along the steps; they are never
// silently dropped.
type Summary struct {
	Warnings []string
}

func (s *Summary) warnf(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// Repository workflows

// CreateRepo initializes a new engine repository and registers it. The
// passphrase is resolved (or generated), persisted to the secrets directory,
// and never stored with the record.
func (o *Orchestrator) CreateRepo(ctx context.Context, path, backupTarget, name, explicitPass string, retentionOverride *model.RetentionOverride) (*model.Repository, *Summary, error) {
	summary := &Summary{}

	if name == "" {
		return nil, nil, validationErrorf("name", "repository name must not be empty")
	}
	if exists, err := o.store.Exists(name); err != nil {
		return nil, nil, err
	} else if exists {
		return nil, nil, validationErrorf("name", "repository %q already exists", name)
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return nil, nil, validationErrorf("path", "%s is a file, not a directory", path)
	}

	secret, generated, err := o.secrets.ResolveForNew(name, explicitPass)
	if err != nil {
		return nil, nil, err
	}
	if generated {
		o.logger.Warn("generated passphrase for repository", "repo", name)
		summary.warnf("a passphrase was generated for %q and saved to %s; keep a copy somewhere safe", name, o.secrets.FilePath(name))
	}
	secretPath, err := o.secrets.Save(name, secret)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating repository directory: %w", err)
	}

	// Fatal on any non-zero exit: a repository either exists afterwards or
	// it does not.
	err = o.engine.Init(ctx, path, secret, borg.InitOptions{
		StorageQuota:        o.cfg.Borg.StorageQuota,
		AdditionalFreeSpace: o.cfg.Borg.AdditionalFreeSpace,
	})
	if err != nil {
		return nil, nil, &StepError{Step: "init", Err: err}
	}

	repo := &model.Repository{
		Name:               name,
		Path:               path,
		BackupTarget:       backupTarget,
		Hostname:           o.hostname,
		OSPlatform:         runtime.GOOS,
		Retention:          retentionOverride,
		PassphraseFilePath: secretPath,
		PassphraseMigrated: true,
	}

	if info, err := o.engine.Info(ctx, path, secret); err != nil {
		// Metadata is refreshed on the next backup; only note it here.
		o.logger.Warn("could not read repository info after init", "repo", name, "error", err)
		summary.warnf("repository created but reading its info failed: %v", err)
	} else if encoded, err := encodeInfo(info); err == nil {
		repo.MetadataJSON = encoded
	}

	if err := o.store.Create(repo); err != nil {
		return nil, nil, err
	}
	o.logger.Info("created repository", "repo", name, "path", path)
	return repo, summary, nil
}

// GetRepo returns a repository by name, auto-migrating its legacy stored
// passphrase to a secret file when needed.
func (o *Orchestrator) GetRepo(name string) (*model.Repository, error) {
	repo, err := o.store.Get(name)
	if err != nil {
		return nil, err
	}
	return o.autoMigratePassphrase(repo), nil
}

// GetRepoByPath returns a repository by (path, hostname); an empty hostname
// means the local host.
func (o *Orchestrator) GetRepoByPath(path, hostname string) (*model.Repository, error) {
	if hostname == "" {
		hostname = o.hostname
	}
	repo, err := o.store.GetByPath(path, hostname)
	if err != nil {
		return nil, err
	}
	return o.autoMigratePassphrase(repo), nil
}

// ListRepos returns every registered repository.
func (o *Orchestrator) ListRepos() ([]*model.Repository, error) {
	return o.store.ListAll()
}

// ListRemoteRepos returns the repository names with a copy in the remote
// object store, regardless of which host owns them.
func (o *Orchestrator) ListRemoteRepos(ctx context.Context) ([]string, error) {
	if o.syncer == nil {
		return nil, validationErrorf("s3", "remote object store not configured")
	}
	return o.syncer.ListRepos(ctx)
}

// DeleteRepo removes a repository: the engine data, the metadata record with
// its cache entry, the exclusion file, and optionally the remote mirror.
// Only repositories on the local host can be deleted.
func (o *Orchestrator) DeleteRepo(ctx context.Context, name string, dryRun, deleteFromS3 bool, explicitPass string) (*Summary, error) {
	summary := &Summary{}

	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	if !o.isLocal(repo) {
		return nil, validationErrorf("repository", "%q lives on host %q, deletion must run there", name, repo.Hostname)
	}

	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}

	stream, err := o.engine.Delete(ctx, repo.Path, "", dryRun, secret)
	if _, err := o.drain("delete-repository", stream, err, summary, nil); err != nil {
		return nil, err
	}

	if dryRun {
		return summary, nil
	}

	if err := o.store.Delete(name); err != nil {
		return nil, err
	}

	// Best-effort cleanup; a missing exclusion file is not an error.
	if err := os.Remove(o.cfg.ExcludesPath(name)); err != nil && !os.IsNotExist(err) {
		summary.warnf("could not remove exclusion file: %v", err)
	}

	if deleteFromS3 {
		if o.syncer == nil {
			summary.warnf("remote object store not configured; remote copy of %q was not deleted", name)
		} else if err := o.syncer.Delete(ctx, name, false); err != nil {
			summary.warnf("deleting remote copy failed: %v", err)
		}
	}

	o.logger.Info("deleted repository", "repo", name)
	return summary, nil
}

// Backup workflows

// Backup creates one archive of the repository's backup target. The
// exclusion file must exist first. Engine warnings do not fail the backup.
func (o *Orchestrator) Backup(ctx context.Context, name, explicitPass string) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	if _, err := o.createArchive(ctx, repo, secret, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// DailyBackup runs the full maintenance sequence: create archive, prune to
// the resolved retention policy, compact, refresh metadata, then optionally
// mirror to the remote object store. Every engine step is warning-tolerant;
// a remote sync failure is reported but never hides the completed local
// backup.
func (o *Orchestrator) DailyBackup(ctx context.Context, name, explicitPass string, syncRemote bool) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}

	policy, warn, err := retention.Resolve(repo.Retention, o.defaultRetention())
	if err != nil {
		return nil, validationErrorf("retention", "%v", err)
	}
	if warn != "" {
		summary.Warnings = append(summary.Warnings, warn)
	}

	o.logger.Info("creating archive", "repo", name)
	archive, err := o.createArchive(ctx, repo, secret, summary)
	if err != nil {
		return nil, err
	}

	o.logger.Info("pruning old archives", "repo", name)
	stream, startErr := o.engine.Prune(ctx, repo.Path, secret, policy.Args())
	if _, err := o.drain("prune", stream, startErr, summary, nil); err != nil {
		return nil, err
	}

	o.logger.Info("compacting repository", "repo", name)
	stream, startErr = o.engine.Compact(ctx, repo.Path, secret)
	if _, err := o.drain("compact", stream, startErr, summary, nil); err != nil {
		return nil, err
	}

	// Local state is persisted before any remote step so a remote fault can
	// never roll back or mask the finished backup.
	now := o.clock.Now().UTC()
	repo.LastBackup = &now
	if info, err := o.engine.Info(ctx, repo.Path, secret); err != nil {
		summary.warnf("refreshing repository info failed: %v", err)
	} else if encoded, err := encodeInfo(info); err == nil {
		repo.MetadataJSON = encoded
	}
	if err := o.store.Update(repo); err != nil {
		return nil, err
	}

	if syncRemote {
		if o.syncer == nil {
			summary.warnf("remote object store not configured; skipping sync")
		} else if err := o.syncRemote(ctx, repo); err != nil {
			o.logger.Error("remote sync failed", "repo", name, "error", err)
			summary.warnf("remote sync failed: %v", err)
		}
	}

	o.logger.Info("daily backup finished", "repo", name, "archive", archive.Name, "warnings", len(summary.Warnings))
	return summary, nil
}

// createArchive runs the engine create step and records the archive row.
// The archive name is generated centrally from the clock so names sort
// lexicographically by creation time.
func (o *Orchestrator) createArchive(ctx context.Context, repo *model.Repository, secret string, summary *Summary) (*model.Archive, error) {
	excludesPath := o.cfg.ExcludesPath(repo.Name)
	if _, err := os.Stat(excludesPath); err != nil {
		return nil, validationErrorf("excludes", "exclusion list must be created before backing up %q", repo.Name)
	}

	createdAt := o.clock.Now().UTC()
	archiveName := borg.ArchiveNameFor(createdAt)

	opts := borg.DefaultCreateOptions(o.cfg.Borg.Compression)
	opts.ExcludeFile = excludesPath

	var finalProgress *borg.ArchiveProgress
	stream, startErr := o.engine.Create(ctx, repo.Path, archiveName, repo.BackupTarget, secret, opts)
	_, err := o.drain("create-archive", stream, startErr, summary, func(line borg.Line) {
		if line.Kind == borg.KindArchiveProgress {
			finalProgress = line.Progress
		}
	})
	if err != nil {
		return nil, err
	}

	archive := &model.Archive{
		RepoName:     repo.Name,
		Name:         archiveName,
		ISOTimestamp: createdAt.Format(time.RFC3339),
		Hostname:     o.hostname,
	}
	if finalProgress != nil {
		archive.OriginalSize = finalProgress.OriginalSize
		archive.CompressedSize = finalProgress.CompressedSize
		archive.DeduplicatedSize = finalProgress.DeduplicatedSize
	}
	if err := o.store.SaveArchive(archive); err != nil {
		return nil, err
	}
	return archive, nil
}

// DeleteArchive removes one archive and compacts the repository to reclaim
// its space.
func (o *Orchestrator) DeleteArchive(ctx context.Context, name, archiveName string, dryRun bool, explicitPass string) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	if !o.isLocal(repo) {
		return nil, validationErrorf("repository", "%q lives on host %q, archive deletion must run there", name, repo.Hostname)
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	stream, startErr := o.engine.Delete(ctx, repo.Path, archiveName, dryRun, secret)
	if _, err := o.drain("delete-archive", stream, startErr, summary, nil); err != nil {
		return nil, err
	}

	if dryRun {
		return summary, nil
	}

	stream, startErr = o.engine.Compact(ctx, repo.Path, secret)
	if _, err := o.drain("compact", stream, startErr, summary, nil); err != nil {
		return nil, err
	}

	if err := o.store.DeleteArchiveByName(name, archiveName); err != nil {
		return nil, err
	}
	if info, err := o.engine.Info(ctx, repo.Path, secret); err != nil {
		summary.warnf("refreshing repository info failed: %v", err)
	} else if encoded, err := encodeInfo(info); err == nil {
		repo.MetadataJSON = encoded
		if err := o.store.Update(repo); err != nil {
			return nil, err
		}
	}

	o.logger.Info("deleted archive", "repo", name, "archive", archiveName)
	return summary, nil
}

// RestoreArchive extracts an archive into the repository's working
// directory.
func (o *Orchestrator) RestoreArchive(ctx context.Context, name, archiveName string, opts borg.ExtractOptions, explicitPass string) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	stream, startErr := o.engine.Extract(ctx, repo.Path, archiveName, secret, opts)
	if _, err := o.drain("extract", stream, startErr, summary, nil); err != nil {
		return nil, err
	}

	o.logger.Info("restored archive", "repo", name, "archive", archiveName)
	return summary, nil
}

// ListArchives returns the archives the engine reports for a repository.
func (o *Orchestrator) ListArchives(ctx context.Context, name, explicitPass string) ([]borg.ArchiveRecord, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}
	return o.engine.ListArchives(ctx, repo.Path, secret)
}

// ListArchiveContents returns the files recorded inside one archive.
func (o *Orchestrator) ListArchiveContents(ctx context.Context, name, archiveName, explicitPass string) ([]borg.ArchivedFile, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}
	return o.engine.ListArchiveContents(ctx, repo.Path, archiveName, secret)
}

// Info returns the engine's current repository metadata.
func (o *Orchestrator) Info(ctx context.Context, name, explicitPass string) (*model.RepoInfo, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}
	return o.engine.Info(ctx, repo.Path, secret)
}

// Check verifies repository consistency. Engine warnings ride along on the
// summary.
func (o *Orchestrator) Check(ctx context.Context, name, explicitPass string) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	result, err := o.engine.Check(ctx, repo.Path, secret)
	if err != nil {
		return nil, &StepError{Step: "check", Err: err}
	}
	summary.Warnings = append(summary.Warnings, result.Warnings...)
	return summary, nil
}

// ExportKey writes the repository's key material to outputPath.
func (o *Orchestrator) ExportKey(ctx context.Context, name, outputPath string, paper bool, explicitPass string) error {
	repo, err := o.GetRepo(name)
	if err != nil {
		return err
	}
	secret, err := o.resolveSecret(repo, explicitPass)
	if err != nil {
		return err
	}
	if err := o.engine.ExportKey(ctx, repo.Path, outputPath, paper, secret); err != nil {
		return &StepError{Step: "export-key", Err: err}
	}
	o.logger.Info("exported repository key", "repo", name, "output", outputPath)
	return nil
}

// Remote object store workflows

// SyncToS3 mirrors the repository to the remote object store, stamps
// last_s3_sync, and refreshes the cached usage stats.
func (o *Orchestrator) SyncToS3(ctx context.Context, name string) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	if o.syncer == nil {
		return nil, validationErrorf("s3", "remote object store not configured")
	}

	summary := &Summary{}
	if err := o.syncRemote(ctx, repo); err != nil {
		return nil, &StepError{Step: "s3-sync", Err: err}
	}
	return summary, nil
}

func (o *Orchestrator) syncRemote(ctx context.Context, repo *model.Repository) error {
	if err := o.syncer.Sync(ctx, repo.Path, repo.Name); err != nil {
		return err
	}

	now := o.clock.Now().UTC()
	repo.LastS3Sync = &now
	if err := o.store.Update(repo); err != nil {
		return err
	}

	// Cache refresh is advisory; the next stats call rebuilds it anyway.
	if stats, err := o.syncer.Stats(ctx, repo.Name); err != nil {
		o.logger.Warn("could not refresh remote stats", "repo", repo.Name, "error", err)
	} else if err := o.store.PutS3Stats(stats); err != nil {
		o.logger.Warn("could not cache remote stats", "repo", repo.Name, "error", err)
	}
	return nil
}

// RestoreRepo downloads a repository's data from the remote object store.
// It refuses to overwrite an existing local directory unless force is set.
func (o *Orchestrator) RestoreRepo(ctx context.Context, name string, force, dryRun bool) (*Summary, error) {
	repo, err := o.GetRepo(name)
	if err != nil {
		return nil, err
	}
	if o.syncer == nil {
		return nil, validationErrorf("s3", "remote object store not configured")
	}

	if _, err := os.Stat(repo.Path); err == nil && !force && !dryRun {
		return nil, validationErrorf("path", "%s already exists locally; pass force to overwrite it", repo.Path)
	}

	exists, err := o.syncer.Exists(ctx, name)
	if err != nil {
		return nil, &StepError{Step: "s3-head", Err: err}
	}
	if !exists {
		return nil, validationErrorf("s3", "no remote copy of %q to restore from", name)
	}

	summary := &Summary{}
	if err := o.syncer.Fetch(ctx, repo.Path, name, dryRun); err != nil {
		return nil, &StepError{Step: "s3-fetch", Err: err}
	}
	if dryRun {
		return summary, nil
	}

	// Re-register the repository as living on this host. The fetched copy
	// matches the remote as of now.
	repo.Hostname = o.hostname
	repo.OSPlatform = runtime.GOOS
	now := o.clock.Now().UTC()
	repo.LastS3Sync = &now
	if err := o.store.Update(repo); err != nil {
		return nil, err
	}

	o.logger.Info("restored repository from remote store", "repo", name, "path", repo.Path)
	return summary, nil
}

// S3Stats returns the repository's remote usage statistics, reading through
// the cache. With refresh the remote store is always consulted and the cache
// rewritten.
func (o *Orchestrator) S3Stats(ctx context.Context, name string, refresh bool) (*model.S3Stats, error) {
	if _, err := o.GetRepo(name); err != nil {
		return nil, err
	}

	if !refresh {
		cached, err := o.store.GetS3Stats(name)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	if o.syncer == nil {
		return nil, validationErrorf("s3", "remote object store not configured")
	}
	stats, err := o.syncer.Stats(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := o.store.PutS3Stats(stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Passphrase workflows

// MigratePassphrases moves every legacy stored passphrase into the secrets
// directory. Already-migrated repositories are skipped.
func (o *Orchestrator) MigratePassphrases() (int, error) {
	repos, err := o.store.ListAll()
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, repo := range repos {
		if repo.PassphraseMigrated || repo.Passphrase == "" {
			continue
		}
		path, err := o.secrets.Migrate(repo.Name, repo.Passphrase)
		if err != nil {
			return migrated, fmt.Errorf("migrating passphrase for %q: %w", repo.Name, err)
		}
		repo.PassphraseFilePath = path
		repo.PassphraseMigrated = true
		repo.Passphrase = ""
		if err := o.store.Update(repo); err != nil {
			return migrated, err
		}
		o.logger.Info("migrated passphrase to file", "repo", repo.Name, "file", path)
		migrated++
	}
	return migrated, nil
}

// autoMigratePassphrase opportunistically migrates a legacy stored
// passphrase when a repository record passes through. Failure is logged and
// deferred to an explicit migration run.
func (o *Orchestrator) autoMigratePassphrase(repo *model.Repository) *model.Repository {
	if repo.PassphraseMigrated || repo.Passphrase == "" {
		return repo
	}

	path, err := o.secrets.Migrate(repo.Name, repo.Passphrase)
	if err != nil {
		o.logger.Error("passphrase auto-migration failed", "repo", repo.Name, "error", err)
		return repo
	}
	repo.PassphraseFilePath = path
	repo.PassphraseMigrated = true
	repo.Passphrase = ""
	if err := o.store.Update(repo); err != nil {
		o.logger.Error("persisting migrated passphrase state failed", "repo", repo.Name, "error", err)
	} else {
		o.logger.Info("auto-migrated passphrase to file", "repo", repo.Name, "file", path)
	}
	return repo
}

// Internal helpers

func (o *Orchestrator) resolveSecret(repo *model.Repository, explicit string) (string, error) {
	secret, err := o.secrets.ResolveForExisting(repo.Name, explicit, repo.Passphrase)
	if err != nil {
		if errors.Is(err, passphrase.ErrNotFound) {
			return "", validationErrorf("passphrase", "no passphrase available for repository %q", repo.Name)
		}
		return "", err
	}
	return secret, nil
}

func (o *Orchestrator) isLocal(repo *model.Repository) bool {
	return repo.Hostname == o.hostname
}

func (o *Orchestrator) defaultRetention() retention.Policy {
	r := o.cfg.Borg.Retention
	return retention.Policy{
		KeepDaily:   r.KeepDaily,
		KeepWeekly:  r.KeepWeekly,
		KeepMonthly: r.KeepMonthly,
		KeepYearly:  r.KeepYearly,
	}
}

// drain consumes a stream to completion, logging each line and accumulating
// the result's warnings into the summary. A fatal classification (or a
// failed start) comes back as a StepError carrying the step name; warnings
// never abort.
func (o *Orchestrator) drain(step string, stream *borg.Stream, startErr error, summary *Summary, onLine func(borg.Line)) (*borg.Result, error) {
	if startErr != nil {
		return nil, &StepError{Step: step, Err: startErr}
	}
	for line := range stream.Lines() {
		o.logLine(step, line)
		if onLine != nil {
			onLine(line)
		}
	}
	result, err := stream.Wait()
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	summary.Warnings = append(summary.Warnings, result.Warnings...)
	return result, nil
}

func encodeInfo(info *model.RepoInfo) (string, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (o *Orchestrator) logLine(step string, line borg.Line) {
	switch line.Kind {
	case borg.KindLog:
		switch line.Log.LevelName {
		case "WARNING":
			o.logger.Warn(line.Log.Message, "step", step)
		case "ERROR", "CRITICAL":
			o.logger.Error(line.Log.Message, "step", step)
		default:
			o.logger.Info(line.Log.Message, "step", step)
		}
	case borg.KindArchiveProgress, borg.KindProgress, borg.KindFileStatus:
		o.logger.Debug(line.Raw, "step", step)
	default:
		if line.Raw != "" {
			o.logger.Info(line.Raw, "step", step)
		}
	}
}
