package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"bb-go/internal/model"
	"bb-go/internal/s3sync"
)

// FakeSyncer is an in-memory s3sync.Syncer. Repos maps repository names to
// their remote stats; Sync adds entries, Delete removes them.
type FakeSyncer struct {
	mu    sync.Mutex
	calls []string

	Repos     map[string]*model.S3Stats
	SyncErr   error
	FetchErr  error
	DeleteErr error
	StatsErr  error
	ExistsErr error
}

func NewFakeSyncer() *FakeSyncer {
	return &FakeSyncer{Repos: make(map[string]*model.S3Stats)}
}

// Calls returns the recorded operations in order ("sync repo", "fetch repo",
// and so on).
func (f *FakeSyncer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeSyncer) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *FakeSyncer) Sync(ctx context.Context, localPath, repoName string) error {
	f.record("sync " + repoName)
	if f.SyncErr != nil {
		return f.SyncErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Repos[repoName]; !ok {
		f.Repos[repoName] = &model.S3Stats{RepoName: repoName, ObjectCount: 1, TotalSizeBytes: 1024, CachedAt: time.Now().UTC()}
	}
	return nil
}

func (f *FakeSyncer) Fetch(ctx context.Context, localPath, repoName string, dryRun bool) error {
	f.record("fetch " + repoName)
	return f.FetchErr
}

func (f *FakeSyncer) Delete(ctx context.Context, repoName string, dryRun bool) error {
	f.record("delete " + repoName)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if !dryRun {
		f.mu.Lock()
		delete(f.Repos, repoName)
		f.mu.Unlock()
	}
	return nil
}

func (f *FakeSyncer) Stats(ctx context.Context, repoName string) (*model.S3Stats, error) {
	f.record("stats " + repoName)
	if f.StatsErr != nil {
		return nil, f.StatsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if stats, ok := f.Repos[repoName]; ok {
		copied := *stats
		return &copied, nil
	}
	return &model.S3Stats{RepoName: repoName, CachedAt: time.Now().UTC()}, nil
}

func (f *FakeSyncer) Exists(ctx context.Context, repoName string) (bool, error) {
	f.record("exists " + repoName)
	if f.ExistsErr != nil {
		return false, f.ExistsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Repos[repoName]
	return ok, nil
}

// ListRepos returns the remote repository names sorted, matching the
// lexicographic order the object store lists prefixes in.
func (f *FakeSyncer) ListRepos(ctx context.Context) ([]string, error) {
	f.record("list-repos")
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.Repos))
	for name := range f.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

var _ s3sync.Syncer = (*FakeSyncer)(nil)
