package storage

import (
	"testing"
	"time"

	"bb-go/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRepo(name string) *model.Repository {
	return &model.Repository{
		Name:         name,
		Path:         "/backups/" + name,
		BackupTarget: "/home/user/" + name,
		Hostname:     "workstation",
		OSPlatform:   "linux",
	}
}

func TestSQLiteRepositoryCRUD(t *testing.T) {
	store := newTestStore(t)

	repo := testRepo("documents")
	if err := store.Create(repo); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if repo.CreatedAt.IsZero() || repo.UpdatedAt.IsZero() {
		t.Error("Create() should stamp CreatedAt and UpdatedAt")
	}

	got, err := store.Get("documents")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Path != repo.Path || got.BackupTarget != repo.BackupTarget || got.Hostname != repo.Hostname {
		t.Errorf("Get() = %+v, want fields from %+v", got, repo)
	}
	if got.Retention != nil {
		t.Errorf("Get() Retention = %+v, want nil", got.Retention)
	}

	byPath, err := store.GetByPath(repo.Path, repo.Hostname)
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if byPath.Name != "documents" {
		t.Errorf("GetByPath() name = %q, want documents", byPath.Name)
	}

	if _, err := store.Get("nonexistent"); !IsNotFound(err) {
		t.Errorf("Get(nonexistent) error = %v, want not-found", err)
	}
	if _, err := store.GetByPath("/nowhere", "workstation"); !IsNotFound(err) {
		t.Errorf("GetByPath(/nowhere) error = %v, want not-found", err)
	}
}

func TestSQLiteCreateConflicts(t *testing.T) {
	store := newTestStore(t)

	if err := store.Create(testRepo("documents")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("duplicate name", func(t *testing.T) {
		dup := testRepo("documents")
		dup.Path = "/backups/elsewhere"
		if err := store.Create(dup); !IsConflict(err) {
			t.Errorf("Create(duplicate name) error = %v, want conflict", err)
		}
	})

	t.Run("duplicate path and hostname", func(t *testing.T) {
		dup := testRepo("other-name")
		dup.Path = "/backups/documents"
		if err := store.Create(dup); !IsConflict(err) {
			t.Errorf("Create(duplicate path) error = %v, want conflict", err)
		}
	})

	t.Run("same path different host is allowed", func(t *testing.T) {
		other := testRepo("documents-laptop")
		other.Path = "/backups/documents"
		other.Hostname = "laptop"
		if err := store.Create(other); err != nil {
			t.Errorf("Create(same path, other host) error = %v", err)
		}
	})
}

func TestSQLiteUpdate(t *testing.T) {
	store := newTestStore(t)

	repo := testRepo("documents")
	if err := store.Create(repo); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	backupTime := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	keepDaily := 14
	repo.LastBackup = &backupTime
	repo.Retention = &model.RetentionOverride{KeepDaily: &keepDaily}
	repo.MetadataJSON = `{"cache":{"stats":{"unique_csize":42}}}`
	repo.PassphraseMigrated = true

	if err := store.Update(repo); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get("documents")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastBackup == nil || !got.LastBackup.Equal(backupTime) {
		t.Errorf("LastBackup = %v, want %v", got.LastBackup, backupTime)
	}
	if got.Retention == nil || got.Retention.KeepDaily == nil || *got.Retention.KeepDaily != 14 {
		t.Errorf("Retention = %+v, want KeepDaily=14", got.Retention)
	}
	if got.Retention.KeepWeekly != nil {
		t.Errorf("Retention.KeepWeekly = %v, want nil (unset cadence)", *got.Retention.KeepWeekly)
	}
	if got.MetadataJSON != repo.MetadataJSON {
		t.Errorf("MetadataJSON = %q, want %q", got.MetadataJSON, repo.MetadataJSON)
	}
	if !got.PassphraseMigrated {
		t.Error("PassphraseMigrated not persisted")
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %v should be after CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}

	missing := testRepo("nonexistent")
	if err := store.Update(missing); !IsNotFound(err) {
		t.Errorf("Update(nonexistent) error = %v, want not-found", err)
	}
}

func TestSQLiteDeleteRemovesDependents(t *testing.T) {
	store := newTestStore(t)

	repo := testRepo("documents")
	if err := store.Create(repo); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := store.SaveArchive(&model.Archive{
		RepoName:     "documents",
		ArchiveID:    "abc123",
		Name:         "2025-06-01_12:30:00",
		ISOTimestamp: "2025-06-01T12:30:00Z",
	})
	if err != nil {
		t.Fatalf("SaveArchive() error = %v", err)
	}
	err = store.PutS3Stats(&model.S3Stats{RepoName: "documents", TotalSizeBytes: 1024, ObjectCount: 3, CachedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("PutS3Stats() error = %v", err)
	}

	if err := store.Delete("documents"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := store.Get("documents"); !IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not-found", err)
	}
	archives, err := store.ListArchives("documents")
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(archives) != 0 {
		t.Errorf("ListArchives() after delete = %d entries, want 0", len(archives))
	}
	stats, err := store.GetS3Stats("documents")
	if err != nil {
		t.Fatalf("GetS3Stats() error = %v", err)
	}
	if stats != nil {
		t.Errorf("GetS3Stats() after delete = %+v, want nil", stats)
	}

	if err := store.Delete("documents"); !IsNotFound(err) {
		t.Errorf("Delete() twice error = %v, want not-found", err)
	}
}

func TestSQLiteExists(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.Exists("documents")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if ok {
		t.Error("Exists() = true before create")
	}

	if err := store.Create(testRepo("documents")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ok, err = store.Exists("documents")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !ok {
		t.Error("Exists() = false after create")
	}
}

func TestSQLiteArchives(t *testing.T) {
	store := newTestStore(t)

	// Inserted out of order; listing must come back sorted by timestamp.
	timestamps := []string{"2025-06-03T01:00:00Z", "2025-06-01T01:00:00Z", "2025-06-02T01:00:00Z"}
	for i, ts := range timestamps {
		err := store.SaveArchive(&model.Archive{
			RepoName:     "documents",
			ArchiveID:    string(rune('a' + i)),
			Name:         ts[:10],
			ISOTimestamp: ts,
			OriginalSize: int64(i + 1),
		})
		if err != nil {
			t.Fatalf("SaveArchive(%s) error = %v", ts, err)
		}
	}

	archives, err := store.ListArchives("documents")
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(archives) != 3 {
		t.Fatalf("ListArchives() = %d entries, want 3", len(archives))
	}
	for i := 1; i < len(archives); i++ {
		if archives[i].ISOTimestamp < archives[i-1].ISOTimestamp {
			t.Errorf("archives not sorted: %q before %q", archives[i-1].ISOTimestamp, archives[i].ISOTimestamp)
		}
	}

	t.Run("same timestamp upserts", func(t *testing.T) {
		err := store.SaveArchive(&model.Archive{
			RepoName:     "documents",
			ArchiveID:    "replacement",
			Name:         "2025-06-01",
			ISOTimestamp: "2025-06-01T01:00:00Z",
			OriginalSize: 999,
		})
		if err != nil {
			t.Fatalf("SaveArchive(same timestamp) error = %v", err)
		}
		archives, err := store.ListArchives("documents")
		if err != nil {
			t.Fatalf("ListArchives() error = %v", err)
		}
		if len(archives) != 3 {
			t.Fatalf("ListArchives() = %d entries after upsert, want 3", len(archives))
		}
		if archives[0].ArchiveID != "replacement" || archives[0].OriginalSize != 999 {
			t.Errorf("upsert did not replace row: %+v", archives[0])
		}
	})

	t.Run("delete by name", func(t *testing.T) {
		if err := store.DeleteArchiveByName("documents", "2025-06-03"); err != nil {
			t.Fatalf("DeleteArchiveByName() error = %v", err)
		}
		archives, err := store.ListArchives("documents")
		if err != nil {
			t.Fatalf("ListArchives() error = %v", err)
		}
		if len(archives) != 2 {
			t.Errorf("ListArchives() = %d entries after delete, want 2", len(archives))
		}
		// Absent names are a no-op.
		if err := store.DeleteArchiveByName("documents", "no-such-archive"); err != nil {
			t.Errorf("DeleteArchiveByName(absent) error = %v", err)
		}
	})
}

func TestSQLiteS3StatsCache(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.GetS3Stats("documents")
	if err != nil {
		t.Fatalf("GetS3Stats() error = %v", err)
	}
	if stats != nil {
		t.Fatalf("GetS3Stats() = %+v before put, want nil", stats)
	}

	modified := time.Date(2025, 5, 30, 8, 0, 0, 0, time.UTC)
	put := &model.S3Stats{
		RepoName:       "documents",
		TotalSizeBytes: 4096,
		ObjectCount:    12,
		LastModified:   &modified,
		CachedAt:       time.Now().UTC(),
	}
	if err := store.PutS3Stats(put); err != nil {
		t.Fatalf("PutS3Stats() error = %v", err)
	}

	stats, err = store.GetS3Stats("documents")
	if err != nil {
		t.Fatalf("GetS3Stats() error = %v", err)
	}
	if stats == nil {
		t.Fatal("GetS3Stats() = nil after put")
	}
	if stats.TotalSizeBytes != 4096 || stats.ObjectCount != 12 {
		t.Errorf("GetS3Stats() = %+v, want size=4096 count=12", stats)
	}
	if stats.LastModified == nil || !stats.LastModified.Equal(modified) {
		t.Errorf("LastModified = %v, want %v", stats.LastModified, modified)
	}

	put.TotalSizeBytes = 8192
	if err := store.PutS3Stats(put); err != nil {
		t.Fatalf("PutS3Stats(overwrite) error = %v", err)
	}
	stats, err = store.GetS3Stats("documents")
	if err != nil {
		t.Fatalf("GetS3Stats() error = %v", err)
	}
	if stats.TotalSizeBytes != 8192 {
		t.Errorf("TotalSizeBytes after overwrite = %d, want 8192", stats.TotalSizeBytes)
	}

	if err := store.DeleteS3Stats("documents"); err != nil {
		t.Fatalf("DeleteS3Stats() error = %v", err)
	}
	stats, err = store.GetS3Stats("documents")
	if err != nil {
		t.Fatalf("GetS3Stats() error = %v", err)
	}
	if stats != nil {
		t.Errorf("GetS3Stats() after delete = %+v, want nil", stats)
	}

	// Deleting an absent row is not an error.
	if err := store.DeleteS3Stats("documents"); err != nil {
		t.Errorf("DeleteS3Stats(absent) error = %v", err)
	}
}

func TestSQLiteListAll(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := store.Create(testRepo(name)); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	repos, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(repos) != 3 {
		t.Fatalf("ListAll() = %d repos, want 3", len(repos))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, repo := range repos {
		if repo.Name != want[i] {
			t.Errorf("ListAll()[%d] = %q, want %q", i, repo.Name, want[i])
		}
	}
}
