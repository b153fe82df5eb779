package storage

import (
	"os"
	"path/filepath"
	"testing"

	"bb-go/internal/config"
)

func writeLegacyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func legacyBase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	writeLegacyFile(t, filepath.Join(base, "data", "repositories", "documents.json"), `{
		"name": "documents",
		"path": "/backups/documents",
		"backup_target": "/home/user/documents",
		"hostname": "workstation",
		"os_platform": "linux",
		"last_backup": "2025-06-01T12:30:00+00:00",
		"metadata": {"cache": {"stats": {"unique_csize": 42}}},
		"passphrase": "legacy-secret",
		"passphrase_migrated": false
	}`)
	writeLegacyFile(t, filepath.Join(base, "data", "repositories", "corrupt.json"), `{not json`)
	writeLegacyFile(t, filepath.Join(base, "data", "repositories", "incomplete.json"), `{"name": "only-a-name"}`)
	writeLegacyFile(t, filepath.Join(base, ".bb_metadata", "photos.json"), `{
		"name": "photos",
		"path": "/backups/photos",
		"backup_target": "/home/user/photos",
		"hostname": "workstation",
		"os_platform": "darwin"
	}`)
	writeLegacyFile(t, filepath.Join(base, "data", "s3_stats_cache.json"), `{
		"repos": {
			"documents": {
				"total_size_bytes": 2048,
				"object_count": 7,
				"last_modified": "2025-05-30T08:00:00+00:00"
			}
		}
	}`)

	return base
}

func TestImportLegacy(t *testing.T) {
	base := legacyBase(t)
	store := newTestStore(t)

	report, err := store.ImportLegacy(base)
	if err != nil {
		t.Fatalf("ImportLegacy() error = %v", err)
	}
	if report.Repos != 2 {
		t.Errorf("report.Repos = %d, want 2", report.Repos)
	}
	if report.StatsRows != 1 {
		t.Errorf("report.StatsRows = %d, want 1", report.StatsRows)
	}
	if report.Skipped != 2 {
		t.Errorf("report.Skipped = %d, want 2 (corrupt + incomplete)", report.Skipped)
	}

	docs, err := store.Get("documents")
	if err != nil {
		t.Fatalf("Get(documents) error = %v", err)
	}
	if docs.BackupTarget != "/home/user/documents" {
		t.Errorf("BackupTarget = %q", docs.BackupTarget)
	}
	if docs.LastBackup == nil {
		t.Error("LastBackup not imported")
	}
	if docs.Passphrase != "legacy-secret" {
		t.Errorf("Passphrase = %q, want legacy-secret", docs.Passphrase)
	}
	if docs.MetadataJSON == "" {
		t.Error("MetadataJSON not imported")
	}

	if _, err := store.Get("photos"); err != nil {
		t.Errorf("Get(photos) error = %v, metadata-dir record not imported", err)
	}
	if _, err := store.Get("only-a-name"); !IsNotFound(err) {
		t.Errorf("incomplete record was imported, Get error = %v", err)
	}

	stats, err := store.GetS3Stats("documents")
	if err != nil {
		t.Fatalf("GetS3Stats() error = %v", err)
	}
	if stats == nil || stats.TotalSizeBytes != 2048 || stats.ObjectCount != 7 {
		t.Errorf("GetS3Stats() = %+v, want size=2048 count=7", stats)
	}
	if stats.LastModified == nil {
		t.Error("stats LastModified not imported")
	}
}

func TestImportLegacyIsIdempotent(t *testing.T) {
	base := legacyBase(t)
	store := newTestStore(t)

	if _, err := store.ImportLegacy(base); err != nil {
		t.Fatalf("first ImportLegacy() error = %v", err)
	}

	report, err := store.ImportLegacy(base)
	if err != nil {
		t.Fatalf("second ImportLegacy() error = %v", err)
	}
	if report.Repos != 0 || report.StatsRows != 0 {
		t.Errorf("second import inserted rows: %+v", report)
	}

	repos, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(repos) != 2 {
		t.Errorf("ListAll() = %d repos after double import, want 2", len(repos))
	}
}

func TestHasLegacyData(t *testing.T) {
	empty := t.TempDir()
	if HasLegacyData(empty) {
		t.Error("HasLegacyData() = true for empty dir")
	}
	if !HasLegacyData(legacyBase(t)) {
		t.Error("HasLegacyData() = false for populated dir")
	}
}

func TestOpenSQLiteImportsOnlyWhenFresh(t *testing.T) {
	base := legacyBase(t)
	cfg := config.NewConfig(base)

	store, err := openSQLite(cfg)
	if err != nil {
		t.Fatalf("openSQLite() error = %v", err)
	}
	repos, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(repos) != 2 {
		t.Errorf("fresh open imported %d repos, want 2", len(repos))
	}
	store.Close()

	// New legacy data appearing after the database exists is ignored.
	writeLegacyFile(t, filepath.Join(base, "data", "repositories", "late.json"), `{
		"name": "late",
		"path": "/backups/late",
		"backup_target": "/home/user/late",
		"hostname": "workstation",
		"os_platform": "linux"
	}`)

	store, err = openSQLite(cfg)
	if err != nil {
		t.Fatalf("openSQLite() reopen error = %v", err)
	}
	defer store.Close()

	if _, err := store.Get("late"); !IsNotFound(err) {
		t.Errorf("late legacy record was imported on reopen, Get error = %v", err)
	}
}
