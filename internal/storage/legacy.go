package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bb-go/internal/model"
)

// Legacy on-disk layout, superseded by the SQLite store:
//
//	<base>/data/repositories/*.json   one JSON document per repository
//	<base>/data/s3_stats_cache.json   {"repos": {name: stats}}
//	<base>/.bb_metadata/*.json        oldest per-repo format
const (
	legacyDataDir     = "data"
	legacyReposDir    = "repositories"
	legacyStatsFile   = "s3_stats_cache.json"
	legacyMetadataDir = ".bb_metadata"
)

// LegacyImportReport summarizes one legacy data import.
type LegacyImportReport struct {
	Repos     int // repositories inserted
	StatsRows int // cached stats rows inserted
	Skipped   int // records skipped (corrupt or already present)
}

// HasLegacyData reports whether baseDir still contains pre-SQLite data files.
func HasLegacyData(baseDir string) bool {
	for _, dir := range []string{
		filepath.Join(baseDir, legacyDataDir),
		filepath.Join(baseDir, legacyMetadataDir),
	} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

// ImportLegacy copies legacy JSON records from baseDir into the store.
// Corrupt records are skipped, never fatal, and records whose repository
// name already exists are left untouched, so repeated imports are safe.
// The legacy files themselves are not removed.
func (s *SQLiteStore) ImportLegacy(baseDir string) (LegacyImportReport, error) {
	var report LegacyImportReport

	repoDirs := []string{
		filepath.Join(baseDir, legacyDataDir, legacyReposDir),
		filepath.Join(baseDir, legacyMetadataDir),
	}
	for _, dir := range repoDirs {
		if err := s.importLegacyRepos(dir, &report); err != nil {
			return report, err
		}
	}

	statsPath := filepath.Join(baseDir, legacyDataDir, legacyStatsFile)
	if err := s.importLegacyStats(statsPath, &report); err != nil {
		return report, err
	}

	return report, nil
}

type legacyRepoRecord struct {
	Name               string          `json:"name"`
	Path               string          `json:"path"`
	BackupTarget       string          `json:"backup_target"`
	Hostname           string          `json:"hostname"`
	OSPlatform         string          `json:"os_platform"`
	LastBackup         string          `json:"last_backup"`
	Metadata           json.RawMessage `json:"metadata"`
	Passphrase         string          `json:"passphrase"`
	PassphraseFilePath string          `json:"passphrase_file_path"`
	PassphraseMigrated bool            `json:"passphrase_migrated"`
}

func (s *SQLiteStore) importLegacyRepos(dir string, report *LegacyImportReport) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return newError("legacy-import", KindInternal, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		record, ok := readLegacyRepo(path)
		if !ok {
			report.Skipped++
			continue
		}

		exists, err := s.Exists(record.Name)
		if err != nil {
			return err
		}
		if exists {
			report.Skipped++
			continue
		}

		repo := &model.Repository{
			Name:               record.Name,
			Path:               record.Path,
			BackupTarget:       record.BackupTarget,
			Hostname:           record.Hostname,
			OSPlatform:         record.OSPlatform,
			LastBackup:         parseLegacyTime(record.LastBackup),
			Passphrase:         record.Passphrase,
			PassphraseFilePath: record.PassphraseFilePath,
			PassphraseMigrated: record.PassphraseMigrated,
		}
		if len(record.Metadata) > 0 && string(record.Metadata) != "null" {
			repo.MetadataJSON = string(record.Metadata)
		}

		if err := s.Create(repo); err != nil {
			if IsConflict(err) {
				report.Skipped++
				continue
			}
			return err
		}
		report.Repos++
	}
	return nil
}

func readLegacyRepo(path string) (*legacyRepoRecord, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var record legacyRepoRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false
	}
	// These fields were required in every legacy format.
	if record.Name == "" || record.Path == "" || record.Hostname == "" {
		return nil, false
	}
	return &record, true
}

type legacyStatsFileFormat struct {
	Repos map[string]struct {
		TotalSizeBytes int64  `json:"total_size_bytes"`
		ObjectCount    int64  `json:"object_count"`
		LastModified   string `json:"last_modified"`
	} `json:"repos"`
}

func (s *SQLiteStore) importLegacyStats(path string, report *LegacyImportReport) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return newError("legacy-import", KindInternal, err)
	}

	var cache legacyStatsFileFormat
	if err := json.Unmarshal(raw, &cache); err != nil {
		// The whole cache file is corrupt; the data is rebuildable on the
		// next stats fetch, so drop it rather than fail the import.
		report.Skipped++
		return nil
	}

	for name, stats := range cache.Repos {
		existing, err := s.GetS3Stats(name)
		if err != nil {
			return err
		}
		if existing != nil {
			report.Skipped++
			continue
		}
		err = s.PutS3Stats(&model.S3Stats{
			RepoName:       name,
			TotalSizeBytes: stats.TotalSizeBytes,
			ObjectCount:    stats.ObjectCount,
			LastModified:   parseLegacyTime(stats.LastModified),
			CachedAt:       time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		report.StatsRows++
	}
	return nil
}

// parseLegacyTime accepts the timestamp shapes legacy files carried: RFC 3339
// with or without fractional seconds, or a bare local ISO timestamp.
func parseLegacyTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func (r LegacyImportReport) String() string {
	return fmt.Sprintf("%d repositories, %d stats rows imported (%d skipped)", r.Repos, r.StatsRows, r.Skipped)
}
