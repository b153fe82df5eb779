package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"bb-go/internal/model"
	"bb-go/internal/storage/migrations"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// brings it to the latest schema version. path can be ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the store relies on. Exported for tools and tests that need a properly
// configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database (%s): %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string { return s.path }

// SchemaStatus returns the applied schema version and dirty flag.
func (s *SQLiteStore) SchemaStatus() (uint, bool, error) {
	return migrations.Status(s.db)
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const repoColumns = `name, path, backup_target, hostname, os_platform,
	last_backup, last_s3_sync,
	retention_keep_daily, retention_keep_weekly, retention_keep_monthly, retention_keep_yearly,
	metadata_json, passphrase, passphrase_file_path, passphrase_migrated,
	created_at, updated_at`

func (s *SQLiteStore) Create(repo *model.Repository) error {
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO repositories (`+repoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.Name, repo.Path, repo.BackupTarget, repo.Hostname, repo.OSPlatform,
		nullTime(repo.LastBackup), nullTime(repo.LastS3Sync),
		nullInt(keepDaily(repo)), nullInt(keepWeekly(repo)), nullInt(keepMonthly(repo)), nullInt(keepYearly(repo)),
		nullString(repo.MetadataJSON), nullString(repo.Passphrase), nullString(repo.PassphraseFilePath), repo.PassphraseMigrated,
		repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		if isConstraintError(err) {
			return newError("create", KindConflict, fmt.Errorf("repository %q: %w", repo.Name, err))
		}
		return newError("create", KindInternal, err)
	}
	return nil
}

func (s *SQLiteStore) Get(name string) (*model.Repository, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repositories WHERE name = ?`, name)
	repo, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get", KindNotFound, fmt.Errorf("repository %q", name))
	}
	if err != nil {
		return nil, newError("get", KindInternal, err)
	}
	return repo, nil
}

func (s *SQLiteStore) GetByPath(path, hostname string) (*model.Repository, error) {
	row := s.db.QueryRow(`SELECT `+repoColumns+` FROM repositories WHERE path = ? AND hostname = ?`, path, hostname)
	repo, err := scanRepo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get-by-path", KindNotFound, fmt.Errorf("repository at %s on %s", path, hostname))
	}
	if err != nil {
		return nil, newError("get-by-path", KindInternal, err)
	}
	return repo, nil
}

func (s *SQLiteStore) ListAll() ([]*model.Repository, error) {
	rows, err := s.db.Query(`SELECT ` + repoColumns + ` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, newError("list", KindInternal, err)
	}
	defer rows.Close()

	var repos []*model.Repository
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, newError("list", KindInternal, err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list", KindInternal, err)
	}
	return repos, nil
}

func (s *SQLiteStore) Update(repo *model.Repository) error {
	repo.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`UPDATE repositories SET
			path = ?, backup_target = ?, hostname = ?, os_platform = ?,
			last_backup = ?, last_s3_sync = ?,
			retention_keep_daily = ?, retention_keep_weekly = ?, retention_keep_monthly = ?, retention_keep_yearly = ?,
			metadata_json = ?, passphrase = ?, passphrase_file_path = ?, passphrase_migrated = ?,
			updated_at = ?
		WHERE name = ?`,
		repo.Path, repo.BackupTarget, repo.Hostname, repo.OSPlatform,
		nullTime(repo.LastBackup), nullTime(repo.LastS3Sync),
		nullInt(keepDaily(repo)), nullInt(keepWeekly(repo)), nullInt(keepMonthly(repo)), nullInt(keepYearly(repo)),
		nullString(repo.MetadataJSON), nullString(repo.Passphrase), nullString(repo.PassphraseFilePath), repo.PassphraseMigrated,
		repo.UpdatedAt, repo.Name)
	if err != nil {
		if isConstraintError(err) {
			return newError("update", KindConflict, fmt.Errorf("repository %q: %w", repo.Name, err))
		}
		return newError("update", KindInternal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("update", KindInternal, err)
	}
	if n == 0 {
		return newError("update", KindNotFound, fmt.Errorf("repository %q", repo.Name))
	}
	return nil
}

func (s *SQLiteStore) Delete(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return newError("delete", KindInternal, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM archives WHERE repo_name = ?`, name); err != nil {
		return newError("delete", KindInternal, err)
	}
	if _, err := tx.Exec(`DELETE FROM s3_stats_cache WHERE repo_name = ?`, name); err != nil {
		return newError("delete", KindInternal, err)
	}
	res, err := tx.Exec(`DELETE FROM repositories WHERE name = ?`, name)
	if err != nil {
		return newError("delete", KindInternal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newError("delete", KindInternal, err)
	}
	if n == 0 {
		return newError("delete", KindNotFound, fmt.Errorf("repository %q", name))
	}

	if err := tx.Commit(); err != nil {
		return newError("delete", KindInternal, err)
	}
	return nil
}

func (s *SQLiteStore) Exists(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM repositories WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, newError("exists", KindInternal, err)
	}
	return true, nil
}

// Archive operations

func (s *SQLiteStore) SaveArchive(archive *model.Archive) error {
	_, err := s.db.Exec(`INSERT INTO archives
			(repo_name, archive_id, name, iso_timestamp, hostname, original_size, compressed_size, deduplicated_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_name, iso_timestamp) DO UPDATE SET
			archive_id = excluded.archive_id,
			name = excluded.name,
			hostname = excluded.hostname,
			original_size = excluded.original_size,
			compressed_size = excluded.compressed_size,
			deduplicated_size = excluded.deduplicated_size`,
		archive.RepoName, archive.ArchiveID, archive.Name, archive.ISOTimestamp,
		archive.Hostname, archive.OriginalSize, archive.CompressedSize, archive.DeduplicatedSize)
	if err != nil {
		return newError("save-archive", KindInternal, err)
	}
	return nil
}

func (s *SQLiteStore) ListArchives(repoName string) ([]*model.Archive, error) {
	rows, err := s.db.Query(`SELECT repo_name, archive_id, name, iso_timestamp, hostname,
			original_size, compressed_size, deduplicated_size
		FROM archives WHERE repo_name = ? ORDER BY iso_timestamp`, repoName)
	if err != nil {
		return nil, newError("list-archives", KindInternal, err)
	}
	defer rows.Close()

	var archives []*model.Archive
	for rows.Next() {
		var a model.Archive
		err := rows.Scan(&a.RepoName, &a.ArchiveID, &a.Name, &a.ISOTimestamp, &a.Hostname,
			&a.OriginalSize, &a.CompressedSize, &a.DeduplicatedSize)
		if err != nil {
			return nil, newError("list-archives", KindInternal, err)
		}
		archives = append(archives, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, newError("list-archives", KindInternal, err)
	}
	return archives, nil
}

func (s *SQLiteStore) DeleteArchiveByName(repoName, archiveName string) error {
	if _, err := s.db.Exec(`DELETE FROM archives WHERE repo_name = ? AND name = ?`, repoName, archiveName); err != nil {
		return newError("delete-archive", KindInternal, err)
	}
	return nil
}

// Remote stats cache operations

func (s *SQLiteStore) GetS3Stats(repoName string) (*model.S3Stats, error) {
	var (
		stats        model.S3Stats
		lastModified sql.NullTime
	)
	err := s.db.QueryRow(`SELECT repo_name, total_size_bytes, object_count, last_modified, cached_at
		FROM s3_stats_cache WHERE repo_name = ?`, repoName).
		Scan(&stats.RepoName, &stats.TotalSizeBytes, &stats.ObjectCount, &lastModified, &stats.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not cached
	}
	if err != nil {
		return nil, newError("get-s3-stats", KindInternal, err)
	}
	if lastModified.Valid {
		t := lastModified.Time
		stats.LastModified = &t
	}
	return &stats, nil
}

func (s *SQLiteStore) PutS3Stats(stats *model.S3Stats) error {
	_, err := s.db.Exec(`INSERT INTO s3_stats_cache
			(repo_name, total_size_bytes, object_count, last_modified, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (repo_name) DO UPDATE SET
			total_size_bytes = excluded.total_size_bytes,
			object_count = excluded.object_count,
			last_modified = excluded.last_modified,
			cached_at = excluded.cached_at`,
		stats.RepoName, stats.TotalSizeBytes, stats.ObjectCount,
		nullTime(stats.LastModified), stats.CachedAt)
	if err != nil {
		return newError("put-s3-stats", KindInternal, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteS3Stats(repoName string) error {
	if _, err := s.db.Exec(`DELETE FROM s3_stats_cache WHERE repo_name = ?`, repoName); err != nil {
		return newError("delete-s3-stats", KindInternal, err)
	}
	return nil
}

// Row helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepo(row rowScanner) (*model.Repository, error) {
	var (
		repo                               model.Repository
		lastBackup, lastS3Sync             sql.NullTime
		daily, weekly, monthly, yearly     sql.NullInt64
		metadata, passphrase, passphraseFP sql.NullString
	)
	err := row.Scan(&repo.Name, &repo.Path, &repo.BackupTarget, &repo.Hostname, &repo.OSPlatform,
		&lastBackup, &lastS3Sync,
		&daily, &weekly, &monthly, &yearly,
		&metadata, &passphrase, &passphraseFP, &repo.PassphraseMigrated,
		&repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastBackup.Valid {
		t := lastBackup.Time
		repo.LastBackup = &t
	}
	if lastS3Sync.Valid {
		t := lastS3Sync.Time
		repo.LastS3Sync = &t
	}
	if daily.Valid || weekly.Valid || monthly.Valid || yearly.Valid {
		repo.Retention = &model.RetentionOverride{
			KeepDaily:   intFromNull(daily),
			KeepWeekly:  intFromNull(weekly),
			KeepMonthly: intFromNull(monthly),
			KeepYearly:  intFromNull(yearly),
		}
	}
	repo.MetadataJSON = metadata.String
	repo.Passphrase = passphrase.String
	repo.PassphraseFilePath = passphraseFP.String
	return &repo, nil
}

func isConstraintError(err error) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func keepDaily(r *model.Repository) *int {
	if r.Retention == nil {
		return nil
	}
	return r.Retention.KeepDaily
}

func keepWeekly(r *model.Repository) *int {
	if r.Retention == nil {
		return nil
	}
	return r.Retention.KeepWeekly
}

func keepMonthly(r *model.Repository) *int {
	if r.Retention == nil {
		return nil
	}
	return r.Retention.KeepMonthly
}

func keepYearly(r *model.Repository) *int {
	if r.Retention == nil {
		return nil
	}
	return r.Retention.KeepYearly
}

// Compile-time check that SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
