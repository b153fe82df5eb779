// Package storage persists repository and archive metadata. Two backends
// implement the same contract: a local SQLite file and a DynamoDB table set.
package storage

import (
	"errors"
	"fmt"

	"bb-go/internal/model"
)

// Store is the metadata persistence contract. All methods are synchronous;
// a record is either fully persisted or an error is returned with no
// observable mutation.
type Store interface {
	// Create inserts a new repository. A duplicate name or (path, hostname)
	// pair returns a Conflict error.
	Create(repo *model.Repository) error

	// Get returns a repository by its unique name.
	Get(name string) (*model.Repository, error)

	// GetByPath returns a repository by (path, hostname).
	GetByPath(path, hostname string) (*model.Repository, error)

	// ListAll returns every repository.
	ListAll() ([]*model.Repository, error)

	// Update overwrites an existing repository and bumps updated_at.
	Update(repo *model.Repository) error

	// Delete removes a repository together with its archives and its
	// remote-stats cache row.
	Delete(name string) error

	// Exists reports whether a repository with the given name exists.
	Exists(name string) (bool, error)

	// SaveArchive records one archive (idempotent per (repo, timestamp)).
	SaveArchive(archive *model.Archive) error

	// ListArchives returns a repository's archives ordered by timestamp.
	ListArchives(repoName string) ([]*model.Archive, error)

	// DeleteArchiveByName removes the bookkeeping rows for one archive.
	// Missing rows are not an error.
	DeleteArchiveByName(repoName, archiveName string) error

	// GetS3Stats returns the cached remote stats row, or nil if absent.
	GetS3Stats(repoName string) (*model.S3Stats, error)

	// PutS3Stats creates or overwrites the cached remote stats row.
	PutS3Stats(stats *model.S3Stats) error

	// DeleteS3Stats removes the cached row. Missing rows are not an error.
	DeleteS3Stats(repoName string) error

	Close() error
}

// Kind classifies storage failures.
type Kind int

const (
	// KindInternal is any backend I/O failure not otherwise classified.
	KindInternal Kind = iota
	// KindNotFound means the requested record does not exist.
	KindNotFound
	// KindConflict means a uniqueness invariant was violated.
	KindConflict
	// KindThrottled means the remote backend rejected the call for rate
	// reasons after retries were exhausted.
	KindThrottled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindThrottled:
		return "throttled"
	default:
		return "internal"
	}
}

// Error is the typed storage failure carrying the failing operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsConflict reports whether err is a storage uniqueness conflict.
func IsConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConflict
}
