// Package passphrase generates, stores, and resolves repository secrets.
// Secrets live in per-repository files under a 0700 directory, one file per
// repository with 0600 permissions.
package passphrase

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment fallbacks, matching what the backup engine itself reads.
const (
	EnvVar    = "BORG_PASSPHRASE"
	EnvVarNew = "BORG_NEW_PASSPHRASE"
)

// ErrNotFound is returned when no source yields a passphrase for an
// existing repository.
var ErrNotFound = errors.New("no passphrase available")

// Generate returns a URL-safe passphrase with 256 bits of entropy.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating passphrase: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Resolver locates passphrases across the supported sources in priority
// order. The zero value is not usable; Dir must be set.
type Resolver struct {
	// Dir is the directory holding per-repository secret files.
	Dir string

	// ConfigDefault and ConfigNewDefault are the lowest-priority fallbacks,
	// taken from the configuration file.
	ConfigDefault    string
	ConfigNewDefault string

	// Warnf receives non-fatal findings such as insecure file permissions.
	// Nil silences them.
	Warnf func(format string, args ...any)
}

func (r *Resolver) warnf(format string, args ...any) {
	if r.Warnf != nil {
		r.Warnf(format, args...)
	}
}

// FilePath returns the secret file path for a repository.
func (r *Resolver) FilePath(repoName string) string {
	return filepath.Join(r.Dir, repoName+".key")
}

// Save writes a repository's passphrase to its secret file, creating the
// directory with owner-only permissions.
func (r *Resolver) Save(repoName, secret string) (string, error) {
	if err := os.MkdirAll(r.Dir, 0700); err != nil {
		return "", fmt.Errorf("creating passphrase directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode untouched.
	if err := os.Chmod(r.Dir, 0700); err != nil {
		return "", fmt.Errorf("securing passphrase directory: %w", err)
	}

	path := r.FilePath(repoName)
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("writing passphrase file: %w", err)
	}
	// WriteFile's mode is masked by umask and ignored for existing files.
	if err := os.Chmod(path, 0600); err != nil {
		return "", fmt.Errorf("securing passphrase file: %w", err)
	}
	return path, nil
}

// Load reads a repository's passphrase from its secret file. A missing file
// returns ("", nil). File permissions looser than 0600 are reported through
// Warnf but do not fail the load.
func (r *Resolver) Load(repoName string) (string, error) {
	path := r.FilePath(repoName)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checking passphrase file: %w", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		r.warnf("passphrase file %s has insecure permissions %o, expected 600", path, mode)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading passphrase file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// ResolveForExisting finds the passphrase for a repository that already
// exists. Sources in priority order: the explicit value (a per-invocation
// override that is never persisted), the secret file, the legacy value
// stored with the repository record, the BORG_PASSPHRASE environment
// variable, and finally the configuration default. ErrNotFound when all
// are empty.
func (r *Resolver) ResolveForExisting(repoName, explicit, stored string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	fromFile, err := r.Load(repoName)
	if err != nil {
		return "", err
	}
	if fromFile != "" {
		return fromFile, nil
	}
	if stored != "" {
		return stored, nil
	}
	if fromEnv := os.Getenv(EnvVar); fromEnv != "" {
		return fromEnv, nil
	}
	if r.ConfigDefault != "" {
		return r.ConfigDefault, nil
	}
	return "", fmt.Errorf("repository %q: %w", repoName, ErrNotFound)
}

// ResolveForNew finds or creates the passphrase for a repository being
// initialized. Sources in priority order: the explicit value, an existing
// secret file, the BORG_NEW_PASSPHRASE environment variable, the
// configuration default, and finally a freshly generated secret. The
// generated flag tells the caller the secret does not exist anywhere yet
// and must be saved.
func (r *Resolver) ResolveForNew(repoName, explicit string) (secret string, generated bool, err error) {
	if explicit != "" {
		return explicit, false, nil
	}
	fromFile, err := r.Load(repoName)
	if err != nil {
		return "", false, err
	}
	if fromFile != "" {
		return fromFile, false, nil
	}
	if fromEnv := os.Getenv(EnvVarNew); fromEnv != "" {
		return fromEnv, false, nil
	}
	if r.ConfigNewDefault != "" {
		return r.ConfigNewDefault, false, nil
	}
	secret, err = Generate()
	if err != nil {
		return "", false, err
	}
	return secret, true, nil
}

// Migrate moves a legacy stored passphrase into the secret file and
// verifies the write by reading it back. On verification failure the file
// is removed so a retry starts clean.
func (r *Resolver) Migrate(repoName, stored string) (string, error) {
	path, err := r.Save(repoName, stored)
	if err != nil {
		return "", err
	}

	loaded, err := r.Load(repoName)
	if err != nil {
		os.Remove(path)
		return "", err
	}
	if loaded != stored {
		os.Remove(path)
		return "", fmt.Errorf("passphrase verification failed for repository %q", repoName)
	}
	return path, nil
}
