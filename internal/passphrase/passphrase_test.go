package passphrase

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	return &Resolver{Dir: filepath.Join(t.TempDir(), "passphrases")}
}

func TestGenerate(t *testing.T) {
	first, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	second, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// 32 bytes in unpadded URL-safe base64 is 43 characters.
	if len(first) != 43 {
		t.Errorf("Generate() length = %d, want 43", len(first))
	}
	if first == second {
		t.Error("Generate() returned the same value twice")
	}
	if strings.ContainsAny(first, "+/=") {
		t.Errorf("Generate() = %q, want URL-safe alphabet", first)
	}
}

func TestSaveAndLoad(t *testing.T) {
	r := newResolver(t)

	path, err := r.Save("documents", "s3cret")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if path != r.FilePath("documents") {
		t.Errorf("Save() path = %q, want %q", path, r.FilePath("documents"))
	}

	dirInfo, err := os.Stat(r.Dir)
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if mode := dirInfo.Mode().Perm(); mode != 0700 {
		t.Errorf("directory mode = %o, want 700", mode)
	}
	fileInfo, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if mode := fileInfo.Mode().Perm(); mode != 0600 {
		t.Errorf("file mode = %o, want 600", mode)
	}

	got, err := r.Load("documents")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Load() = %q, want s3cret", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := newResolver(t)
	got, err := r.Load("nonexistent")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "" {
		t.Errorf("Load(missing) = %q, want empty", got)
	}
}

func TestLoadWarnsOnInsecurePermissions(t *testing.T) {
	var warnings []string
	r := newResolver(t)
	r.Warnf = func(format string, args ...any) {
		warnings = append(warnings, format)
	}

	path, err := r.Save("documents", "s3cret")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	got, err := r.Load("documents")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Load() = %q, insecure file should still load", got)
	}
	if len(warnings) != 1 {
		t.Errorf("got %d warnings, want 1", len(warnings))
	}
}

func TestResolveForExistingPriority(t *testing.T) {
	t.Run("explicit wins over everything", func(t *testing.T) {
		r := newResolver(t)
		if _, err := r.Save("documents", "from-file"); err != nil {
			t.Fatal(err)
		}
		t.Setenv(EnvVar, "from-env")

		got, err := r.ResolveForExisting("documents", "from-cli", "from-store")
		if err != nil {
			t.Fatalf("ResolveForExisting() error = %v", err)
		}
		if got != "from-cli" {
			t.Errorf("got %q, want from-cli", got)
		}
	})

	t.Run("file wins over store and env", func(t *testing.T) {
		r := newResolver(t)
		if _, err := r.Save("documents", "from-file"); err != nil {
			t.Fatal(err)
		}
		t.Setenv(EnvVar, "from-env")

		got, err := r.ResolveForExisting("documents", "", "from-store")
		if err != nil {
			t.Fatalf("ResolveForExisting() error = %v", err)
		}
		if got != "from-file" {
			t.Errorf("got %q, want from-file", got)
		}
	})

	t.Run("store wins over env", func(t *testing.T) {
		r := newResolver(t)
		t.Setenv(EnvVar, "from-env")

		got, err := r.ResolveForExisting("documents", "", "from-store")
		if err != nil {
			t.Fatalf("ResolveForExisting() error = %v", err)
		}
		if got != "from-store" {
			t.Errorf("got %q, want from-store", got)
		}
	})

	t.Run("env wins over config default", func(t *testing.T) {
		r := newResolver(t)
		r.ConfigDefault = "from-config"
		t.Setenv(EnvVar, "from-env")

		got, err := r.ResolveForExisting("documents", "", "")
		if err != nil {
			t.Fatalf("ResolveForExisting() error = %v", err)
		}
		if got != "from-env" {
			t.Errorf("got %q, want from-env", got)
		}
	})

	t.Run("config default is last", func(t *testing.T) {
		r := newResolver(t)
		r.ConfigDefault = "from-config"

		got, err := r.ResolveForExisting("documents", "", "")
		if err != nil {
			t.Fatalf("ResolveForExisting() error = %v", err)
		}
		if got != "from-config" {
			t.Errorf("got %q, want from-config", got)
		}
	})

	t.Run("nothing available is an error", func(t *testing.T) {
		r := newResolver(t)
		_, err := r.ResolveForExisting("documents", "", "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestResolveForNew(t *testing.T) {
	t.Run("generates when no source has a value", func(t *testing.T) {
		r := newResolver(t)
		secret, generated, err := r.ResolveForNew("documents", "")
		if err != nil {
			t.Fatalf("ResolveForNew() error = %v", err)
		}
		if !generated {
			t.Error("generated = false, want true")
		}
		if len(secret) != 43 {
			t.Errorf("generated secret length = %d, want 43", len(secret))
		}
	})

	t.Run("new-passphrase env wins over generation", func(t *testing.T) {
		r := newResolver(t)
		t.Setenv(EnvVarNew, "from-env")
		secret, generated, err := r.ResolveForNew("documents", "")
		if err != nil {
			t.Fatalf("ResolveForNew() error = %v", err)
		}
		if generated || secret != "from-env" {
			t.Errorf("got (%q, %v), want (from-env, false)", secret, generated)
		}
	})

	t.Run("existing file is reused", func(t *testing.T) {
		r := newResolver(t)
		if _, err := r.Save("documents", "from-file"); err != nil {
			t.Fatal(err)
		}
		secret, generated, err := r.ResolveForNew("documents", "")
		if err != nil {
			t.Fatalf("ResolveForNew() error = %v", err)
		}
		if generated || secret != "from-file" {
			t.Errorf("got (%q, %v), want (from-file, false)", secret, generated)
		}
	})
}

func TestMigrate(t *testing.T) {
	r := newResolver(t)

	path, err := r.Migrate("documents", "legacy-secret")
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	got, err := r.Load("documents")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != "legacy-secret" {
		t.Errorf("Load() after migrate = %q, want legacy-secret", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("migrated file mode = %o, want 600", mode)
	}
}
