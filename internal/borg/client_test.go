package borg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeStubEngine writes a shell script standing in for the engine. It emits
// one structured warning line on stderr, echoes FAKE_STDOUT and the
// passphrase env var on stdout, and exits with FAKE_EXIT.
func writeStubEngine(t *testing.T) string {
	t.Helper()

	script := `#!/bin/sh
echo '{"type": "log_message", "time": 1, "levelname": "WARNING", "name": "borg.archiver", "message": "slow disk"}' >&2
echo "out:${FAKE_STDOUT}"
echo "pp:${BORG_PASSPHRASE}"
exit ${FAKE_EXIT:-0}
`
	path := filepath.Join(t.TempDir(), "fake-borg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub engine: %v", err)
	}
	return path
}

func TestExecClientClassification(t *testing.T) {
	t.Run("exit 0 is success", func(t *testing.T) {
		t.Setenv("FAKE_EXIT", "0")
		client := NewExecClient(writeStubEngine(t))

		result, err := client.Check(context.Background(), t.TempDir(), "")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if result.Class != ClassSuccess {
			t.Errorf("Class = %v, want ClassSuccess", result.Class)
		}
		// Structured warnings are accumulated even on success.
		if len(result.Warnings) != 1 || result.Warnings[0] != "slow disk" {
			t.Errorf("Warnings = %v", result.Warnings)
		}
	})

	t.Run("exit 1 is warning, not error", func(t *testing.T) {
		t.Setenv("FAKE_EXIT", "1")
		client := NewExecClient(writeStubEngine(t))

		result, err := client.Check(context.Background(), t.TempDir(), "")
		if err != nil {
			t.Fatalf("Check() error = %v, want warning result", err)
		}
		if result.Class != ClassWarning {
			t.Errorf("Class = %v, want ClassWarning", result.Class)
		}
		if len(result.Warnings) < 2 {
			t.Errorf("Warnings = %v, want structured warning plus exit summary", result.Warnings)
		}
	})

	t.Run("exit 2 is fatal with diagnostics", func(t *testing.T) {
		t.Setenv("FAKE_EXIT", "2")
		client := NewExecClient(writeStubEngine(t))

		_, err := client.Check(context.Background(), t.TempDir(), "")
		if !IsFatal(err) {
			t.Fatalf("Check() error = %v, want fatal CommandError", err)
		}
		ce := err.(*CommandError)
		if ce.ExitCode != 2 {
			t.Errorf("ExitCode = %d, want 2", ce.ExitCode)
		}
		if ce.Stderr == "" {
			t.Error("expected captured stderr on fatal error")
		}
		if ce.SpawnFailed {
			t.Error("engine-reported error must not be marked as spawn failure")
		}
	})

	t.Run("missing executable is a distinct fatal spawn failure", func(t *testing.T) {
		client := NewExecClient(filepath.Join(t.TempDir(), "no-such-engine"))

		_, err := client.Check(context.Background(), t.TempDir(), "")
		if !IsFatal(err) {
			t.Fatalf("Check() error = %v, want fatal CommandError", err)
		}
		if !err.(*CommandError).SpawnFailed {
			t.Error("expected SpawnFailed for missing executable")
		}
	})
}

func TestExecClientOversizedOutputLine(t *testing.T) {
	// A single output line beyond the scanner cap must not leave the child
	// blocked on a full pipe: the run finishes and reports the read failure.
	dir := t.TempDir()

	payload := filepath.Join(dir, "huge-line")
	if err := os.WriteFile(payload, bytes.Repeat([]byte("A"), 5*1024*1024), 0o644); err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	script := `#!/bin/sh
cat "` + payload + `" >&2
echo >&2
echo '{"type": "log_message", "time": 1, "levelname": "WARNING", "name": "borg.archiver", "message": "slow disk"}' >&2
exit 1
`
	enginePath := filepath.Join(dir, "fake-borg")
	if err := os.WriteFile(enginePath, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub engine: %v", err)
	}
	client := NewExecClient(enginePath)

	done := make(chan error, 1)
	go func() {
		_, err := client.Check(context.Background(), dir, "")
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Check() did not return; the child is blocked on an undrained pipe")
	}

	if !IsFatal(err) {
		t.Fatalf("Check() error = %v, want fatal CommandError", err)
	}
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Errorf("error does not carry the scanner failure: %v", err)
	}
}

func TestExecClientPassphraseChannel(t *testing.T) {
	t.Setenv("FAKE_EXIT", "0")
	client := NewExecClient(writeStubEngine(t))

	stream, err := client.Compact(context.Background(), t.TempDir(), "s3cret")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	result, err := stream.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	// The stub echoes the env var; the secret must reach the child through
	// the environment, never the argv.
	if want := "pp:s3cret"; !containsLine(result.Stdout, want) {
		t.Errorf("Stdout = %q, want line %q", result.Stdout, want)
	}
}

func TestStreamDeliversParsedLines(t *testing.T) {
	t.Setenv("FAKE_EXIT", "0")
	client := NewExecClient(writeStubEngine(t))

	stream, err := client.Compact(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	var warnings int
	for line := range stream.Lines() {
		if line.IsWarning() {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("saw %d warning lines, want 1", warnings)
	}

	if _, err := stream.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func containsLine(s, want string) bool {
	for _, line := range splitLines(s) {
		if line == want {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}
