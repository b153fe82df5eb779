package borg

import "testing"

func TestParseLine(t *testing.T) {
	t.Run("log_message", func(t *testing.T) {
		raw := `{"type": "log_message", "time": 1700000000.5, "levelname": "WARNING", "name": "borg.archiver", "message": "file changed while we backed it up", "msgid": "Archive.IncompatibleFilesystemEncodingError"}`
		line := ParseLine(raw)
		if line.Kind != KindLog {
			t.Fatalf("Kind = %v, want KindLog", line.Kind)
		}
		if line.Log.Message != "file changed while we backed it up" {
			t.Errorf("Message = %q", line.Log.Message)
		}
		if !line.IsWarning() {
			t.Error("expected IsWarning() for WARNING level")
		}
	})

	t.Run("archive_progress", func(t *testing.T) {
		raw := `{"type": "archive_progress", "original_size": 1000, "compressed_size": 800, "deduplicated_size": 600, "nfiles": 3, "path": "/home/user/docs", "finished": false}`
		line := ParseLine(raw)
		if line.Kind != KindArchiveProgress {
			t.Fatalf("Kind = %v, want KindArchiveProgress", line.Kind)
		}
		if line.Progress.OriginalSize != 1000 || line.Progress.DeduplicatedSize != 600 {
			t.Errorf("Progress = %+v", line.Progress)
		}
	})

	t.Run("file_status", func(t *testing.T) {
		raw := `{"type": "file_status", "status": "A", "path": "/home/user/docs/notes.txt"}`
		line := ParseLine(raw)
		if line.Kind != KindFileStatus {
			t.Fatalf("Kind = %v, want KindFileStatus", line.Kind)
		}
		if line.File.Status != "A" {
			t.Errorf("Status = %q, want A", line.File.Status)
		}
	})

	t.Run("plain text", func(t *testing.T) {
		line := ParseLine("some unstructured output")
		if line.Kind != KindPlain {
			t.Fatalf("Kind = %v, want KindPlain", line.Kind)
		}
		if line.Message() != "some unstructured output" {
			t.Errorf("Message = %q", line.Message())
		}
	})

	t.Run("invalid json falls back to plain", func(t *testing.T) {
		line := ParseLine(`{"type": "log_message", broken`)
		if line.Kind != KindPlain {
			t.Fatalf("Kind = %v, want KindPlain", line.Kind)
		}
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		exitCode int
		want     Class
	}{
		{0, ClassSuccess},
		{1, ClassWarning},
		{2, ClassFatal},
		{42, ClassFatal},
	}
	for _, c := range cases {
		if got := Classify(c.exitCode); got != c.want {
			t.Errorf("Classify(%d) = %v, want %v", c.exitCode, got, c.want)
		}
	}
}
