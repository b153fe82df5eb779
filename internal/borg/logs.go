package borg

import (
	"encoding/json"
	"strings"
)

// LineKind identifies how a log line from the engine was parsed.
type LineKind int

const (
	// KindPlain is an unstructured line.
	KindPlain LineKind = iota
	// KindLog is a structured log_message record.
	KindLog
	// KindArchiveProgress carries running size statistics for a create run.
	KindArchiveProgress
	// KindProgress is a progress_message or progress_percent record.
	KindProgress
	// KindFileStatus reports the per-file status flag during create.
	KindFileStatus
)

// Line is one parsed record from the engine's JSON log stream. Raw always
// holds the original text; exactly one of the typed fields is set for
// structured records.
type Line struct {
	Raw  string
	Kind LineKind

	Log      *LogMessage
	Progress *ArchiveProgress
	File     *FileStatus
}

// LogMessage is the engine's structured log record (--log-json).
type LogMessage struct {
	Time      float64 `json:"time"`
	LevelName string  `json:"levelname"`
	Name      string  `json:"name"`
	Message   string  `json:"message"`
	MsgID     string  `json:"msgid"`
}

// ArchiveProgress carries the engine's running statistics during archive
// creation. The final record before "finished" holds the totals.
type ArchiveProgress struct {
	OriginalSize     int64  `json:"original_size"`
	CompressedSize   int64  `json:"compressed_size"`
	DeduplicatedSize int64  `json:"deduplicated_size"`
	NFiles           int64  `json:"nfiles"`
	Path             string `json:"path"`
	Finished         bool   `json:"finished"`
}

// FileStatus is the per-file status record emitted with --list --log-json.
type FileStatus struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

type lineHeader struct {
	Type string `json:"type"`
}

// ParseLine interprets one line of engine output. Lines that are not valid
// JSON, or whose type is unknown, come back as KindPlain with Raw set.
func ParseLine(raw string) Line {
	trimmed := strings.TrimSpace(raw)
	line := Line{Raw: trimmed}
	if !strings.HasPrefix(trimmed, "{") {
		return line
	}

	var header lineHeader
	if err := json.Unmarshal([]byte(trimmed), &header); err != nil {
		return line
	}

	switch header.Type {
	case "log_message":
		var msg LogMessage
		if err := json.Unmarshal([]byte(trimmed), &msg); err == nil {
			line.Kind = KindLog
			line.Log = &msg
		}
	case "archive_progress":
		var p ArchiveProgress
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil {
			line.Kind = KindArchiveProgress
			line.Progress = &p
		}
	case "progress_message", "progress_percent":
		line.Kind = KindProgress
	case "file_status":
		var fs FileStatus
		if err := json.Unmarshal([]byte(trimmed), &fs); err == nil {
			line.Kind = KindFileStatus
			line.File = &fs
		}
	}
	return line
}

// IsWarning reports whether the line is a structured warning or error level
// log record.
func (l Line) IsWarning() bool {
	return l.Kind == KindLog && (l.Log.LevelName == "WARNING" || l.Log.LevelName == "ERROR")
}

// Message returns the human-readable portion of the line.
func (l Line) Message() string {
	if l.Kind == KindLog {
		return l.Log.Message
	}
	return l.Raw
}
