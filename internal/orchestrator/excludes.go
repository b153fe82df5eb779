package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Exclusion management. Each repository owns one pattern file consumed by
// the engine's --exclude-from; a backup refuses to run without it.

// CreateExclusions copies the pattern file at sourcePath into place as the
// repository's exclusion list. The list must not exist yet.
func (o *Orchestrator) CreateExclusions(name, sourcePath string) (string, error) {
	if _, err := o.GetRepo(name); err != nil {
		return "", err
	}

	dest := o.cfg.ExcludesPath(name)
	if _, err := os.Stat(dest); err == nil {
		return "", validationErrorf("excludes", "exclusion list for %q already exists", name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating excludes directory: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", validationErrorf("excludes", "cannot read source file: %v", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating exclusion list: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("copying exclusion list: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	o.logger.Info("created exclusion list", "repo", name, "file", dest)
	return dest, nil
}

// GetExclusions returns the repository's exclusion patterns, skipping blank
// lines. A missing list returns an empty slice.
func (o *Orchestrator) GetExclusions(name string) ([]string, error) {
	if _, err := o.GetRepo(name); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(o.cfg.ExcludesPath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading exclusion list: %w", err)
	}

	var patterns []string
	for _, line := range strings.Split(string(raw), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	return patterns, nil
}

// AddExclusion appends one pattern to the repository's exclusion list.
func (o *Orchestrator) AddExclusion(name, pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return validationErrorf("pattern", "exclusion pattern must not be empty")
	}
	if strings.ContainsAny(pattern, "\r\n") {
		return validationErrorf("pattern", "exclusion pattern must be a single line")
	}
	if _, err := o.GetRepo(name); err != nil {
		return err
	}

	path := o.cfg.ExcludesPath(name)
	if _, err := os.Stat(path); err != nil {
		return validationErrorf("excludes", "exclusion list for %q not created yet", name)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening exclusion list: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(pattern + "\n"); err != nil {
		return fmt.Errorf("appending exclusion pattern: %w", err)
	}
	o.logger.Info("added exclusion pattern", "repo", name, "pattern", pattern)
	return nil
}

// RemoveExclusion deletes the pattern at the given 1-based line number.
func (o *Orchestrator) RemoveExclusion(name string, lineNumber int) error {
	if _, err := o.GetRepo(name); err != nil {
		return err
	}

	path := o.cfg.ExcludesPath(name)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return validationErrorf("excludes", "exclusion list for %q not created yet", name)
	}
	if err != nil {
		return fmt.Errorf("reading exclusion list: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if lineNumber < 1 || lineNumber > len(lines) {
		return validationErrorf("line_number", "invalid line number %d, list has %d lines", lineNumber, len(lines))
	}
	lines = append(lines[:lineNumber-1], lines[lineNumber:]...)

	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing exclusion list: %w", err)
	}
	o.logger.Info("removed exclusion pattern", "repo", name, "line", lineNumber)
	return nil
}
