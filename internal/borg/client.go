// Package borg drives the external deduplicating-backup engine as a child
// process, classifying its exit status and exposing its structured output.
package borg

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"bb-go/internal/model"
)

// passphraseEnvVar is the engine's secure passphrase channel. The secret is
// never placed on the command line.
const passphraseEnvVar = "BORG_PASSPHRASE"

// Client is the contract the orchestrator uses to run engine subcommands.
type Client interface {
	// Init creates a new repository. Any non-zero exit is fatal here: a
	// repository either exists afterwards or it does not.
	Init(ctx context.Context, repoPath, passphrase string, opts InitOptions) error

	// Info returns the engine's repository metadata.
	Info(ctx context.Context, repoPath, passphrase string) (*model.RepoInfo, error)

	// ListArchives returns the archives recorded in a repository.
	ListArchives(ctx context.Context, repoPath, passphrase string) ([]ArchiveRecord, error)

	// ListArchiveContents returns the files inside one archive.
	ListArchiveContents(ctx context.Context, repoPath, archiveName, passphrase string) ([]ArchivedFile, error)

	// Create builds a new archive of target, streaming the engine's log
	// output.
	Create(ctx context.Context, repoPath, archiveName, target, passphrase string, opts CreateOptions) (*Stream, error)

	// Prune removes archives outside the retention arguments.
	Prune(ctx context.Context, repoPath, passphrase string, retentionArgs []string) (*Stream, error)

	// Compact reclaims space freed by prune or delete.
	Compact(ctx context.Context, repoPath, passphrase string) (*Stream, error)

	// Extract restores an archive into the current working directory
	// context of the repository.
	Extract(ctx context.Context, repoPath, archiveName, passphrase string, opts ExtractOptions) (*Stream, error)

	// Delete removes one archive, or the whole repository when archiveName
	// is empty.
	Delete(ctx context.Context, repoPath, archiveName string, dryRun bool, passphrase string) (*Stream, error)

	// Check verifies repository consistency.
	Check(ctx context.Context, repoPath, passphrase string) (*Result, error)

	// ExportKey writes the repository key to outputPath.
	ExportKey(ctx context.Context, repoPath, outputPath string, paper bool, passphrase string) error
}

// Result is the joined outcome of an engine invocation after both output
// streams have been fully drained.
type Result struct {
	ExitCode int
	Class    Class
	Stdout   string
	Stderr   string
	// Warnings holds the messages of WARNING/ERROR level log records plus,
	// for exit code 1, a closing summary line.
	Warnings []string
}

// Stream is a finite, non-restartable sequence of parsed log lines from a
// running engine process. Consumers may range over Lines until it closes and
// then call Wait; calling Wait directly drains the remainder.
type Stream struct {
	lines <-chan Line
	wait  func() (*Result, error)
}

// NewStream builds a Stream from a line channel and a join function. Used by
// the exec client and by test fakes.
func NewStream(lines <-chan Line, wait func() (*Result, error)) *Stream {
	return &Stream{lines: lines, wait: wait}
}

// Lines returns the channel of parsed log lines. It is closed when the
// process's stderr reaches EOF.
func (s *Stream) Lines() <-chan Line { return s.lines }

// Wait drains any unread lines, joins the output readers, and returns the
// final classification. A fatal classification is returned as a
// *CommandError; warnings ride along on the Result.
func (s *Stream) Wait() (*Result, error) {
	for range s.lines {
	}
	return s.wait()
}

// ExecClient runs the engine via os/exec.
type ExecClient struct {
	executable string
}

// NewExecClient returns a Client that invokes the given engine executable.
func NewExecClient(executable string) *ExecClient {
	return &ExecClient{executable: executable}
}

var _ Client = (*ExecClient)(nil)

// command prepares the child process. The passphrase travels through an
// ephemeral environment variable; workDir, when non-empty and existing,
// becomes the child's working directory.
func (c *ExecClient) command(ctx context.Context, workDir, passphrase string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.executable, args...)
	if workDir != "" {
		if info, err := os.Stat(workDir); err == nil && info.IsDir() {
			cmd.Dir = workDir
		}
	}
	cmd.Env = os.Environ()
	if passphrase != "" {
		cmd.Env = append(cmd.Env, passphraseEnvVar+"="+passphrase)
	}
	// On cancellation, give the engine a chance to checkpoint before the
	// kill fallback fires.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
	return cmd
}

// run executes a command to completion, capturing both streams.
func (c *ExecClient) run(ctx context.Context, workDir, passphrase string, args ...string) (*Result, error) {
	stream, err := c.stream(ctx, workDir, passphrase, args...)
	if err != nil {
		return nil, err
	}
	return stream.Wait()
}

// stream starts a command and drains stdout and stderr concurrently so a
// child filling both pipe buffers can never deadlock.
func (c *ExecClient) stream(ctx context.Context, workDir, passphrase string, args ...string) (*Stream, error) {
	cmd := c.command(ctx, workDir, passphrase, args...)
	argv := append([]string{c.executable}, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &CommandError{
			Command:     argv,
			Class:       ClassFatal,
			SpawnFailed: true,
			Err:         err,
		}
	}

	linesCh := make(chan Line)
	var (
		mu          sync.Mutex
		stdoutLines []string
		stderrLines []string
		warnings    []string
		readErr     error
	)

	// A scanner that stops early (oversized line, pipe fault) must not
	// abandon the pipe: the child would block forever writing into it.
	// Drain to EOF and keep the first read failure for the final result.
	failRead := func(stream string, pipe io.Reader, err error) {
		io.Copy(io.Discard, pipe)
		mu.Lock()
		if readErr == nil {
			readErr = fmt.Errorf("reading engine %s: %w", stream, err)
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			mu.Lock()
			stdoutLines = append(stdoutLines, scanner.Text())
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			failRead("stdout", stdout, err)
		}
	}()

	go func() {
		defer wg.Done()
		defer close(linesCh)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := ParseLine(scanner.Text())
			mu.Lock()
			stderrLines = append(stderrLines, line.Raw)
			if line.IsWarning() {
				warnings = append(warnings, line.Message())
			}
			mu.Unlock()
			linesCh <- line
		}
		if err := scanner.Err(); err != nil {
			failRead("stderr", stderr, err)
		}
	}()

	wait := func() (*Result, error) {
		wg.Wait()
		err := cmd.Wait()

		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		if exitCode < 0 {
			// Forced termination or wait failure counts as fatal.
			exitCode = 2
		}

		mu.Lock()
		result := &Result{
			ExitCode: exitCode,
			Class:    Classify(exitCode),
			Stdout:   strings.Join(stdoutLines, "\n"),
			Stderr:   strings.Join(stderrLines, "\n"),
			Warnings: warnings,
		}
		rErr := readErr
		mu.Unlock()

		// A failed read means the captured output is incomplete; the run
		// cannot be trusted regardless of the exit code.
		if rErr != nil {
			return nil, &CommandError{
				Command:  argv,
				ExitCode: result.ExitCode,
				Class:    ClassFatal,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
				Err:      rErr,
			}
		}

		switch result.Class {
		case ClassFatal:
			return nil, &CommandError{
				Command:  argv,
				ExitCode: result.ExitCode,
				Class:    ClassFatal,
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
				Err:      err,
			}
		case ClassWarning:
			result.Warnings = append(result.Warnings, fmt.Sprintf("engine completed with warnings (exit code 1): %s", lastLine(result.Stderr)))
		}
		return result, nil
	}

	return NewStream(linesCh, wait), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// Init implements Client. Exit code 1 is promoted to fatal: a repository
// either exists after init or it does not.
func (c *ExecClient) Init(ctx context.Context, repoPath, passphrase string, opts InitOptions) error {
	encryption := opts.Encryption
	if encryption == "" {
		encryption = "repokey"
	}
	args := []string{"init", "--log-json", "--progress",
		fmt.Sprintf("--encryption=%s", encryption)}
	if opts.StorageQuota != "" {
		args = append(args, fmt.Sprintf("--storage-quota=%s", opts.StorageQuota))
	}
	args = append(args, repoPath)

	result, err := c.run(ctx, "", passphrase, args...)
	if err != nil {
		return err
	}
	if result.Class != ClassSuccess {
		return &CommandError{
			Command:  append([]string{c.executable}, args...),
			ExitCode: result.ExitCode,
			Class:    ClassFatal,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}

	if opts.AdditionalFreeSpace != "" {
		cfgArgs := []string{"config", "--log-json", "--progress", repoPath,
			"additional_free_space", opts.AdditionalFreeSpace}
		if _, err := c.run(ctx, "", passphrase, cfgArgs...); err != nil {
			return err
		}
	}
	return nil
}

// Info implements Client.
func (c *ExecClient) Info(ctx context.Context, repoPath, passphrase string) (*model.RepoInfo, error) {
	result, err := c.run(ctx, repoPath, passphrase, "info", "--json", repoPath)
	if err != nil {
		return nil, err
	}

	var info model.RepoInfo
	if err := json.Unmarshal([]byte(result.Stdout), &info); err != nil {
		return nil, fmt.Errorf("parsing repository info: %w", err)
	}
	return &info, nil
}

// ListArchives implements Client.
func (c *ExecClient) ListArchives(ctx context.Context, repoPath, passphrase string) ([]ArchiveRecord, error) {
	result, err := c.run(ctx, repoPath, passphrase, "list", "--json", repoPath)
	if err != nil {
		return nil, err
	}

	var out listOutput
	if err := json.Unmarshal([]byte(result.Stdout), &out); err != nil {
		return nil, fmt.Errorf("parsing archive list: %w", err)
	}
	return out.Archives, nil
}

// ListArchiveContents implements Client.
func (c *ExecClient) ListArchiveContents(ctx context.Context, repoPath, archiveName, passphrase string) ([]ArchivedFile, error) {
	result, err := c.run(ctx, repoPath, passphrase,
		"list", archiveTarget(repoPath, archiveName), "--json-lines")
	if err != nil {
		return nil, err
	}

	var files []ArchivedFile
	for _, line := range strings.Split(result.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var f ArchivedFile
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return nil, fmt.Errorf("parsing archive contents line: %w", err)
		}
		files = append(files, f)
	}
	return files, nil
}

// Create implements Client.
func (c *ExecClient) Create(ctx context.Context, repoPath, archiveName, target, passphrase string, opts CreateOptions) (*Stream, error) {
	args := []string{"create", "--log-json", "--filter", "AME", "--show-rc"}
	args = append(args, opts.args()...)
	args = append(args, archiveTarget(repoPath, archiveName), target)
	return c.stream(ctx, repoPath, passphrase, args...)
}

// Prune implements Client.
func (c *ExecClient) Prune(ctx context.Context, repoPath, passphrase string, retentionArgs []string) (*Stream, error) {
	args := []string{"prune", "--log-json", "--progress", "--list"}
	args = append(args, retentionArgs...)
	args = append(args, repoPath)
	return c.stream(ctx, repoPath, passphrase, args...)
}

// Compact implements Client.
func (c *ExecClient) Compact(ctx context.Context, repoPath, passphrase string) (*Stream, error) {
	return c.stream(ctx, repoPath, passphrase, "compact", "--log-json", "--progress", repoPath)
}

// Extract implements Client.
func (c *ExecClient) Extract(ctx context.Context, repoPath, archiveName, passphrase string, opts ExtractOptions) (*Stream, error) {
	args := []string{"extract", "--log-json"}
	args = append(args, opts.args()...)
	args = append(args, archiveTarget(repoPath, archiveName))
	return c.stream(ctx, repoPath, passphrase, args...)
}

// Delete implements Client.
func (c *ExecClient) Delete(ctx context.Context, repoPath, archiveName string, dryRun bool, passphrase string) (*Stream, error) {
	target := repoPath
	if archiveName != "" {
		target = archiveTarget(repoPath, archiveName)
	}
	args := []string{"delete", "--log-json", "--progress", "--list", "--force"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, target)
	return c.stream(ctx, repoPath, passphrase, args...)
}

// Check implements Client.
func (c *ExecClient) Check(ctx context.Context, repoPath, passphrase string) (*Result, error) {
	return c.run(ctx, repoPath, passphrase, "check", "--log-json", repoPath)
}

// ExportKey implements Client.
func (c *ExecClient) ExportKey(ctx context.Context, repoPath, outputPath string, paper bool, passphrase string) error {
	args := []string{"key", "export"}
	if paper {
		args = append(args, "--paper")
	}
	args = append(args, repoPath, outputPath)
	_, err := c.run(ctx, repoPath, passphrase, args...)
	return err
}
