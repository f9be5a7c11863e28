package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Identifiers of the external tasks that may be run. Nothing outside this
// list is ever spawned.
const (
	EmailParser = "email_parser.py"
	DataCleaner = "data_cleaner.py"
)

// MaxInputChars is the largest accepted input, counted in characters.
const MaxInputChars = 100_000

const (
	defaultInterpreter = "python3"
	defaultTimeout     = 2 * time.Minute
	killGrace          = 5 * time.Second
)

var allowlist = map[string]bool{
	EmailParser: true,
	DataCleaner: true,
}

var (
	ErrInvalidScript   = errors.New("invalid script name")
	ErrInputTooLarge   = errors.New("input too large")
	ErrLaunchFailed    = errors.New("failed to start task process")
	ErrTaskFailed      = errors.New("task exited with non-zero status")
	ErrMalformedOutput = errors.New("failed to parse task output")
	ErrTimeout         = errors.New("task timed out")
)

// ExitError reports a task that ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("task exited with code %d\nstderr: %s", e.Code, e.Stderr)
}

func (e *ExitError) Is(target error) bool { return target == ErrTaskFailed }

// OutputError reports stdout that is not a single JSON value.
type OutputError struct {
	Err    error
	Output string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("failed to parse task output: %v\noutput: %s", e.Err, e.Output)
}

func (e *OutputError) Is(target error) bool { return target == ErrMalformedOutput }
func (e *OutputError) Unwrap() error        { return e.Err }

// Allowed reports whether script is a known task identifier.
func Allowed(script string) bool {
	return allowlist[script]
}

// Check reports allowlisted scripts missing from ScriptsDir.
func (r Runner) Check() error {
	var missing []string
	for _, script := range []string{EmailParser, DataCleaner} {
		if _, err := os.Stat(filepath.Join(r.ScriptsDir, script)); err != nil {
			missing = append(missing, script)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("scripts missing from %q: %s", r.ScriptsDir, strings.Join(missing, ", "))
	}
	return nil
}

// Runner spawns allowlisted scripts with Interpreter, one attempt per call.
type Runner struct {
	Interpreter string
	ScriptsDir  string
	Timeout     time.Duration
	Logger      *slog.Logger
}

func (r Runner) interpreter() string {
	if r.Interpreter == "" {
		return defaultInterpreter
	}
	return r.Interpreter
}

func (r Runner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultTimeout
	}
	return r.Timeout
}

func (r Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run executes script with input as its only argument and returns stdout
// parsed as one JSON value. The input is never passed through a shell.
func (r Runner) Run(ctx context.Context, script, input string) (json.RawMessage, error) {
	if !Allowed(script) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScript, script)
	}
	if n := utf8.RuneCountInString(input); n > MaxInputChars {
		return nil, fmt.Errorf("%w: %d characters (max %d)", ErrInputTooLarge, n, MaxInputChars)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	scriptPath := filepath.Join(r.ScriptsDir, script)
	cmd := exec.CommandContext(ctx, r.interpreter(), scriptPath, input)
	cmd.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	err := cmd.Wait()
	r.logger().Debug("task finished", "script", script, "duration", time.Since(start), "stdout_bytes", stdout.Len(), "stderr_bytes", stderr.Len())

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, r.timeout(), ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("wait for task: %w", err)
	}

	var out json.RawMessage
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, &OutputError{Err: err, Output: stdout.String()}
	}
	return out, nil
}
