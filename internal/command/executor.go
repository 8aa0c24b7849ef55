// Package command runs package-manager tools as argv vectors. No shell
// is ever involved, and only a fixed set of binaries may be invoked.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 120 * time.Second

// DefaultMaxOutput caps captured stdout and stderr, each.
const DefaultMaxOutput = 1 << 20

// allowed is the closed set of binaries the executor will spawn.
var allowed = map[string]struct{}{
	"npm":     {},
	"cargo":   {},
	"python":  {},
	"python3": {},
	"pip":     {},
	"twine":   {},
	"brew":    {},
	"git":     {},
	"go":      {},
}

// ErrNotAllowed is returned when a command is not in the allow list.
var ErrNotAllowed = errors.New("command not in allow list")

// Allowed reports whether name may be executed.
func Allowed(name string) bool {
	_, ok := allowed[name]
	return ok
}

// Result is the outcome of one invocation. A non-zero exit is reported
// here, not as a Go error; errors are reserved for failures to run the
// command at all.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Ok reports whether the command ran to completion with exit code zero.
func (r *Result) Ok() bool { return !r.TimedOut && r.ExitCode == 0 }

// Runner abstracts command execution so workflows can be tested with
// fakes.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error)
}

// Executor is the production Runner.
type Executor struct {
	timeout   time.Duration
	maxOutput int
}

// NewExecutor returns an Executor with default timeout and output cap.
func NewExecutor() *Executor {
	return &Executor{timeout: DefaultTimeout, maxOutput: DefaultMaxOutput}
}

// WithTimeout overrides the per-invocation timeout.
func (e *Executor) WithTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// Run executes name with args in dir. env entries are appended to the
// inherited environment. dir must exist and name must be allow-listed.
func (e *Executor) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	if !Allowed(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, name)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("working directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working directory %s is not a directory", dir)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	stdout := &cappedBuffer{max: e.maxOutput}
	stderr := &cappedBuffer{max: e.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("run %s: %w", name, runErr)
	}
	return res, nil
}

// cappedBuffer keeps the first max bytes and drops the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
