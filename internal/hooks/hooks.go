// Package hooks runs user-configured lifecycle commands around the
// publish workflow. Every hook carries its own command allow list and
// runs as an argv vector, never through a shell.
package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"packship/internal/command"
)

// Phases in execution order around a publish.
const (
	PhasePreBuild    = "preBuild"
	PhasePrePublish  = "prePublish"
	PhasePostPublish = "postPublish"
	PhaseOnError     = "onError"
)

// DefaultTimeout bounds a single hook command.
const DefaultTimeout = 300 * time.Second

// Hook is one configured command within a phase.
type Hook struct {
	// Command is the full command line; it is split on whitespace into
	// an argv vector after variable expansion.
	Command string
	// AllowedCommands is the mandatory allow list for this hook. The
	// expanded command must equal an entry or start with entry + " ".
	AllowedCommands []string
	// Timeout in seconds; zero means DefaultTimeout.
	Timeout int
	// WorkingDirectory is resolved relative to the project root and
	// must stay inside it.
	WorkingDirectory string
}

// Vars are substituted into hook commands as ${NAME} placeholders.
type Vars struct {
	Version     string
	PackageName string
	Registry    string
	Phase       string
}

func (v Vars) expand(s string) string {
	r := strings.NewReplacer(
		"${VERSION}", v.Version,
		"${PACKAGE_NAME}", v.PackageName,
		"${REGISTRY}", v.Registry,
		"${PHASE}", v.Phase,
	)
	return r.Replace(s)
}

// Result is the outcome of one hook command.
type Result struct {
	Command  string
	Passed   bool
	Output   string
	Error    string
	Duration time.Duration
}

// PhaseResult aggregates one phase. A phase fails when any hook fails,
// but every hook in the phase still runs.
type PhaseResult struct {
	Phase   string
	Passed  bool
	Results []Result
}

// Failed lists the commands that did not pass.
func (p *PhaseResult) Failed() []string {
	var failed []string
	for _, r := range p.Results {
		if !r.Passed {
			failed = append(failed, r.Command)
		}
	}
	return failed
}

// Runner executes hook phases rooted at a project directory.
type Runner struct {
	root string
	exec command.Runner
}

// NewRunner returns a Runner for the project at root.
func NewRunner(root string, exec command.Runner) *Runner {
	return &Runner{root: root, exec: exec}
}

// RunPhase runs every hook of a phase in order. Hook failures are
// recorded, not returned; the error is reserved for a phase that could
// not run at all.
func (r *Runner) RunPhase(ctx context.Context, phase string, hooks []Hook, vars Vars) *PhaseResult {
	vars.Phase = phase
	out := &PhaseResult{Phase: phase, Passed: true}
	for _, h := range hooks {
		res := r.runHook(ctx, h, vars)
		if !res.Passed {
			out.Passed = false
		}
		out.Results = append(out.Results, res)
	}
	return out
}

func (r *Runner) runHook(ctx context.Context, h Hook, vars Vars) Result {
	expanded := vars.expand(strings.TrimSpace(h.Command))
	res := Result{Command: expanded}

	if expanded == "" {
		res.Error = "empty hook command"
		return res
	}
	if len(h.AllowedCommands) == 0 {
		res.Error = "hook has no allowedCommands; refusing to run"
		return res
	}
	if !allowedBy(expanded, h.AllowedCommands, vars) {
		res.Error = fmt.Sprintf("command %q not permitted by hook allow list", expanded)
		return res
	}

	dir, err := r.resolveWorkDir(h.WorkingDirectory)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	argv := strings.Fields(expanded)
	timeout := DefaultTimeout
	if h.Timeout > 0 {
		timeout = time.Duration(h.Timeout) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdRes, err := r.exec.Run(hctx, dir, nil, argv[0], argv[1:]...)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Output = cmdRes.Stdout
	res.Duration = cmdRes.Duration
	if cmdRes.TimedOut {
		res.Error = fmt.Sprintf("hook timed out after %s", timeout)
		return res
	}
	if cmdRes.ExitCode != 0 {
		res.Error = fmt.Sprintf("exit code %d: %s", cmdRes.ExitCode, strings.TrimSpace(cmdRes.Stderr))
		return res
	}
	res.Passed = true
	return res
}

// allowedBy checks the expanded command against the hook's allow list.
// Entries are expanded with the same variables so an allow list may pin
// exact argument forms like "npm run build".
func allowedBy(expanded string, allowed []string, vars Vars) bool {
	for _, entry := range allowed {
		entry = vars.expand(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if expanded == entry || strings.HasPrefix(expanded, entry+" ") {
			return true
		}
	}
	return false
}

// resolveWorkDir joins wd onto the project root and rejects any path
// that escapes it.
func (r *Runner) resolveWorkDir(wd string) (string, error) {
	root, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	if wd == "" {
		return root, nil
	}
	if filepath.IsAbs(wd) {
		return "", fmt.Errorf("hook workingDirectory %q must be relative to the project root", wd)
	}
	dir := filepath.Clean(filepath.Join(root, wd))
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", fmt.Errorf("hook workingDirectory %q escapes the project root", wd)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("hook workingDirectory %q does not exist", wd)
	}
	return dir, nil
}
