package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packship/internal/command"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	calls   []call
	results map[string]*command.Result
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*command.Result, error) {
	f.calls = append(f.calls, call{dir: dir, name: name, args: args})
	key := strings.Join(append([]string{name}, args...), " ")
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return &command.Result{ExitCode: 0}, nil
}

func TestRunPhaseExpandsVariables(t *testing.T) {
	fake := &fakeRunner{}
	r := NewRunner(t.TempDir(), fake)

	res := r.RunPhase(context.Background(), PhasePrePublish, []Hook{{
		Command:         "npm run tag ${VERSION} ${REGISTRY}",
		AllowedCommands: []string{"npm run tag"},
	}}, Vars{Version: "1.2.3", Registry: "npm"})

	if !res.Passed {
		t.Fatalf("phase failed: %+v", res.Results)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(fake.calls))
	}
	got := fake.calls[0]
	want := []string{"run", "tag", "1.2.3", "npm"}
	if got.name != "npm" || len(got.args) != len(want) {
		t.Fatalf("invoked %s %v", got.name, got.args)
	}
	for i := range want {
		if got.args[i] != want[i] {
			t.Errorf("arg[%d] = %s, want %s", i, got.args[i], want[i])
		}
	}
}

func TestRunPhaseRejectsUnapprovedCommand(t *testing.T) {
	fake := &fakeRunner{}
	r := NewRunner(t.TempDir(), fake)

	res := r.RunPhase(context.Background(), PhasePreBuild, []Hook{{
		Command:         "git push --force",
		AllowedCommands: []string{"npm run build"},
	}}, Vars{})

	if res.Passed {
		t.Fatal("phase passed with unapproved command")
	}
	if len(fake.calls) != 0 {
		t.Error("unapproved command reached the executor")
	}
	if failed := res.Failed(); len(failed) != 1 {
		t.Errorf("failed = %v, want one entry", failed)
	}
}

func TestRunPhaseRejectsEmptyAllowList(t *testing.T) {
	fake := &fakeRunner{}
	r := NewRunner(t.TempDir(), fake)

	res := r.RunPhase(context.Background(), PhasePreBuild, []Hook{{
		Command: "npm run build",
	}}, Vars{})

	if res.Passed {
		t.Fatal("phase passed without an allow list")
	}
	if len(fake.calls) != 0 {
		t.Error("hook without allow list reached the executor")
	}
}

func TestAllowListPrefixMustBeTokenBoundary(t *testing.T) {
	if allowedBy("npm run builder", []string{"npm run build"}, Vars{}) {
		t.Error("prefix matched across a token boundary")
	}
	if !allowedBy("npm run build", []string{"npm run build"}, Vars{}) {
		t.Error("exact match rejected")
	}
	if !allowedBy("npm run build --silent", []string{"npm run build"}, Vars{}) {
		t.Error("argument extension rejected")
	}
}

func TestRunPhaseContinuesPastFailures(t *testing.T) {
	fake := &fakeRunner{results: map[string]*command.Result{
		"npm run lint": {ExitCode: 2, Stderr: "lint errors"},
	}}
	r := NewRunner(t.TempDir(), fake)

	res := r.RunPhase(context.Background(), PhasePreBuild, []Hook{
		{Command: "npm run lint", AllowedCommands: []string{"npm run lint"}},
		{Command: "npm run build", AllowedCommands: []string{"npm run build"}},
	}, Vars{})

	if res.Passed {
		t.Fatal("phase passed despite a failing hook")
	}
	if len(fake.calls) != 2 {
		t.Errorf("calls = %d, want both hooks to run", len(fake.calls))
	}
	if failed := res.Failed(); len(failed) != 1 || !strings.HasPrefix(failed[0], "npm run lint") {
		t.Errorf("failed = %v", failed)
	}
}

func TestWorkingDirectoryContainment(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	fake := &fakeRunner{}
	r := NewRunner(root, fake)

	res := r.RunPhase(context.Background(), PhasePreBuild, []Hook{
		{Command: "npm test", AllowedCommands: []string{"npm test"}, WorkingDirectory: "sub"},
		{Command: "npm test", AllowedCommands: []string{"npm test"}, WorkingDirectory: "../outside"},
	}, Vars{})

	if res.Passed {
		t.Fatal("phase passed with an escaping working directory")
	}
	if len(fake.calls) != 1 {
		t.Fatalf("calls = %d, want only the contained hook to run", len(fake.calls))
	}
	if fake.calls[0].dir != filepath.Join(root, "sub") {
		t.Errorf("dir = %s, want %s", fake.calls[0].dir, filepath.Join(root, "sub"))
	}
}

func TestTimedOutHookFails(t *testing.T) {
	fake := &fakeRunner{results: map[string]*command.Result{
		"npm run slow": {TimedOut: true, ExitCode: -1},
	}}
	r := NewRunner(t.TempDir(), fake)

	res := r.RunPhase(context.Background(), PhasePostPublish, []Hook{{
		Command:         "npm run slow",
		AllowedCommands: []string{"npm run slow"},
		Timeout:         1,
	}}, Vars{})

	if res.Passed {
		t.Fatal("timed-out hook reported as passed")
	}
	if !strings.Contains(res.Results[0].Error, "timed out") {
		t.Errorf("error = %q, want timeout message", res.Results[0].Error)
	}
}
