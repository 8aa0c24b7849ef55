package pypireg

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packship/internal/command"
	"packship/internal/registry"
)

type fakeRunner struct {
	lastArgs []string
	lastEnv  []string
	result   *command.Result
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*command.Result, error) {
	f.lastArgs = append([]string{name}, args...)
	f.lastEnv = env
	if f.result != nil {
		return f.result, nil
	}
	return &command.Result{ExitCode: 0}, nil
}

const goodManifest = `
[project]
name = "demo"
version = "1.4.0"
description = "a demo package"
`

func setupProject(t *testing.T, withDist bool) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte(goodManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if withDist {
		distDir := filepath.Join(dir, "dist")
		if err := os.Mkdir(distDir, 0o755); err != nil {
			t.Fatal(err)
		}
		for _, name := range []string{"demo-1.4.0-py3-none-any.whl", "demo-1.4.0.tar.gz", "notes.txt"} {
			if err := os.WriteFile(filepath.Join(distDir, name), []byte("x"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return dir
}

func newPlugin(dir string, runner command.Runner, creds registry.Credentials) *Plugin {
	return New(registry.Deps{ProjectPath: dir, Exec: runner, Creds: creds}).(*Plugin)
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	p := newPlugin(dir, &fakeRunner{}, nil)
	if ok, _ := p.Detect(context.Background()); ok {
		t.Error("detect in empty dir")
	}

	if err := os.WriteFile(filepath.Join(dir, "setup.py"), []byte("from setuptools import setup"), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := p.Detect(context.Background()); !ok {
		t.Error("setup.py not detected")
	}
}

func TestValidateRequiresDistArtifacts(t *testing.T) {
	dir := setupProject(t, false)
	p := newPlugin(dir, &fakeRunner{}, nil)

	res, err := p.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid {
		t.Error("valid without dist/ artifacts")
	}
	found := false
	for _, issue := range res.Errors() {
		if issue.Field == "dist" {
			found = true
		}
	}
	if !found {
		t.Errorf("no dist error in %+v", res.Issues)
	}
}

func TestValidateGoodProject(t *testing.T) {
	dir := setupProject(t, true)
	p := newPlugin(dir, &fakeRunner{}, nil)

	res, err := p.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Errorf("good project rejected: %+v", res.Issues)
	}
	if res.Metadata.Version != "1.4.0" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestDryRunChecksOnlyUploadableFiles(t *testing.T) {
	dir := setupProject(t, true)
	runner := &fakeRunner{}
	p := newPlugin(dir, runner, nil)

	dr, err := p.DryRun(context.Background())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !dr.Success {
		t.Errorf("dry run failed: %+v", dr)
	}
	got := strings.Join(runner.lastArgs, " ")
	if !strings.HasPrefix(got, "twine check ") {
		t.Errorf("args = %q", got)
	}
	if strings.Contains(got, "notes.txt") {
		t.Errorf("non-artifact file passed to twine: %q", got)
	}
}

func TestPublishPassesTokenThroughEnvOnly(t *testing.T) {
	dir := setupProject(t, true)
	runner := &fakeRunner{}
	creds := registry.Credentials(func(r string) (string, bool) { return "pypi-AgEIcHlwaS5vcmc", r == Name })
	p := newPlugin(dir, runner, creds)

	res, err := p.Publish(context.Background(), registry.PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.Success || res.Version != "1.4.0" {
		t.Errorf("result = %+v", res)
	}
	got := strings.Join(runner.lastArgs, " ")
	for _, want := range []string{"twine upload", "--non-interactive", ".whl"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
	// The token must never be visible in the process table.
	if strings.Contains(got, "pypi-AgEIcHlwaS5vcmc") {
		t.Errorf("raw token leaked into argv: %q", got)
	}
	env := strings.Join(runner.lastEnv, " ")
	for _, want := range []string{"TWINE_USERNAME=__token__", "TWINE_PASSWORD=pypi-AgEIcHlwaS5vcmc"} {
		if !strings.Contains(env, want) {
			t.Errorf("env %q missing %q", env, want)
		}
	}
}

func TestPublishWithoutDistFailsStructured(t *testing.T) {
	dir := setupProject(t, false)
	p := newPlugin(dir, &fakeRunner{}, nil)

	res, err := p.Publish(context.Background(), registry.PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "dist/") {
		t.Errorf("result = %+v", res)
	}
}

func TestRollbackIsGuidanceOnly(t *testing.T) {
	p := newPlugin(t.TempDir(), &fakeRunner{}, nil)
	rr, err := p.Rollback(context.Background(), "1.4.0")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rr.Success || !strings.Contains(rr.Message, "immutable") {
		t.Errorf("rollback = %+v", rr)
	}
}
