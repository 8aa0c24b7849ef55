package npmreg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packship/internal/command"
	"packship/internal/registry"
)

type fakeRunner struct {
	lastEnv  []string
	lastArgs []string
	result   *command.Result
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*command.Result, error) {
	f.lastEnv = env
	f.lastArgs = append([]string{name}, args...)
	if f.result != nil {
		return f.result, nil
	}
	return &command.Result{ExitCode: 0}, nil
}

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newPlugin(t *testing.T, dir string, runner command.Runner, creds registry.Credentials) *Plugin {
	t.Helper()
	return New(registry.Deps{ProjectPath: dir, Exec: runner, Creds: creds}).(*Plugin)
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	p := newPlugin(t, dir, &fakeRunner{}, nil)

	ok, err := p.Detect(context.Background())
	if err != nil || ok {
		t.Errorf("detect without manifest = (%v, %v), want (false, nil)", ok, err)
	}

	writeManifest(t, dir, `{"name":"demo","version":"1.0.0"}`)
	ok, err = p.Detect(context.Background())
	if err != nil || !ok {
		t.Errorf("detect with manifest = (%v, %v), want (true, nil)", ok, err)
	}

	writeManifest(t, dir, `{not json`)
	ok, _ = p.Detect(context.Background())
	if ok {
		t.Error("detect matched an unparsable manifest")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"demo","version":"not-a-version","private":true}`)
	p := newPlugin(t, dir, &fakeRunner{}, registry.Credentials(func(string) (string, bool) { return "", false }))

	res, err := p.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid {
		t.Error("invalid manifest reported valid")
	}
	fields := map[string]registry.Severity{}
	for _, issue := range res.Issues {
		fields[issue.Field] = issue.Severity
	}
	if fields["version"] != registry.SeverityError {
		t.Error("bad semver not reported as error")
	}
	if fields["private"] != registry.SeverityError {
		t.Error("private package not reported as error")
	}
	if fields["credentials"] != registry.SeverityWarning {
		t.Error("missing token not reported as warning")
	}
}

func TestValidateCleanManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"demo","version":"2.1.0-rc.1","description":"a demo"}`)
	p := newPlugin(t, dir, &fakeRunner{}, nil)

	res, err := p.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Errorf("valid manifest rejected: %+v", res.Issues)
	}
	if res.Metadata.Name != "demo" || res.Metadata.Version != "2.1.0-rc.1" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestPublishBuildsArgsAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"demo","version":"1.0.0"}`)
	runner := &fakeRunner{}
	creds := registry.Credentials(func(r string) (string, bool) { return "npm_secret_token_value", r == "npm" })
	p := newPlugin(t, dir, runner, creds)

	res, err := p.Publish(context.Background(), registry.PublishOptions{Tag: "next", Access: "public", OTP: "123456"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.Success || res.Version != "1.0.0" {
		t.Errorf("result = %+v", res)
	}
	got := strings.Join(runner.lastArgs, " ")
	want := "npm publish --tag next --access public --otp 123456"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
	if len(runner.lastEnv) == 0 || !strings.HasPrefix(runner.lastEnv[0], "NPM_TOKEN=") {
		t.Errorf("token not passed via env: %v", runner.lastEnv)
	}
}

func TestPublishFailureIsStructured(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"demo","version":"1.0.0"}`)
	runner := &fakeRunner{result: &command.Result{ExitCode: 1, Stderr: "403 Forbidden"}}
	p := newPlugin(t, dir, runner, nil)

	res, err := p.Publish(context.Background(), registry.PublishOptions{})
	if err != nil {
		t.Fatalf("publish returned error for tool failure: %v", err)
	}
	if res.Success {
		t.Error("failed publish reported success")
	}
	if !strings.Contains(res.Error, "403") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"name":"demo","version":"1.0.0"}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/demo/1.0.0":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newPlugin(t, dir, &fakeRunner{}, nil).WithEndpoints(srv.URL, "https://www.npmjs.com", srv.Client())

	vr, err := p.Verify(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !vr.Verified {
		t.Errorf("published version not verified: %+v", vr)
	}
	if !strings.Contains(vr.URL, "demo") {
		t.Errorf("url = %q", vr.URL)
	}

	vr, err = p.Verify(context.Background(), "9.9.9")
	if err != nil {
		t.Fatalf("verify missing: %v", err)
	}
	if vr.Verified {
		t.Error("missing version verified")
	}
}

func TestRollbackIsGuidanceOnly(t *testing.T) {
	dir := t.TempDir()
	p := newPlugin(t, dir, &fakeRunner{}, nil)
	rr, err := p.Rollback(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rr.Success {
		t.Error("npm rollback reported success")
	}
	if !strings.Contains(rr.Message, "deprecate") {
		t.Errorf("message = %q", rr.Message)
	}
}
