package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"packship/internal/command"
	"packship/internal/registry"
)

// generic adapts a declarative Definition to the registry.Plugin
// contract.
type generic struct {
	def    *Definition
	deps   registry.Deps
	client *http.Client
}

func newGeneric(def *Definition, deps registry.Deps) *generic {
	return &generic{
		def:    def,
		deps:   deps,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *generic) Name() string { return g.def.Name }

func (g *generic) manifestPath() string {
	return filepath.Join(g.deps.ProjectPath, g.def.ManifestFile)
}

// metadata pulls name and version out of the manifest when it happens
// to be JSON with those top-level keys. Anything else yields empties.
func (g *generic) metadata() registry.Metadata {
	var m struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	data, err := os.ReadFile(g.manifestPath())
	if err != nil || json.Unmarshal(data, &m) != nil {
		return registry.Metadata{}
	}
	return registry.Metadata{Name: m.Name, Version: m.Version}
}

func (g *generic) expand(s string, meta registry.Metadata) string {
	return strings.NewReplacer(
		"${VERSION}", meta.Version,
		"${PACKAGE_NAME}", meta.Name,
	).Replace(s)
}

func (g *generic) Detect(ctx context.Context) (bool, error) {
	if _, err := os.Stat(g.manifestPath()); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *generic) Validate(ctx context.Context) (*registry.ValidationResult, error) {
	if _, err := os.Stat(g.manifestPath()); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", g.def.ManifestFile, err)
	}
	meta := g.metadata()
	res := &registry.ValidationResult{Valid: true, Metadata: meta}

	argv := strings.Fields(g.expand(g.def.PublishCommand, meta))
	if len(argv) == 0 || !command.Allowed(argv[0]) {
		res.Valid = false
		res.Issues = append(res.Issues, registry.Issue{
			Field:    "publishCommand",
			Message:  fmt.Sprintf("publish command binary is not allow-listed: %q", g.def.PublishCommand),
			Severity: registry.SeverityError,
		})
	}
	if meta.Version == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field:    "version",
			Message:  "manifest does not expose a version; ${VERSION} expands empty",
			Severity: registry.SeverityWarning,
		})
	}
	return res, nil
}

func (g *generic) DryRun(ctx context.Context) (*registry.DryRunResult, error) {
	if g.def.DryRunCommand == "" {
		return &registry.DryRunResult{
			Success: true,
			Output:  "custom registry defines no dry-run command; skipping simulation",
		}, nil
	}
	res, err := g.run(ctx, g.def.DryRunCommand)
	if err != nil {
		return nil, err
	}
	dr := &registry.DryRunResult{Success: res.Ok(), Output: res.Stdout + res.Stderr}
	if !dr.Success {
		dr.Errors = append(dr.Errors, strings.TrimSpace(res.Stderr))
	}
	return dr, nil
}

func (g *generic) Publish(ctx context.Context, opts registry.PublishOptions) (*registry.PublishResult, error) {
	meta := g.metadata()
	res, err := g.run(ctx, g.def.PublishCommand)
	if err != nil {
		return nil, err
	}
	pr := &registry.PublishResult{Version: meta.Version, Output: res.Stdout}
	if !res.Ok() {
		pr.Error = strings.TrimSpace(res.Stderr)
		if pr.Error == "" {
			pr.Error = fmt.Sprintf("publish command exited with code %d", res.ExitCode)
		}
		return pr, nil
	}
	pr.Success = true
	return pr, nil
}

func (g *generic) run(ctx context.Context, tmpl string) (*command.Result, error) {
	argv := strings.Fields(g.expand(tmpl, g.metadata()))
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command for registry %s", g.def.Name)
	}
	return g.deps.Exec.Run(ctx, g.deps.ProjectPath, nil, argv[0], argv[1:]...)
}

func (g *generic) Verify(ctx context.Context, version string) (*registry.VerificationResult, error) {
	if g.def.VerifyURLTemplate == "" {
		return &registry.VerificationResult{
			Version: version,
			Error:   "custom registry defines no verification endpoint",
		}, nil
	}
	meta := g.metadata()
	if version != "" {
		meta.Version = version
	}
	endpoint := g.expand(g.def.VerifyURLTemplate, meta)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return &registry.VerificationResult{Version: meta.Version, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	vr := &registry.VerificationResult{Version: meta.Version}
	if resp.StatusCode == http.StatusOK {
		vr.Verified = true
		vr.URL = endpoint
	} else {
		vr.Error = fmt.Sprintf("verification endpoint returned status %d", resp.StatusCode)
	}
	return vr, nil
}

func (g *generic) Rollback(ctx context.Context, version string) (*registry.RollbackResult, error) {
	return &registry.RollbackResult{
		Success: false,
		Message: fmt.Sprintf("custom registry %s defines no rollback; withdraw version %s manually", g.def.Name, version),
	}, nil
}
