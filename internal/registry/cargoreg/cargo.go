// Package cargoreg publishes Rust crates to crates.io via the cargo
// CLI.
package cargoreg

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"packship/internal/registry"
)

const Name = "crates.io"

const manifestFile = "Cargo.toml"

type cargoManifest struct {
	Package struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
		License     string `toml:"license"`
		Publish     *bool  `toml:"publish"`
	} `toml:"package"`
}

// Plugin implements registry.Plugin for crates.io.
type Plugin struct {
	deps   registry.Deps
	apiURL string
	webURL string
	client *http.Client
}

// New builds the crates.io plugin. It satisfies registry.Factory.
func New(deps registry.Deps) registry.Plugin {
	return &Plugin{
		deps:   deps,
		apiURL: "https://crates.io/api/v1",
		webURL: "https://crates.io",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithEndpoints overrides registry endpoints, for tests.
func (p *Plugin) WithEndpoints(apiURL, webURL string, client *http.Client) *Plugin {
	p.apiURL = strings.TrimRight(apiURL, "/")
	p.webURL = strings.TrimRight(webURL, "/")
	if client != nil {
		p.client = client
	}
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) readManifest() (*cargoManifest, error) {
	data, err := os.ReadFile(filepath.Join(p.deps.ProjectPath, manifestFile))
	if err != nil {
		return nil, err
	}
	var m cargoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
	}
	return &m, nil
}

func (p *Plugin) Detect(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(p.deps.ProjectPath, manifestFile)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	m, err := p.readManifest()
	if err != nil {
		return false, nil
	}
	// Workspace-only manifests have no [package] table.
	return m.Package.Name != "", nil
}

func (p *Plugin) Validate(ctx context.Context) (*registry.ValidationResult, error) {
	m, err := p.readManifest()
	if err != nil {
		return nil, err
	}
	pkg := m.Package
	res := &registry.ValidationResult{
		Metadata: registry.Metadata{Name: pkg.Name, Version: pkg.Version, Description: pkg.Description},
	}
	if pkg.Name == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "package.name", Message: "crate name is required", Severity: registry.SeverityError,
		})
	}
	if pkg.Version == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "package.version", Message: "version is required", Severity: registry.SeverityError,
		})
	}
	if pkg.Publish != nil && !*pkg.Publish {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "package.publish", Message: "publish = false forbids publishing this crate", Severity: registry.SeverityError,
		})
	}
	if pkg.Description == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "package.description", Message: "crates.io requires a description", Severity: registry.SeverityError,
		})
	}
	if pkg.License == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "package.license", Message: "crates.io requires a license", Severity: registry.SeverityError,
		})
	}
	if p.deps.Creds != nil {
		if _, ok := p.deps.Creds(Name); !ok {
			res.Issues = append(res.Issues, registry.Issue{
				Field: "credentials", Message: "CARGO_REGISTRY_TOKEN is not set; cargo will use its saved login", Severity: registry.SeverityWarning,
			})
		}
	}
	res.Valid = len(res.Errors()) == 0
	return res, nil
}

func (p *Plugin) DryRun(ctx context.Context) (*registry.DryRunResult, error) {
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, nil, "cargo", "publish", "--dry-run")
	if err != nil {
		return nil, err
	}
	dr := &registry.DryRunResult{Success: res.Ok(), Output: res.Stdout + res.Stderr}
	if !dr.Success {
		dr.Errors = append(dr.Errors, strings.TrimSpace(res.Stderr))
	}
	return dr, nil
}

func (p *Plugin) Publish(ctx context.Context, opts registry.PublishOptions) (*registry.PublishResult, error) {
	m, err := p.readManifest()
	if err != nil {
		return nil, err
	}
	args := []string{"publish"}
	var env []string
	if p.deps.Creds != nil {
		if token, ok := p.deps.Creds(Name); ok {
			env = append(env, "CARGO_REGISTRY_TOKEN="+token)
		}
	}
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, env, "cargo", args...)
	if err != nil {
		return nil, err
	}
	pr := &registry.PublishResult{Version: m.Package.Version, Output: res.Stdout}
	if !res.Ok() {
		pr.Error = strings.TrimSpace(res.Stderr)
		if pr.Error == "" {
			pr.Error = fmt.Sprintf("cargo publish exited with code %d", res.ExitCode)
		}
		return pr, nil
	}
	pr.Success = true
	pr.PackageURL = fmt.Sprintf("%s/crates/%s/%s", p.webURL, m.Package.Name, m.Package.Version)
	return pr, nil
}

func (p *Plugin) Verify(ctx context.Context, version string) (*registry.VerificationResult, error) {
	m, err := p.readManifest()
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = m.Package.Version
	}
	endpoint := fmt.Sprintf("%s/crates/%s/%s", p.apiURL, url.PathEscape(m.Package.Name), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "packship (publish verification)")
	resp, err := p.client.Do(req)
	if err != nil {
		return &registry.VerificationResult{Version: version, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	vr := &registry.VerificationResult{Version: version}
	switch resp.StatusCode {
	case http.StatusOK:
		vr.Verified = true
		vr.URL = fmt.Sprintf("%s/crates/%s/%s", p.webURL, m.Package.Name, version)
	case http.StatusNotFound:
		vr.Error = fmt.Sprintf("version %s not found on crates.io", version)
	default:
		vr.Error = fmt.Sprintf("crates.io returned status %d", resp.StatusCode)
	}
	return vr, nil
}

// Rollback yanks the version. Yanked crates stay downloadable for
// existing lockfiles but stop resolving for new ones.
func (p *Plugin) Rollback(ctx context.Context, version string) (*registry.RollbackResult, error) {
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, nil, "cargo", "yank", "--version", version)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return &registry.RollbackResult{
			Success: false,
			Error:   strings.TrimSpace(res.Stderr),
		}, nil
	}
	return &registry.RollbackResult{
		Success: true,
		Message: fmt.Sprintf("yanked version %s; run `cargo yank --undo` to restore it", version),
	}, nil
}
