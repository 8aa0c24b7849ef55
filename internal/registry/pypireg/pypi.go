// Package pypireg publishes Python distributions to PyPI via twine.
package pypireg

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"packship/internal/registry"
)

const Name = "pypi"

type pyprojectManifest struct {
	Project struct {
		Name        string `toml:"name"`
		Version     string `toml:"version"`
		Description string `toml:"description"`
	} `toml:"project"`
}

// Plugin implements registry.Plugin for PyPI. Publishing uploads the
// artifacts already built into dist/; it never builds them itself.
type Plugin struct {
	deps   registry.Deps
	apiURL string
	webURL string
	client *http.Client
}

// New builds the PyPI plugin. It satisfies registry.Factory.
func New(deps registry.Deps) registry.Plugin {
	return &Plugin{
		deps:   deps,
		apiURL: "https://pypi.org/pypi",
		webURL: "https://pypi.org/project",
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

func (p *Plugin) readManifest() (*pyprojectManifest, error) {
	data, err := os.ReadFile(filepath.Join(p.deps.ProjectPath, "pyproject.toml"))
	if err != nil {
		return nil, err
	}
	var m pyprojectManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse pyproject.toml: %w", err)
	}
	return &m, nil
}

// Detect reports a pyproject.toml or setup.py in the project root.
func (p *Plugin) Detect(ctx context.Context) (bool, error) {
	for _, name := range []string{"pyproject.toml", "setup.py"} {
		if _, err := os.Stat(filepath.Join(p.deps.ProjectPath, name)); err == nil {
			return true, nil
		} else if !os.IsNotExist(err) {
			return false, err
		}
	}
	return false, nil
}

func (p *Plugin) Validate(ctx context.Context) (*registry.ValidationResult, error) {
	res := &registry.ValidationResult{}
	m, err := p.readManifest()
	if err != nil {
		if os.IsNotExist(err) {
			// setup.py-only projects carry metadata in code we cannot
			// inspect statically.
			res.Issues = append(res.Issues, registry.Issue{
				Field: "pyproject.toml", Message: "no pyproject.toml; metadata cannot be validated before upload", Severity: registry.SeverityWarning,
			})
			res.Valid = true
			return res, nil
		}
		return nil, err
	}
	res.Metadata = registry.Metadata{Name: m.Project.Name, Version: m.Project.Version, Description: m.Project.Description}
	if m.Project.Name == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "project.name", Message: "project name is required", Severity: registry.SeverityError,
		})
	}
	if m.Project.Version == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "project.version", Message: "project version is required (dynamic versions are not supported)", Severity: registry.SeverityError,
		})
	}
	if dists, err := p.distFiles(); err != nil || len(dists) == 0 {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "dist", Message: "no artifacts in dist/; run `python -m build` first", Severity: registry.SeverityError,
		})
	}
	if p.deps.Creds != nil {
		if _, ok := p.deps.Creds(Name); !ok {
			res.Issues = append(res.Issues, registry.Issue{
				Field: "credentials", Message: "PYPI_TOKEN is not set; twine will prompt or use keyring", Severity: registry.SeverityWarning,
			})
		}
	}
	res.Valid = len(res.Errors()) == 0
	return res, nil
}

// distFiles lists uploadable artifacts in dist/, sorted for stable
// argv ordering.
func (p *Plugin) distFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.deps.ProjectPath, "dist"))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".whl") || strings.HasSuffix(name, ".tar.gz") {
			files = append(files, filepath.Join("dist", name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Plugin) DryRun(ctx context.Context) (*registry.DryRunResult, error) {
	files, err := p.distFiles()
	if err != nil || len(files) == 0 {
		return &registry.DryRunResult{
			Success: false,
			Errors:  []string{"no artifacts in dist/; run `python -m build` first"},
		}, nil
	}
	args := append([]string{"check"}, files...)
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, nil, "twine", args...)
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
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	version := ""
	name := ""
	if m != nil {
		version = m.Project.Version
		name = m.Project.Name
	}
	files, err := p.distFiles()
	if err != nil || len(files) == 0 {
		return &registry.PublishResult{
			Version: version,
			Error:   "no artifacts in dist/; run `python -m build` first",
		}, nil
	}
	args := []string{"upload", "--non-interactive", "--disable-progress-bar"}
	args = append(args, files...)
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, p.tokenEnv(), "twine", args...)
	if err != nil {
		return nil, err
	}
	pr := &registry.PublishResult{Version: version, Output: res.Stdout}
	if !res.Ok() {
		pr.Error = strings.TrimSpace(res.Stderr)
		if pr.Error == "" {
			pr.Error = fmt.Sprintf("twine upload exited with code %d", res.ExitCode)
		}
		return pr, nil
	}
	pr.Success = true
	if name != "" {
		pr.PackageURL = fmt.Sprintf("%s/%s/%s/", p.webURL, name, version)
	}
	return pr, nil
}

// tokenEnv hands the publish token to twine through its environment so
// the raw value never appears on a command line.
func (p *Plugin) tokenEnv() []string {
	if p.deps.Creds == nil {
		return nil
	}
	token, ok := p.deps.Creds(Name)
	if !ok {
		return nil
	}
	return []string{"TWINE_USERNAME=__token__", "TWINE_PASSWORD=" + token}
}

func (p *Plugin) Verify(ctx context.Context, version string) (*registry.VerificationResult, error) {
	m, err := p.readManifest()
	if err != nil {
		if os.IsNotExist(err) {
			return &registry.VerificationResult{
				Version: version,
				Error:   "no pyproject.toml; cannot determine project name for verification",
			}, nil
		}
		return nil, err
	}
	if version == "" {
		version = m.Project.Version
	}
	endpoint := fmt.Sprintf("%s/%s/%s/json", p.apiURL, url.PathEscape(m.Project.Name), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return &registry.VerificationResult{Version: version, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	vr := &registry.VerificationResult{Version: version}
	switch resp.StatusCode {
	case http.StatusOK:
		vr.Verified = true
		vr.URL = fmt.Sprintf("%s/%s/%s/", p.webURL, m.Project.Name, version)
	case http.StatusNotFound:
		vr.Error = fmt.Sprintf("version %s not found on PyPI", version)
	default:
		vr.Error = fmt.Sprintf("PyPI returned status %d", resp.StatusCode)
	}
	return vr, nil
}

// Rollback is not possible on PyPI; uploaded files are immutable and a
// version number can never be reused.
func (p *Plugin) Rollback(ctx context.Context, version string) (*registry.RollbackResult, error) {
	return &registry.RollbackResult{
		Success: false,
		Message: fmt.Sprintf("PyPI uploads are immutable; yank version %s from the project management page instead", version),
	}, nil
}
