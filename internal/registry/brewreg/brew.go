// Package brewreg publishes Homebrew formulae. The project is treated
// as a tap checkout: publishing audits the formula and pushes the tap.
package brewreg

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"packship/internal/registry"
)

const Name = "homebrew"

var (
	classRe   = regexp.MustCompile(`class\s+([A-Za-z0-9]+)\s*<\s*Formula`)
	urlRe     = regexp.MustCompile(`(?m)^\s*url\s+"([^"]+)"`)
	sha256Re  = regexp.MustCompile(`(?m)^\s*sha256\s+"([0-9a-f]{64})"`)
	versionRe = regexp.MustCompile(`(?m)^\s*version\s+"([^"]+)"`)
	// Versions commonly live in the tarball URL rather than a version
	// stanza.
	urlVersionRe = regexp.MustCompile(`[/-]v?(\d+\.\d+(?:\.\d+)?)`)
)

// Plugin implements registry.Plugin for a Homebrew tap.
type Plugin struct {
	deps   registry.Deps
	apiURL string
	client *http.Client
}

// New builds the Homebrew plugin. It satisfies registry.Factory.
func New(deps registry.Deps) registry.Plugin {
	return &Plugin{
		deps:   deps,
		apiURL: "https://formulae.brew.sh/api/formula",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithEndpoints overrides the formulae API endpoint, for tests.
func (p *Plugin) WithEndpoints(apiURL string, client *http.Client) *Plugin {
	p.apiURL = strings.TrimRight(apiURL, "/")
	if client != nil {
		p.client = client
	}
	return p
}

func (p *Plugin) Name() string { return Name }

// formulaPath finds the first formula file, preferring Formula/ over
// loose .rb files in the project root.
func (p *Plugin) formulaPath() (string, error) {
	for _, dir := range []string{filepath.Join(p.deps.ProjectPath, "Formula"), p.deps.ProjectPath} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".rb") {
				continue
			}
			full := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			if classRe.Match(data) {
				return full, nil
			}
		}
	}
	return "", os.ErrNotExist
}

func (p *Plugin) Detect(ctx context.Context) (bool, error) {
	_, err := p.formulaPath()
	if err != nil {
		return false, nil
	}
	return true, nil
}

type formula struct {
	path    string
	name    string
	url     string
	sha256  string
	version string
}

func (p *Plugin) readFormula() (*formula, error) {
	path, err := p.formulaPath()
	if err != nil {
		return nil, fmt.Errorf("no formula file found: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := string(data)
	f := &formula{path: path}
	f.name = strings.TrimSuffix(filepath.Base(path), ".rb")
	if m := urlRe.FindStringSubmatch(text); m != nil {
		f.url = m[1]
	}
	if m := sha256Re.FindStringSubmatch(text); m != nil {
		f.sha256 = m[1]
	}
	if m := versionRe.FindStringSubmatch(text); m != nil {
		f.version = m[1]
	} else if m := urlVersionRe.FindStringSubmatch(f.url); m != nil {
		f.version = m[1]
	}
	return f, nil
}

func (p *Plugin) Validate(ctx context.Context) (*registry.ValidationResult, error) {
	f, err := p.readFormula()
	if err != nil {
		return nil, err
	}
	res := &registry.ValidationResult{
		Metadata: registry.Metadata{Name: f.name, Version: f.version},
	}
	if f.url == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "url", Message: "formula has no url stanza", Severity: registry.SeverityError,
		})
	}
	if f.sha256 == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "sha256", Message: "formula has no sha256 stanza", Severity: registry.SeverityError,
		})
	}
	if f.version == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "version", Message: "could not determine a version from the formula", Severity: registry.SeverityWarning,
		})
	}
	res.Valid = len(res.Errors()) == 0
	return res, nil
}

// DryRun audits the formula with brew.
func (p *Plugin) DryRun(ctx context.Context) (*registry.DryRunResult, error) {
	f, err := p.readFormula()
	if err != nil {
		return nil, err
	}
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, nil, "brew", "audit", "--strict", f.path)
	if err != nil {
		return nil, err
	}
	dr := &registry.DryRunResult{Success: res.Ok(), Output: res.Stdout + res.Stderr}
	if !dr.Success {
		dr.Errors = append(dr.Errors, strings.TrimSpace(res.Stderr))
	}
	return dr, nil
}

// Publish pushes the tap checkout. The formula change is expected to be
// committed already; publishing a tap is making that commit public.
func (p *Plugin) Publish(ctx context.Context, opts registry.PublishOptions) (*registry.PublishResult, error) {
	f, err := p.readFormula()
	if err != nil {
		return nil, err
	}
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, nil, "git", "push", "origin", "HEAD")
	if err != nil {
		return nil, err
	}
	pr := &registry.PublishResult{Version: f.version, Output: res.Stdout + res.Stderr}
	if !res.Ok() {
		pr.Error = strings.TrimSpace(res.Stderr)
		if pr.Error == "" {
			pr.Error = fmt.Sprintf("git push exited with code %d", res.ExitCode)
		}
		return pr, nil
	}
	pr.Success = true
	return pr, nil
}

// Verify checks the public formulae API. Third-party taps are not
// indexed there, so absence is reported as unverified, not failure.
func (p *Plugin) Verify(ctx context.Context, version string) (*registry.VerificationResult, error) {
	f, err := p.readFormula()
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = f.version
	}
	endpoint := fmt.Sprintf("%s/%s.json", p.apiURL, url.PathEscape(f.name))
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
		vr.URL = fmt.Sprintf("https://formulae.brew.sh/formula/%s", f.name)
	case http.StatusNotFound:
		vr.Error = fmt.Sprintf("formula %s not indexed by formulae.brew.sh (expected for third-party taps)", f.name)
	default:
		vr.Error = fmt.Sprintf("formulae API returned status %d", resp.StatusCode)
	}
	return vr, nil
}

// Rollback needs a revert commit in the tap; we do not rewrite history
// on behalf of the user.
func (p *Plugin) Rollback(ctx context.Context, version string) (*registry.RollbackResult, error) {
	return &registry.RollbackResult{
		Success: false,
		Message: fmt.Sprintf("revert the formula commit for version %s in the tap and push again", version),
	}, nil
}
