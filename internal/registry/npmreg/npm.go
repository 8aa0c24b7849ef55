// Package npmreg publishes to the npm registry via the npm CLI.
package npmreg

import (
	"context"
	"encoding/json"
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

const Name = "npm"

const manifestFile = "package.json"

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)

type manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
}

// Plugin implements registry.Plugin for npm.
type Plugin struct {
	deps        registry.Deps
	registryURL string
	webURL      string
	client      *http.Client
}

// New builds the npm plugin. It satisfies registry.Factory.
func New(deps registry.Deps) registry.Plugin {
	return &Plugin{
		deps:        deps,
		registryURL: "https://registry.npmjs.org",
		webURL:      "https://www.npmjs.com",
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// WithEndpoints overrides registry endpoints, for tests.
func (p *Plugin) WithEndpoints(registryURL, webURL string, client *http.Client) *Plugin {
	p.registryURL = strings.TrimRight(registryURL, "/")
	p.webURL = strings.TrimRight(webURL, "/")
	if client != nil {
		p.client = client
	}
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) manifestPath() string {
	return filepath.Join(p.deps.ProjectPath, manifestFile)
}

func (p *Plugin) readManifest() (*manifest, error) {
	data, err := os.ReadFile(p.manifestPath())
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
	}
	return &m, nil
}

// Detect reports a parsable package.json in the project root.
func (p *Plugin) Detect(ctx context.Context) (bool, error) {
	if _, err := os.Stat(p.manifestPath()); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := p.readManifest(); err != nil {
		return false, nil
	}
	return true, nil
}

func (p *Plugin) Validate(ctx context.Context) (*registry.ValidationResult, error) {
	m, err := p.readManifest()
	if err != nil {
		return nil, err
	}
	res := &registry.ValidationResult{
		Metadata: registry.Metadata{Name: m.Name, Version: m.Version, Description: m.Description},
	}
	if m.Name == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "name", Message: "package name is required", Severity: registry.SeverityError,
		})
	}
	if m.Version == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "version", Message: "version is required", Severity: registry.SeverityError,
		})
	} else if !semverRe.MatchString(m.Version) {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "version", Message: fmt.Sprintf("version %q is not valid semver", m.Version), Severity: registry.SeverityError,
		})
	}
	if m.Private {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "private", Message: "package is marked private and cannot be published", Severity: registry.SeverityError,
		})
	}
	if m.Description == "" {
		res.Issues = append(res.Issues, registry.Issue{
			Field: "description", Message: "description is empty", Severity: registry.SeverityWarning,
		})
	}
	if p.deps.Creds != nil {
		if _, ok := p.deps.Creds(Name); !ok {
			res.Issues = append(res.Issues, registry.Issue{
				Field: "credentials", Message: "NPM_TOKEN is not set; npm will rely on existing login", Severity: registry.SeverityWarning,
			})
		}
	}
	res.Valid = len(res.Errors()) == 0
	return res, nil
}

var sizeRe = regexp.MustCompile(`package size:\s*([0-9.]+\s*[kMG]?B)`)

func (p *Plugin) DryRun(ctx context.Context) (*registry.DryRunResult, error) {
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, p.tokenEnv(), "npm", "publish", "--dry-run")
	if err != nil {
		return nil, err
	}
	out := res.Stdout + res.Stderr
	dr := &registry.DryRunResult{Success: res.Ok(), Output: out}
	if m := sizeRe.FindStringSubmatch(out); m != nil {
		dr.EstimatedSize = m[1]
	}
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
	if opts.Tag != "" {
		args = append(args, "--tag", opts.Tag)
	}
	if opts.Access != "" {
		args = append(args, "--access", opts.Access)
	}
	if opts.OTP != "" {
		args = append(args, "--otp", opts.OTP)
	}
	res, err := p.deps.Exec.Run(ctx, p.deps.ProjectPath, p.tokenEnv(), "npm", args...)
	if err != nil {
		return nil, err
	}
	pr := &registry.PublishResult{Version: m.Version, Output: res.Stdout}
	if !res.Ok() {
		pr.Error = strings.TrimSpace(res.Stderr)
		if pr.Error == "" {
			pr.Error = fmt.Sprintf("npm publish exited with code %d", res.ExitCode)
		}
		return pr, nil
	}
	pr.Success = true
	pr.PackageURL = fmt.Sprintf("%s/package/%s/v/%s", p.webURL, m.Name, m.Version)
	return pr, nil
}

// tokenEnv exposes the publish token to the npm CLI without touching
// .npmrc on disk.
func (p *Plugin) tokenEnv() []string {
	if p.deps.Creds == nil {
		return nil
	}
	token, ok := p.deps.Creds(Name)
	if !ok {
		return nil
	}
	return []string{"NPM_TOKEN=" + token, "npm_config_//registry.npmjs.org/:_authToken=" + token}
}

// Verify checks the registry metadata endpoint for the version.
func (p *Plugin) Verify(ctx context.Context, version string) (*registry.VerificationResult, error) {
	m, err := p.readManifest()
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = m.Version
	}
	endpoint := fmt.Sprintf("%s/%s/%s", p.registryURL, url.PathEscape(m.Name), url.PathEscape(version))
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
		vr.URL = fmt.Sprintf("%s/package/%s/v/%s", p.webURL, m.Name, version)
	case http.StatusNotFound:
		vr.Error = fmt.Sprintf("version %s not found on the registry", version)
	default:
		vr.Error = fmt.Sprintf("registry returned status %d", resp.StatusCode)
	}
	return vr, nil
}

// Rollback cannot unpublish safely; npm restricts unpublish after 72
// hours and for packages with dependents, so we point at deprecation.
func (p *Plugin) Rollback(ctx context.Context, version string) (*registry.RollbackResult, error) {
	return &registry.RollbackResult{
		Success: false,
		Message: fmt.Sprintf("npm does not support automated unpublish; run `npm deprecate <pkg>@%s \"reason\"` instead", version),
	}, nil
}
