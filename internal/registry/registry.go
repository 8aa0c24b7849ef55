// Package registry defines the contract a package registry integration
// must satisfy and the registry of available integrations.
package registry

import (
	"context"
	"fmt"

	"packship/internal/command"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation problem, tied to the manifest field that
// caused it.
type Issue struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Metadata describes the package under publish as read from its
// manifest.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// ValidationResult reports whether the package may be published.
// Warnings never block a publish on their own.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Issues   []Issue  `json:"issues,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Errors returns only the blocking issues.
func (v *ValidationResult) Errors() []Issue {
	var out []Issue
	for _, i := range v.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Warnings returns only the non-blocking issues.
func (v *ValidationResult) Warnings() []Issue {
	var out []Issue
	for _, i := range v.Issues {
		if i.Severity == SeverityWarning {
			out = append(out, i)
		}
	}
	return out
}

// DryRunResult reports a simulated publish.
type DryRunResult struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output,omitempty"`
	EstimatedSize string   `json:"estimatedSize,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// PublishOptions carry per-run knobs through to the registry tool.
type PublishOptions struct {
	OTP            string
	Tag            string
	Access         string
	NonInteractive bool
}

// PublishResult reports the actual upload.
type PublishResult struct {
	Success    bool   `json:"success"`
	Version    string `json:"version,omitempty"`
	PackageURL string `json:"packageUrl,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VerificationResult reports whether the published version is visible
// on the registry.
type VerificationResult struct {
	Verified bool   `json:"verified"`
	Version  string `json:"version,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RollbackResult reports an attempted rollback. Registries that cannot
// undo a publish return Success false with guidance in Message.
type RollbackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Plugin is one registry integration. Implementations are bound to a
// single project directory at construction time.
type Plugin interface {
	// Name is the canonical registry name, e.g. "npm" or "crates.io".
	Name() string
	// Detect reports whether the project looks publishable to this
	// registry, typically by manifest presence.
	Detect(ctx context.Context) (bool, error)
	// Validate checks the manifest and returns every issue found.
	Validate(ctx context.Context) (*ValidationResult, error)
	// DryRun simulates the publish without uploading anything.
	DryRun(ctx context.Context) (*DryRunResult, error)
	// Publish performs the upload.
	Publish(ctx context.Context, opts PublishOptions) (*PublishResult, error)
	// Verify confirms the version is reachable on the registry.
	Verify(ctx context.Context, version string) (*VerificationResult, error)
	// Rollback attempts to withdraw a published version.
	Rollback(ctx context.Context, version string) (*RollbackResult, error)
}

// Credentials resolves a publish token for a registry. Absence is not
// an error; plugins decide whether a missing token blocks them.
type Credentials func(registry string) (string, bool)

// Deps are handed to every plugin factory.
type Deps struct {
	ProjectPath string
	Exec        command.Runner
	Creds       Credentials
}

// Factory constructs a plugin bound to a project.
type Factory func(deps Deps) Plugin

// Registry holds the available integrations in registration order.
type Registry struct {
	order     []string
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under name. Re-registering a name replaces
// the factory but keeps its original position.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Names lists registered registries in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// New constructs the named plugin for a project.
func (r *Registry) New(name string, deps Deps) (Plugin, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown registry %q (known: %v)", name, r.order)
	}
	return f(deps), nil
}

// Detect instantiates every registered plugin and returns, in
// registration order, those whose Detect reports a match. A plugin
// whose Detect errors is skipped, not fatal.
func (r *Registry) Detect(ctx context.Context, deps Deps) ([]Plugin, error) {
	var detected []Plugin
	for _, name := range r.order {
		p := r.factories[name](deps)
		ok, err := p.Detect(ctx)
		if err != nil {
			continue
		}
		if ok {
			detected = append(detected, p)
		}
	}
	return detected, nil
}
