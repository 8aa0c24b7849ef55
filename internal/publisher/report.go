package publisher

import (
	"time"

	"packship/internal/registry"
	"packship/internal/state"
)

// Report is the single outcome type of a publish run. Publish never
// panics or returns a bare error; everything lands here.
type Report struct {
	Success     bool                   `json:"success"`
	State       state.State            `json:"state"`
	Registry    string                 `json:"registry,omitempty"`
	PackageName string                 `json:"packageName,omitempty"`
	Version     string                 `json:"version,omitempty"`
	PackageURL  string                 `json:"packageUrl,omitempty"`
	Code        Code                   `json:"code,omitempty"`
	Errors      []string               `json:"errors,omitempty"`
	Warnings    []string               `json:"warnings,omitempty"`
	Duration    time.Duration          `json:"duration"`
	DryRun      *registry.DryRunResult `json:"dryRun,omitempty"`
	Resumed     bool                   `json:"resumed,omitempty"`
}

func (r *Report) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func (r *Report) fail(err *Error) *Report {
	r.Success = false
	r.State = state.Failed
	r.Code = err.Code
	if err.Registry != "" && r.Registry == "" {
		r.Registry = err.Registry
	}
	r.Errors = append(r.Errors, err.Message)
	return r
}
