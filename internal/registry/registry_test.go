package registry

import (
	"context"
	"errors"
	"testing"
)

type stubPlugin struct {
	name      string
	detected  bool
	detectErr error
}

func (s *stubPlugin) Name() string                            { return s.name }
func (s *stubPlugin) Detect(context.Context) (bool, error)    { return s.detected, s.detectErr }
func (s *stubPlugin) Validate(context.Context) (*ValidationResult, error) {
	return &ValidationResult{Valid: true}, nil
}
func (s *stubPlugin) DryRun(context.Context) (*DryRunResult, error) {
	return &DryRunResult{Success: true}, nil
}
func (s *stubPlugin) Publish(context.Context, PublishOptions) (*PublishResult, error) {
	return &PublishResult{Success: true}, nil
}
func (s *stubPlugin) Verify(context.Context, string) (*VerificationResult, error) {
	return &VerificationResult{Verified: true}, nil
}
func (s *stubPlugin) Rollback(context.Context, string) (*RollbackResult, error) {
	return &RollbackResult{Success: false}, nil
}

func stubFactory(p *stubPlugin) Factory {
	return func(Deps) Plugin { return p }
}

func TestRegisterPreservesOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"npm", "crates.io", "pypi"} {
		r.Register(name, stubFactory(&stubPlugin{name: name}))
	}
	names := r.Names()
	want := []string{"npm", "crates.io", "pypi"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	// Re-registration keeps the original slot.
	r.Register("npm", stubFactory(&stubPlugin{name: "npm"}))
	if got := r.Names(); len(got) != 3 || got[0] != "npm" {
		t.Errorf("names after re-register = %v", got)
	}
}

func TestNewUnknownRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("docker", Deps{}); err == nil {
		t.Error("expected error for unknown registry")
	}
}

func TestDetectFiltersAndSkipsErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("npm", stubFactory(&stubPlugin{name: "npm", detected: true}))
	r.Register("crates.io", stubFactory(&stubPlugin{name: "crates.io", detectErr: errors.New("boom")}))
	r.Register("pypi", stubFactory(&stubPlugin{name: "pypi", detected: false}))
	r.Register("homebrew", stubFactory(&stubPlugin{name: "homebrew", detected: true}))

	detected, err := r.Detect(context.Background(), Deps{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(detected) != 2 {
		t.Fatalf("detected %d plugins, want 2", len(detected))
	}
	if detected[0].Name() != "npm" || detected[1].Name() != "homebrew" {
		t.Errorf("detected = [%s, %s], want [npm, homebrew]", detected[0].Name(), detected[1].Name())
	}
}

func TestValidationResultPartition(t *testing.T) {
	v := &ValidationResult{Issues: []Issue{
		{Field: "name", Severity: SeverityError, Message: "missing"},
		{Field: "description", Severity: SeverityWarning, Message: "empty"},
	}}
	if len(v.Errors()) != 1 || v.Errors()[0].Field != "name" {
		t.Errorf("errors = %v", v.Errors())
	}
	if len(v.Warnings()) != 1 || v.Warnings()[0].Field != "description" {
		t.Errorf("warnings = %v", v.Warnings())
	}
}
