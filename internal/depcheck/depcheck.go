// Package depcheck analyzes declared package dependencies for risky
// version requirements and known-bad packages before a publish.
package depcheck

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Severity ranks a dependency issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Dependency is one declared requirement.
type Dependency struct {
	Name        string `json:"name"`
	Requirement string `json:"requirement"`
	Dev         bool   `json:"dev"`
}

// Issue flags a problem with one dependency.
type Issue struct {
	Dependency  string   `json:"dependency"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Result is the outcome of checking one manifest.
type Result struct {
	Manifest     string       `json:"manifest"`
	Dependencies []Dependency `json:"dependencies"`
	Issues       []Issue      `json:"issues"`
}

// DevCount returns how many dependencies are dev-only.
func (r *Result) DevCount() int {
	n := 0
	for _, d := range r.Dependencies {
		if d.Dev {
			n++
		}
	}
	return n
}

// knownVulnerable is a small built-in denylist. Registry audit tooling
// (npm audit, cargo audit) remains the authoritative source.
var knownVulnerable = map[string]Severity{
	"event-stream": SeverityCritical,
}

// Check probes projectPath for supported manifests and analyzes each
// one found, in a stable order.
func Check(projectPath string) ([]*Result, error) {
	var results []*Result
	if path := filepath.Join(projectPath, "package.json"); exists(path) {
		r, err := CheckNPM(path)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if path := filepath.Join(projectPath, "Cargo.toml"); exists(path) {
		r, err := CheckCargo(path)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CheckNPM analyzes a package.json.
func CheckNPM(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	r := &Result{Manifest: "package.json"}
	for _, name := range sortedKeys(m.Dependencies) {
		req := m.Dependencies[name]
		r.Dependencies = append(r.Dependencies, Dependency{Name: name, Requirement: req})
		if req == "*" || req == "" {
			r.Issues = append(r.Issues, Issue{
				Dependency:  name,
				Severity:    SeverityMedium,
				Description: "wildcard version requirement",
			})
		}
	}
	for _, name := range sortedKeys(m.DevDependencies) {
		req := m.DevDependencies[name]
		r.Dependencies = append(r.Dependencies, Dependency{Name: name, Requirement: req, Dev: true})
		if req == "*" || req == "" {
			r.Issues = append(r.Issues, Issue{
				Dependency:  name,
				Severity:    SeverityLow,
				Description: "wildcard version requirement in devDependencies",
			})
		}
	}
	r.Issues = append(r.Issues, vulnerabilities(r.Dependencies)...)
	return r, nil
}

// CheckCargo analyzes a Cargo.toml. A dependency value may be a plain
// requirement string or a table with a version key.
func CheckCargo(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m struct {
		Dependencies    map[string]any `toml:"dependencies"`
		DevDependencies map[string]any `toml:"dev-dependencies"`
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	r := &Result{Manifest: "Cargo.toml"}
	for _, name := range sortedKeys(m.Dependencies) {
		req := cargoRequirement(m.Dependencies[name])
		r.Dependencies = append(r.Dependencies, Dependency{Name: name, Requirement: req})
		if req == "*" {
			r.Issues = append(r.Issues, Issue{
				Dependency:  name,
				Severity:    SeverityMedium,
				Description: "wildcard version requirement",
			})
		}
	}
	for _, name := range sortedKeys(m.DevDependencies) {
		req := cargoRequirement(m.DevDependencies[name])
		r.Dependencies = append(r.Dependencies, Dependency{Name: name, Requirement: req, Dev: true})
	}
	r.Issues = append(r.Issues, vulnerabilities(r.Dependencies)...)
	return r, nil
}

func cargoRequirement(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if version, ok := v["version"].(string); ok {
			return version
		}
	}
	return "*"
}

func vulnerabilities(deps []Dependency) []Issue {
	var issues []Issue
	for _, d := range deps {
		if severity, ok := knownVulnerable[d.Name]; ok {
			issues = append(issues, Issue{
				Dependency:  d.Name,
				Severity:    severity,
				Description: "known vulnerable package",
			})
		}
	}
	return issues
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
