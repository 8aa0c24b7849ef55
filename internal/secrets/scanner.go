// Package secrets scans a project tree for credential-shaped strings
// before anything is uploaded to a registry.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Severity ranks how confident a detector is that its match is a real
// credential.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Finding is one suspected secret. Matched holds a masked rendering of
// the match; the raw text is never retained.
type Finding struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Detector string   `json:"detector"`
	Severity Severity `json:"severity"`
	Matched  string   `json:"matched"`
	// Note explains a severity downgrade, e.g. a placeholder value.
	Note string `json:"note,omitempty"`
}

// Report summarises one scan. Skipped lists every path excluded by the
// ignore rules or unreadable as text.
type Report struct {
	Findings     []Finding `json:"findings"`
	ScannedFiles int       `json:"scannedFiles"`
	Skipped      []string  `json:"skippedFiles"`
}

// HasSecrets reports whether any detector matched.
func (r *Report) HasSecrets() bool { return len(r.Findings) > 0 }

// Clean reports whether the scan found nothing.
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

type detector struct {
	name     string
	severity Severity
	re       *regexp.Regexp
	// generic detectors match by key name rather than token shape, so
	// their hits are graded for placeholder values before reporting.
	generic bool
}

var detectors = []detector{
	{"aws-access-key", SeverityCritical, regexp.MustCompile(`AKIA[0-9A-Z]{16}`), false},
	{"github-token", SeverityCritical, regexp.MustCompile(`gh[ps]_[A-Za-z0-9]{36,}`), false},
	{"npm-token", SeverityCritical, regexp.MustCompile(`npm_[A-Za-z0-9]{36,}`), false},
	{"pypi-token", SeverityCritical, regexp.MustCompile(`pypi-[A-Za-z0-9_-]{16,}`), false},
	{"slack-token", SeverityCritical, regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), false},
	{"private-key", SeverityCritical, regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), false},
	{"generic-api-key", SeverityHigh, regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*['"][A-Za-z0-9_-]{16,}['"]`), true},
	{"generic-secret", SeverityHigh, regexp.MustCompile(`(?i)(?:secret|password|passwd)\s*[:=]\s*['"][^'"\s]{8,}['"]`), true},
	{"bearer-token", SeverityHigh, regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.~+/-]{20,}`), true},
	{"base64-blob", SeverityMedium, regexp.MustCompile(`(?i)(?:key|token|secret)\s*[:=]\s*['"][A-Za-z0-9+/]{40,}={0,2}['"]`), true},
}

// ignoredDirs are never descended into.
var ignoredDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"vendor":       {},
	"target":       {},
	"dist":         {},
	"build":        {},
	"coverage":     {},
	"__pycache__":  {},
	".venv":        {},
}

// ignoredFiles are exact basenames that never carry real secrets worth
// blocking a publish over.
var ignoredFiles = map[string]struct{}{
	"package-lock.json": {},
	"yarn.lock":         {},
	"pnpm-lock.yaml":    {},
	"Cargo.lock":        {},
	"poetry.lock":       {},
	"go.sum":            {},
}

var ignoredSuffixes = []string{".min.js", ".map"}

var testFileRe = regexp.MustCompile(`(?i)(?:^|[._-])(?:test|spec)s?[._-]|_test\.go$|\.test\.|\.spec\.`)

// Scanner walks a directory tree applying every detector to every text
// file not excluded by the built-in or configured ignore rules.
type Scanner struct {
	ignoreGlobs []string
}

// NewScanner builds a Scanner. ignorePatterns are extra glob patterns
// (matched against the path relative to the scan root) to skip.
func NewScanner(ignorePatterns []string) *Scanner {
	return &Scanner{ignoreGlobs: ignorePatterns}
}

// Scan walks root iteratively and returns every finding. Files that
// cannot be read or are not text are counted as skipped, never fatal.
func (s *Scanner) Scan(root string) (*Report, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	report := &Report{}
	// Explicit worklist instead of recursion so pathological directory
	// depth cannot exhaust the stack.
	work := []string{root}
	for len(work) > 0 {
		dir := work[len(work)-1]
		work = work[:len(work)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if rel, relErr := filepath.Rel(root, dir); relErr == nil {
				report.Skipped = append(report.Skipped, rel)
			}
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			rel, relErr := filepath.Rel(root, full)
			if relErr != nil {
				rel = entry.Name()
			}
			if entry.IsDir() {
				if _, skip := ignoredDirs[entry.Name()]; skip {
					continue
				}
				if s.matchesIgnoreGlob(rel) {
					continue
				}
				work = append(work, full)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			if s.skipFile(entry.Name(), rel) {
				report.Skipped = append(report.Skipped, rel)
				continue
			}
			findings, ok := scanFile(full, rel)
			if !ok {
				report.Skipped = append(report.Skipped, rel)
				continue
			}
			report.ScannedFiles++
			report.Findings = append(report.Findings, findings...)
		}
	}
	return report, nil
}

func (s *Scanner) skipFile(base, rel string) bool {
	if _, skip := ignoredFiles[base]; skip {
		return true
	}
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	if testFileRe.MatchString(base) {
		return true
	}
	return s.matchesIgnoreGlob(rel)
}

func (s *Scanner) matchesIgnoreGlob(rel string) bool {
	for _, pattern := range s.ignoreGlobs {
		if ok, err := filepath.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(pattern, filepath.Base(rel)); err == nil && ok {
			return true
		}
	}
	return false
}

func scanFile(path, rel string) ([]Finding, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if isBinary(data) {
		return nil, false
	}
	var findings []Finding
	for lineNo, line := range strings.Split(string(data), "\n") {
		for _, d := range detectors {
			match := d.re.FindString(line)
			if match == "" {
				continue
			}
			f := Finding{
				File:     rel,
				Line:     lineNo + 1,
				Detector: d.name,
				Severity: d.severity,
				Matched:  Mask(match),
			}
			if d.generic {
				if v := ValidateToken(credentialValue(match)); !v.LikelyReal {
					f.Severity = SeverityLow
					f.Note = "likely placeholder: " + v.Reason
				}
			}
			findings = append(findings, f)
		}
	}
	return findings, true
}

// credentialValue strips the key name off a generic match: the quoted
// run if there is one, otherwise the last whitespace-separated field.
func credentialValue(match string) string {
	for _, quote := range []string{`"`, `'`} {
		first := strings.Index(match, quote)
		last := strings.LastIndex(match, quote)
		if first >= 0 && last > first {
			return match[first+1 : last]
		}
	}
	fields := strings.Fields(match)
	if len(fields) == 0 {
		return match
	}
	return fields[len(fields)-1]
}

// isBinary treats any NUL byte in the first 8 KiB as binary content.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}

// Mask renders a matched secret for display: short matches collapse
// entirely, longer ones keep five characters at each end.
func Mask(match string) string {
	if len(match) <= 10 {
		return "****"
	}
	return match[:5] + "..." + match[len(match)-5:]
}
