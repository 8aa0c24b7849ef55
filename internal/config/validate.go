package config

import (
	"fmt"
	"strings"
)

// ValidationError ties a config problem to the field that caused it.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// builtinRegistries are always acceptable names in the registries map.
// Custom plugin registries are checked at load time, not here, since
// validation runs before plugins are loaded.
var builtinRegistries = map[string]struct{}{
	"npm":       {},
	"crates.io": {},
	"pypi":      {},
	"homebrew":  {},
}

var accessValues = map[string]struct{}{"": {}, "public": {}, "restricted": {}}

// Validate returns every problem found, not just the first one.
func Validate(c *Config, knownRegistries []string) []ValidationError {
	var errs []ValidationError

	if c.Version != "1" {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported config version %q; expected \"1\"", c.Version),
		})
	}

	known := make(map[string]struct{}, len(builtinRegistries)+len(knownRegistries))
	for name := range builtinRegistries {
		known[name] = struct{}{}
	}
	for _, name := range knownRegistries {
		known[name] = struct{}{}
	}
	for name, opts := range c.Registries {
		field := "registries." + name
		if _, ok := known[name]; !ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "unknown registry; add a plugin definition or remove this entry",
			})
		}
		if _, ok := accessValues[opts.Access]; !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".access",
				Message: fmt.Sprintf("access must be public or restricted, got %q", opts.Access),
			})
		}
		if name == "homebrew" && opts.Tap != "" && !strings.Contains(opts.Tap, "/") {
			errs = append(errs, ValidationError{
				Field:   field + ".tap",
				Message: "tap must be owner/name form",
			})
		}
	}

	switch c.Publish.DryRun {
	case DryRunFirst, DryRunAlways, DryRunNever:
	default:
		errs = append(errs, ValidationError{
			Field:   "publish.dryRun",
			Message: fmt.Sprintf("must be first, always, or never, got %q", c.Publish.DryRun),
		})
	}
	if c.Publish.Retry.MaxAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "publish.retry.maxAttempts",
			Message: "must not be negative",
		})
	}

	errs = append(errs, validateHooks("hooks.preBuild", c.Hooks.PreBuild)...)
	errs = append(errs, validateHooks("hooks.prePublish", c.Hooks.PrePublish)...)
	errs = append(errs, validateHooks("hooks.postPublish", c.Hooks.PostPublish)...)
	errs = append(errs, validateHooks("hooks.onError", c.Hooks.OnError)...)

	for i, ref := range c.Plugins {
		if ref.Path == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("plugins[%d].path", i),
				Message: "path is required",
			})
		}
	}

	return errs
}

func validateHooks(prefix string, hooks []Hook) []ValidationError {
	var errs []ValidationError
	for i, h := range hooks {
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if strings.TrimSpace(h.Command) == "" {
			errs = append(errs, ValidationError{Field: field + ".command", Message: "command is required"})
		}
		if len(h.AllowedCommands) == 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".allowedCommands",
				Message: "allowedCommands is required; hooks without an allow list never run",
			})
		}
		if h.Timeout < 0 {
			errs = append(errs, ValidationError{Field: field + ".timeout", Message: "must not be negative"})
		}
	}
	return errs
}
