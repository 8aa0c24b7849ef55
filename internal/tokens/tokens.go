// Package tokens resolves registry credentials from the environment and
// masks them for display. Tokens are handed to callers as a lookup
// capability; nothing in the workflow reads the environment directly.
package tokens

import "os"

// envVars maps a registry name to the environment variable holding its
// publish token.
var envVars = map[string]string{
	"npm":       "NPM_TOKEN",
	"crates.io": "CARGO_REGISTRY_TOKEN",
	"pypi":      "PYPI_TOKEN",
	"homebrew":  "HOMEBREW_GITHUB_API_TOKEN",
}

// EnvVar returns the environment variable consulted for a registry.
func EnvVar(registry string) (string, bool) {
	v, ok := envVars[registry]
	return v, ok
}

// FromEnv returns a lookup that reads tokens from the process
// environment at call time. Unknown registries and empty variables
// report absence.
func FromEnv() func(registry string) (string, bool) {
	return func(registry string) (string, bool) {
		name, ok := envVars[registry]
		if !ok {
			return "", false
		}
		v := os.Getenv(name)
		if v == "" {
			return "", false
		}
		return v, true
	}
}

// Static returns a lookup backed by a fixed map, for tests and batch
// runs that snapshot credentials up front.
func Static(byRegistry map[string]string) func(registry string) (string, bool) {
	return func(registry string) (string, bool) {
		v, ok := byRegistry[registry]
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}
}

// Mask renders a token safe for logs: short tokens collapse entirely,
// longer ones keep three characters at each end.
func Mask(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:3] + "..." + token[len(token)-3:]
}
