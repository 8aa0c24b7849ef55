package publisher

import "fmt"

// Code classifies a publish failure so callers and the CLI can react
// without parsing message text.
type Code string

const (
	CodeRegistryNotDetected Code = "REGISTRY_NOT_DETECTED"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeSecretsDetected     Code = "SECRETS_DETECTED"
	CodePublishFailed       Code = "PUBLISH_FAILED"
	CodeOTPRequired         Code = "OTP_REQUIRED"
	CodeStateCorrupted      Code = "STATE_CORRUPTED"
	CodeUserCancelled       Code = "USER_CANCELLED"
)

// Error is a classified workflow failure.
type Error struct {
	Code     Code
	Registry string
	Message  string
}

func (e *Error) Error() string {
	if e.Registry != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Registry, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, registry, format string, args ...any) *Error {
	return &Error{Code: code, Registry: registry, Message: fmt.Sprintf(format, args...)}
}

// SuggestedActions returns remediation steps for a failure code, in the
// order a user should try them.
func SuggestedActions(code Code) []string {
	switch code {
	case CodeRegistryNotDetected:
		return []string{
			"check that a package manifest exists in the project root",
			"pass --registry to name the registry explicitly",
			"add a plugin definition for custom registries",
		}
	case CodeValidationFailed:
		return []string{
			"fix the manifest fields listed above",
			"run `packship check` to re-validate without publishing",
		}
	case CodeSecretsDetected:
		return []string{
			"remove the detected secrets and rotate them",
			"add false positives to security.secretsScanning.ignorePatterns",
		}
	case CodePublishFailed:
		return []string{
			"inspect the registry tool output above",
			"re-run with --resume once the cause is fixed",
		}
	case CodeOTPRequired:
		return []string{
			"re-run with --otp <code> from your authenticator",
		}
	case CodeStateCorrupted:
		return []string{
			"run `packship state clear` and start a fresh publish",
		}
	case CodeUserCancelled:
		return nil
	}
	return nil
}
