package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
	Err        error
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

func (e ConfigError) Unwrap() error {
	return e.Err
}

// Action tells an operator what to do about a failed step.
type Action string

const (
	// ActionRetry: call the same step again with the same token.
	ActionRetry Action = "retry"
	// ActionAbort: stop this rotation attempt; start over with a new token.
	ActionAbort Action = "abort"
	// ActionAlert: a human needs to look at the secret or its target.
	ActionAlert Action = "alert"
	// ActionFix: the request or configuration is wrong.
	ActionFix Action = "fix"
)

var kindGuidance = map[rotation.ErrorKind]struct {
	action     Action
	suggestion string
}{
	rotation.ErrNotFound: {ActionAlert,
		"The secret has no current version. Seed it in the store before scheduling rotation"},
	rotation.ErrAlreadyExists: {ActionRetry,
		"The version is already staged; re-running the step is safe"},
	rotation.ErrMalformedSecret: {ActionAlert,
		"The stored value is empty or unusable. Inspect the current version and fix its payload"},
	rotation.ErrValidationFailed: {ActionAbort,
		"The target rejected the new credential. Check the validator target, then start a new rotation with a fresh token"},
	rotation.ErrValidationUnreachable: {ActionRetry,
		"The target could not be reached in time. Retry testSecret with the same token once it is reachable"},
	rotation.ErrInvalidState: {ActionFix,
		"The token is not staged for this step. Run 'rotator status' and call the steps in order"},
	rotation.ErrStoreUnavailable: {ActionRetry,
		"The secret store did not answer. Check credentials and connectivity, then retry the step"},
	rotation.ErrTokenConflict: {ActionFix,
		"The token already names another version. Use a fresh correlation token"},
	rotation.ErrStageConflict: {ActionRetry,
		"Another caller moved the stage label first. Retry the step; it resolves to a no-op if the work is done"},
	rotation.ErrInvalidRequest: {ActionFix,
		"Provide a secret id, a correlation token and one of createSecret, setSecret, testSecret, finishSecret"},
	rotation.ErrPropagationFailed: {ActionRetry,
		"The configuration update failed. Check the propagation target, then retry setSecret with the same token"},
}

// ActionFor returns the operator action for err's kind.
func ActionFor(err error) Action {
	if g, ok := kindGuidance[rotation.KindOf(err)]; ok {
		return g.action
	}
	return ActionAlert
}

// RotationError wraps a rotation failure with an operator suggestion.
func RotationError(err error) error {
	if err == nil {
		return nil
	}
	var rerr *rotation.Error
	if !errors.As(err, &rerr) {
		return SimplifyError(err)
	}

	msg := string(rerr.Kind)
	if rerr.Step != "" {
		msg = fmt.Sprintf("%s failed: %s", rerr.Step, rerr.Kind)
	}
	if rerr.SecretID != "" {
		msg += " for secret " + rerr.SecretID
	}

	details := rerr.Detail
	if rerr.Err != nil {
		if details != "" {
			details += ": "
		}
		details += rerr.Err.Error()
	}

	suggestion := kindGuidance[rerr.Kind].suggestion
	if s := storeSuggestion(rerr.Err); s != "" && rerr.Kind == rotation.ErrStoreUnavailable {
		suggestion = s
	}

	return UserError{
		Message:    msg,
		Details:    details,
		Suggestion: suggestion,
		Err:        err,
	}
}

// storeSuggestion returns helpful suggestions for store transport errors
func storeSuggestion(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "AccessDenied"):
		return "Check IAM permissions for secretsmanager:GetSecretValue, PutSecretValue, DescribeSecret and UpdateSecretVersionStage"
	case strings.Contains(errStr, "credentials") || strings.Contains(errStr, "ExpiredToken"):
		return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
	case strings.Contains(errStr, "ThrottlingException"):
		return "AWS rate limit exceeded. Wait a moment and try again"
	case strings.Contains(errStr, "timeout"):
		return "The operation timed out. Check your network connection and try again"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "Unable to connect. Check your network and store configuration"
	}
	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rerr *rotation.Error
	if errors.As(err, &rerr) {
		return kindGuidance[rerr.Kind].action == ActionRetry
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var configErr ConfigError
	if errors.As(err, &configErr) {
		return err
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	// Return original error if we can't simplify it
	return err
}
