package rotation

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classes a caller can branch on.
type ErrorKind string

const (
	// ErrNotFound: the requested version (usually Current) does not exist.
	ErrNotFound ErrorKind = "NotFound"
	// ErrAlreadyExists: the version is already in the requested state.
	// The orchestrator treats it as an idempotent success.
	ErrAlreadyExists ErrorKind = "AlreadyExists"
	// ErrMalformedSecret: the stored payload is empty or unusable.
	ErrMalformedSecret ErrorKind = "MalformedSecret"
	// ErrValidationFailed: the target system rejected the new credential.
	ErrValidationFailed ErrorKind = "ValidationFailed"
	// ErrValidationUnreachable: the target system could not be reached in time.
	ErrValidationUnreachable ErrorKind = "ValidationUnreachable"
	// ErrInvalidState: the step was called on a token that is not staged for it.
	ErrInvalidState ErrorKind = "InvalidState"
	// ErrStoreUnavailable: the secret store failed to answer.
	ErrStoreUnavailable ErrorKind = "StoreUnavailable"
	// ErrTokenConflict: the token already names a version under a different stage.
	ErrTokenConflict ErrorKind = "TokenConflict"
	// ErrStageConflict: a stage move lost its compare-and-swap.
	ErrStageConflict ErrorKind = "StageConflict"
	// ErrInvalidRequest: the trigger itself is malformed.
	ErrInvalidRequest ErrorKind = "InvalidRequest"
	// ErrPropagationFailed: the configuration updater rejected the pending version.
	ErrPropagationFailed ErrorKind = "PropagationFailed"
)

// Error carries the step, secret and kind of a rotation failure.
type Error struct {
	Step     Step
	SecretID string
	Kind     ErrorKind
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Step != "" {
		msg = fmt.Sprintf("%s %s", e.Step, msg)
	}
	if e.SecretID != "" {
		msg = fmt.Sprintf("%s for secret %s", msg, e.SecretID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: ErrNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Step == "" || t.Step == e.Step)
}

// NewError builds an Error without step context. Adapters use it; the
// orchestrator fills in the step when the error passes through.
func NewError(kind ErrorKind, secretID, detail string, err error) *Error {
	return &Error{Kind: kind, SecretID: secretID, Detail: detail, Err: err}
}

// Errorf builds an Error with a formatted detail.
func Errorf(kind ErrorKind, secretID, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, SecretID: secretID, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain. Untyped errors
// are reported as ErrStoreUnavailable since they come from I/O the engine does
// not classify.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ErrStoreUnavailable
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// withStep stamps the step onto err, converting untyped errors to StoreUnavailable.
func withStep(step Step, secretID string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		out := *rerr
		out.Step = step
		if out.SecretID == "" {
			out.SecretID = secretID
		}
		return &out
	}
	return &Error{Step: step, SecretID: secretID, Kind: ErrStoreUnavailable, Err: err}
}
