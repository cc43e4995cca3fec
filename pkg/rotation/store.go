package rotation

import (
	"context"
	"time"
)

// Store is the contract the orchestrator needs from a versioned secret store
// with stage labels. Implementations must provide the atomicity described on
// each method; the orchestrator takes no locks of its own.
type Store interface {
	// GetVersion returns the version matching query. It fails with ErrNotFound
	// when no version matches.
	GetVersion(ctx context.Context, secretID string, query VersionQuery) (*Version, error)

	// PutVersion writes a new version under token and attaches stage to it.
	// If token already exists and holds stage it fails with ErrAlreadyExists;
	// if it exists under any other stage (or none) it fails with
	// ErrTokenConflict and nothing is overwritten. Staging a version as
	// Pending removes Pending from whichever version held it before.
	PutVersion(ctx context.Context, secretID, token string, payload Payload, stage StageLabel) error

	// ListStages returns every labelled version of the secret. A secret that
	// does not exist fails with ErrNotFound.
	ListStages(ctx context.Context, secretID string) (StageMap, error)

	// MoveStage atomically moves stage from fromToken to toToken. It is a
	// compare-and-swap: when fromToken does not hold stage (or, with an empty
	// fromToken, when some version does) it fails with ErrStageConflict and
	// changes nothing. It is a no-op when toToken already holds stage. An
	// empty toToken removes the label from fromToken.
	MoveStage(ctx context.Context, secretID string, stage StageLabel, toToken, fromToken string) error
}

// ConfigUpdater propagates a newly staged credential to the systems that must
// start accepting it. The engine calls it during SetSecret and does not make
// it idempotent; implementations must tolerate repeated calls.
type ConfigUpdater interface {
	UpdateConfiguration(ctx context.Context, secretID string, fields map[string]string) error
}

// ConfigUpdaterFunc adapts a function to ConfigUpdater.
type ConfigUpdaterFunc func(ctx context.Context, secretID string, fields map[string]string) error

// UpdateConfiguration calls f.
func (f ConfigUpdaterFunc) UpdateConfiguration(ctx context.Context, secretID string, fields map[string]string) error {
	return f(ctx, secretID, fields)
}

// Validator checks that a freshly generated credential works against its
// target. It must not write to the store. Failures are *Error values of kind
// ErrValidationFailed or ErrValidationUnreachable.
type Validator interface {
	Validate(ctx context.Context, secretID string, payload Payload) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, secretID string, payload Payload) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, secretID string, payload Payload) error {
	return f(ctx, secretID, payload)
}

// StepRecord is what the orchestrator reports to a Recorder after each step.
type StepRecord struct {
	Step      Step          `json:"step"`
	SecretID  string        `json:"secret_id"`
	Token     string        `json:"token"`
	Outcome   string        `json:"outcome"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Recorder receives one record per handled step. Recording is best effort.
type Recorder interface {
	RecordStep(ctx context.Context, record StepRecord) error
}

// StepObserver receives timing and outcome for metrics.
type StepObserver interface {
	ObserveStep(step Step, outcome string, duration time.Duration)
}
