// Package history keeps a local record of handled rotation steps so operators
// can see what happened to a secret without querying the store.
package history

import (
	"time"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Storage defines the interface for step history storage
type Storage interface {
	rotation.Recorder

	// GetSummary retrieves the rolled-up status for a secret
	GetSummary(secretID string) (*Summary, error)

	// GetHistory retrieves step history for a secret, newest first
	GetHistory(secretID string, limit int) ([]Entry, error)

	// GetAllHistory retrieves step history for all secrets, newest first
	GetAllHistory(limit int) ([]Entry, error)

	// CleanupOldEntries removes history entries older than the specified duration
	CleanupOldEntries(olderThan time.Duration) error
}

// Entry is one recorded step.
type Entry struct {
	ID string `json:"id"`
	rotation.StepRecord
}

// Summary rolls up every step recorded for one secret.
type Summary struct {
	SecretID      string             `json:"secret_id"`
	LastStep      rotation.Step      `json:"last_step"`
	LastOutcome   string             `json:"last_outcome"`
	LastToken     string             `json:"last_token"`
	LastError     string             `json:"last_error,omitempty"`
	LastErrorKind rotation.ErrorKind `json:"last_error_kind,omitempty"`
	LastRotation  *time.Time         `json:"last_rotation,omitempty"`
	StepCount     int                `json:"step_count"`
	FailureCount  int                `json:"failure_count"`
	Rotations     int                `json:"rotations"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// apply folds a record into the summary. A rotation counts when finishSecret
// succeeds for the first time; replays are skipped and not counted.
func (s *Summary) apply(r rotation.StepRecord) {
	s.SecretID = r.SecretID
	s.LastStep = r.Step
	s.LastOutcome = r.Outcome
	s.LastToken = r.Token
	s.LastError = r.Error
	s.LastErrorKind = r.ErrorKind
	s.StepCount++
	s.UpdatedAt = r.StartedAt.Add(r.Duration)
	if r.ErrorKind != "" {
		s.FailureCount++
	}
	if r.Step == rotation.StepFinish && r.Outcome == rotation.OutcomeSuccess {
		finished := s.UpdatedAt
		s.LastRotation = &finished
		s.Rotations++
	}
}
