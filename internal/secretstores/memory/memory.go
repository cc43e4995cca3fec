// Package memory provides an in-process rotation.Store. It holds the reference
// semantics for stage labels and backs tests and the `--store memory` mode.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Store is a mutex-guarded versioned secret store.
type Store struct {
	mu      sync.Mutex
	secrets map[string]*secret
	now     func() time.Time
}

type secret struct {
	versions map[string]*version
	stages   map[rotation.StageLabel]string
}

type version struct {
	raw     string
	created time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for version creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		secrets: make(map[string]*secret),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed creates secretID with raw as its current value under token. Seeding an
// existing secret replaces it.
func (s *Store) Seed(secretID, token, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[secretID] = &secret{
		versions: map[string]*version{token: {raw: raw, created: s.now()}},
		stages:   map[rotation.StageLabel]string{rotation.StageCurrent: token},
	}
}

// Raw returns the stored string for token, for assertions in tests.
func (s *Store) Raw(secretID, token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[secretID]
	if !ok {
		return "", false
	}
	v, ok := sec.versions[token]
	if !ok {
		return "", false
	}
	return v.raw, true
}

// VersionCount returns how many versions secretID has, labelled or not.
func (s *Store) VersionCount(secretID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sec, ok := s.secrets[secretID]; ok {
		return len(sec.versions)
	}
	return 0
}

// GetVersion implements rotation.Store.
func (s *Store) GetVersion(ctx context.Context, secretID string, query rotation.VersionQuery) (*rotation.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[secretID]
	if !ok {
		return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "secret does not exist")
	}

	token := query.Token
	if token == "" {
		token = sec.stages[query.Stage]
	}
	v, ok := sec.versions[token]
	if token == "" || !ok {
		return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "no version with %s", query)
	}
	if query.Stage != "" && sec.stages[query.Stage] != token {
		return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "no version with %s", query)
	}

	payload, err := rotation.ParsePayload(v.raw)
	if err != nil {
		return nil, rotation.NewError(rotation.ErrMalformedSecret, secretID, "version "+token, err)
	}
	return &rotation.Version{
		SecretID:  secretID,
		Token:     token,
		Payload:   payload,
		Stages:    sec.labelsOf(token),
		CreatedAt: v.created,
	}, nil
}

// PutVersion implements rotation.Store.
func (s *Store) PutVersion(ctx context.Context, secretID, token string, payload rotation.Payload, stage rotation.StageLabel) error {
	if !stage.Valid() {
		return rotation.Errorf(rotation.ErrInvalidRequest, secretID, "unknown stage %q", stage)
	}
	raw, err := payload.Marshal()
	if err != nil {
		return rotation.NewError(rotation.ErrMalformedSecret, secretID, "cannot serialise payload", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[secretID]
	if !ok {
		return rotation.Errorf(rotation.ErrNotFound, secretID, "secret does not exist")
	}
	if _, exists := sec.versions[token]; exists {
		if sec.stages[stage] == token {
			return rotation.Errorf(rotation.ErrAlreadyExists, secretID, "version %s already holds %s", token, stage)
		}
		return rotation.Errorf(rotation.ErrTokenConflict, secretID, "version %s already exists", token)
	}

	sec.versions[token] = &version{raw: raw, created: s.now()}
	sec.stages[stage] = token
	return nil
}

// ListStages implements rotation.Store.
func (s *Store) ListStages(ctx context.Context, secretID string) (rotation.StageMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[secretID]
	if !ok {
		return nil, rotation.Errorf(rotation.ErrNotFound, secretID, "secret does not exist")
	}
	stages := make(rotation.StageMap)
	for _, label := range []rotation.StageLabel{rotation.StageCurrent, rotation.StagePending, rotation.StagePrevious} {
		if token, ok := sec.stages[label]; ok {
			stages[token] = append(stages[token], label)
		}
	}
	return stages, nil
}

// MoveStage implements rotation.Store.
func (s *Store) MoveStage(ctx context.Context, secretID string, stage rotation.StageLabel, toToken, fromToken string) error {
	if !stage.Valid() {
		return rotation.Errorf(rotation.ErrInvalidRequest, secretID, "unknown stage %q", stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[secretID]
	if !ok {
		return rotation.Errorf(rotation.ErrNotFound, secretID, "secret does not exist")
	}

	holder := sec.stages[stage]
	if toToken != "" && holder == toToken {
		return nil
	}
	if holder != fromToken {
		return rotation.Errorf(rotation.ErrStageConflict, secretID,
			"%s is held by %q, expected %q", stage, holder, fromToken)
	}
	if toToken == "" {
		delete(sec.stages, stage)
		return nil
	}
	if _, ok := sec.versions[toToken]; !ok {
		return rotation.Errorf(rotation.ErrNotFound, secretID, "version %s does not exist", toToken)
	}
	sec.stages[stage] = toToken
	return nil
}

func (sec *secret) labelsOf(token string) []rotation.StageLabel {
	var labels []rotation.StageLabel
	for _, label := range []rotation.StageLabel{rotation.StageCurrent, rotation.StagePending, rotation.StagePrevious} {
		if sec.stages[label] == token {
			labels = append(labels, label)
		}
	}
	return labels
}
