package rotation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Step identifies one phase of the rotation lifecycle.
type Step string

const (
	StepCreate Step = "createSecret"
	StepSet    Step = "setSecret"
	StepTest   Step = "testSecret"
	StepFinish Step = "finishSecret"
)

// Steps lists the lifecycle phases in the order a scheduler must call them.
var Steps = []Step{StepCreate, StepSet, StepTest, StepFinish}

// ParseStep accepts the canonical step names case-insensitively.
func ParseStep(s string) (Step, error) {
	for _, step := range Steps {
		if strings.EqualFold(s, string(step)) {
			return step, nil
		}
	}
	return "", fmt.Errorf("unknown rotation step %q (expected one of %s)", s, joinSteps())
}

func joinSteps() string {
	names := make([]string, len(Steps))
	for i, s := range Steps {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// StageLabel marks a version's role in the rotation lifecycle.
type StageLabel string

const (
	StageCurrent  StageLabel = "current"
	StagePending  StageLabel = "pending"
	StagePrevious StageLabel = "previous"
)

// Valid reports whether s is one of the known labels.
func (s StageLabel) Valid() bool {
	switch s {
	case StageCurrent, StagePending, StagePrevious:
		return true
	}
	return false
}

// Kind is the structural type of a secret payload.
type Kind string

const (
	KindAPIKey   Kind = "api_key"
	KindToken    Kind = "token"
	KindPassword Kind = "password"
	KindOpaque   Kind = "opaque"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAPIKey, KindToken, KindPassword, KindOpaque:
		return true
	}
	return false
}

// Version is one immutable generation of a secret, identified by the
// correlation token that created it.
type Version struct {
	SecretID  string
	Token     string
	Payload   Payload
	Stages    []StageLabel
	CreatedAt time.Time
}

// HasStage reports whether the version currently holds label.
func (v *Version) HasStage(label StageLabel) bool {
	for _, s := range v.Stages {
		if s == label {
			return true
		}
	}
	return false
}

// VersionQuery selects a version by token, by stage, or by both. A query with
// both set only matches when the token holds the stage.
type VersionQuery struct {
	Token string
	Stage StageLabel
}

func (q VersionQuery) String() string {
	switch {
	case q.Token != "" && q.Stage != "":
		return fmt.Sprintf("token %s at stage %s", q.Token, q.Stage)
	case q.Token != "":
		return fmt.Sprintf("token %s", q.Token)
	default:
		return fmt.Sprintf("stage %s", q.Stage)
	}
}

// StageMap maps version tokens to the labels they hold.
type StageMap map[string][]StageLabel

// Has reports whether token holds label.
func (m StageMap) Has(token string, label StageLabel) bool {
	for _, s := range m[token] {
		if s == label {
			return true
		}
	}
	return false
}

// Holder returns the token holding label, or "" when no version holds it.
func (m StageMap) Holder(label StageLabel) string {
	for token, stages := range m {
		for _, s := range stages {
			if s == label {
				return token
			}
		}
	}
	return ""
}

// Tokens returns the tokens in the map, sorted.
func (m StageMap) Tokens() []string {
	tokens := make([]string, 0, len(m))
	for token := range m {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// StepRequest is one trigger from the external scheduler.
type StepRequest struct {
	Step     Step   `json:"step"`
	SecretID string `json:"secretId"`
	Token    string `json:"correlationToken"`
}

// UnmarshalJSON also accepts the Secrets Manager Lambda field names
// (Step, SecretId, ClientRequestToken).
func (r *StepRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Step               string `json:"step"`
		SecretID           string `json:"secretId"`
		Token              string `json:"correlationToken"`
		AWSStep            string `json:"Step"`
		AWSSecretID        string `json:"SecretId"`
		ClientRequestToken string `json:"ClientRequestToken"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Step = Step(firstNonEmpty(raw.Step, raw.AWSStep))
	r.SecretID = firstNonEmpty(raw.SecretID, raw.AWSSecretID)
	r.Token = firstNonEmpty(raw.Token, raw.ClientRequestToken)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Phase is the operator-facing view of where a secret's rotation stands. It is
// derived from the store's stage labels on demand and never persisted.
//
// Only labels are visible to Describe, so a version that has been created,
// configured or tested all report PhasePending. setSecret and testSecret
// leave no trace in the store; the step history shows how far an attempt got.
type Phase string

const (
	// PhaseIdle means no rotation has happened yet.
	PhaseIdle Phase = "idle"
	// PhasePending means a version holds the pending label. It covers the
	// created, configured and tested states alike.
	PhasePending Phase = "pending"
	// PhasePromoted means the last rotation finished and the old version is
	// kept as previous.
	PhasePromoted Phase = "promoted"
)

// Status describes a secret's stage layout.
type Status struct {
	SecretID string   `json:"secretId"`
	Phase    Phase    `json:"phase"`
	Current  string   `json:"current,omitempty"`
	Pending  string   `json:"pending,omitempty"`
	Previous string   `json:"previous,omitempty"`
	Stages   StageMap `json:"stages"`
}
