// Package validation checks freshly generated credentials before they are
// promoted. The Router picks a target probe per secret and always runs the
// generic length and format check first.
package validation

import (
	"context"
	"fmt"
	"path"

	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// Outcome labels reported to a ValidationObserver.
const (
	OutcomeSuccess             = "success"
	OutcomeFailed              = "failed"
	OutcomeUnreachable         = "unreachable"
	OutcomeUnreachableAccepted = "unreachable_accepted"
)

// Probe is a named validator.
type Probe interface {
	rotation.Validator
	Name() string
}

// Target binds a probe to the secrets it validates. Pattern is a path.Match
// glob over secret IDs; Kind matches the payload kind when Pattern is empty.
type Target struct {
	Pattern string
	Kind    rotation.Kind
	Probe   Probe

	// AcceptUnreachable logs and accepts an unreachable target instead of
	// failing the step.
	AcceptUnreachable bool
}

// ValidationObserver receives one outcome per validator run.
type ValidationObserver interface {
	ObserveValidation(validator, outcome string)
}

// Router implements rotation.Validator by dispatching to targets.
type Router struct {
	generic  Probe
	targets  []Target
	logger   *logging.Logger
	observer ValidationObserver
}

// NewRouter creates a router. generic runs for every secret; a nil generic
// uses the default CredentialValidator.
func NewRouter(generic Probe, logger *logging.Logger, observer ValidationObserver) (*Router, error) {
	if generic == nil {
		v, err := NewCredentialValidator(nil, nil)
		if err != nil {
			return nil, err
		}
		generic = v
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{generic: generic, logger: logger, observer: observer}, nil
}

// Add registers a target. Targets are tried in registration order.
func (r *Router) Add(t Target) error {
	if t.Probe == nil {
		return fmt.Errorf("validation target has no probe")
	}
	switch {
	case t.Pattern != "":
		if _, err := path.Match(t.Pattern, ""); err != nil {
			return fmt.Errorf("invalid secret pattern %q: %w", t.Pattern, err)
		}
	case t.Kind != "":
		if !t.Kind.Valid() {
			return fmt.Errorf("unknown secret kind %q", t.Kind)
		}
	default:
		return fmt.Errorf("validation target %s needs a pattern or a kind", t.Probe.Name())
	}
	r.targets = append(r.targets, t)
	return nil
}

// Select returns the target for a secret: the first pattern match, then the
// first kind match.
func (r *Router) Select(secretID string, kind rotation.Kind) (Target, bool) {
	for _, t := range r.targets {
		if t.Pattern == "" {
			continue
		}
		if ok, _ := path.Match(t.Pattern, secretID); ok {
			return t, true
		}
	}
	for _, t := range r.targets {
		if t.Pattern == "" && t.Kind == kind {
			return t, true
		}
	}
	return Target{}, false
}

// Validate implements rotation.Validator.
func (r *Router) Validate(ctx context.Context, secretID string, payload rotation.Payload) error {
	if err := r.run(ctx, r.generic, secretID, payload); err != nil {
		if rotation.IsKind(err, rotation.ErrValidationUnreachable) {
			r.observe(r.generic.Name(), OutcomeUnreachable)
		}
		return err
	}

	target, ok := r.Select(secretID, payload.Kind)
	if !ok {
		return nil
	}

	err := r.run(ctx, target.Probe, secretID, payload)
	if err == nil || !rotation.IsKind(err, rotation.ErrValidationUnreachable) {
		return err
	}
	if target.AcceptUnreachable {
		r.logger.Warn("Accepting new %s for %s although the target was unreachable: %v", payload.Kind, secretID, err)
		r.observe(target.Probe.Name(), OutcomeUnreachableAccepted)
		return nil
	}
	r.observe(target.Probe.Name(), OutcomeUnreachable)
	return err
}

// run calls probe and records success or failure. Unreachable outcomes are
// left to the caller.
func (r *Router) run(ctx context.Context, probe Probe, secretID string, payload rotation.Payload) error {
	r.logger.Debug("Validating %s with %s", secretID, probe.Name())
	err := probe.Validate(ctx, secretID, payload)
	switch {
	case err == nil:
		r.observe(probe.Name(), OutcomeSuccess)
	case !rotation.IsKind(err, rotation.ErrValidationUnreachable):
		r.observe(probe.Name(), OutcomeFailed)
	}
	return err
}

func (r *Router) observe(validator, outcome string) {
	if r.observer != nil {
		r.observer.ObserveValidation(validator, outcome)
	}
}
