package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssgrim/daylight-rotator/internal/logging"
)

// Step outcomes reported to observers and recorders.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
)

// Options wires an Orchestrator. Store, Validator and Updater are required.
type Options struct {
	Store     Store
	Generator *Generator
	Validator Validator
	Updater   ConfigUpdater
	Logger    *logging.Logger
	Recorder  Recorder
	Observer  StepObserver

	// VerifyBeforeFinish re-runs the validator before promoting. Off by
	// default: Finish trusts the scheduler to have called Test.
	VerifyBeforeFinish bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Orchestrator drives the Create, Set, Test, Finish lifecycle. It keeps no
// state between calls; every step re-reads the store to decide what to do,
// so any step can be retried with the same token.
type Orchestrator struct {
	store              Store
	generator          *Generator
	validator          Validator
	updater            ConfigUpdater
	logger             *logging.Logger
	recorder           Recorder
	observer           StepObserver
	verifyBeforeFinish bool
	now                func() time.Time
}

// NewOrchestrator validates opts and fills in defaults.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("rotation orchestrator requires a secret store")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("rotation orchestrator requires a validator")
	}
	if opts.Updater == nil {
		return nil, fmt.Errorf("rotation orchestrator requires a configuration updater")
	}

	o := &Orchestrator{
		store:              opts.Store,
		generator:          opts.Generator,
		validator:          opts.Validator,
		updater:            opts.Updater,
		logger:             opts.Logger,
		recorder:           opts.Recorder,
		observer:           opts.Observer,
		verifyBeforeFinish: opts.VerifyBeforeFinish,
		now:                opts.Now,
	}
	if o.generator == nil {
		g, err := NewGenerator(nil)
		if err != nil {
			return nil, err
		}
		o.generator = g
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// HandleStep runs one rotation step. Errors are *Error values carrying the
// step, secret and kind.
func (o *Orchestrator) HandleStep(ctx context.Context, req StepRequest) error {
	if req.SecretID == "" {
		return &Error{Step: req.Step, Kind: ErrInvalidRequest, Detail: "secretId is required"}
	}
	if req.Token == "" {
		return &Error{Step: req.Step, SecretID: req.SecretID, Kind: ErrInvalidRequest, Detail: "correlationToken is required"}
	}
	step, err := ParseStep(string(req.Step))
	if err != nil {
		return &Error{Step: req.Step, SecretID: req.SecretID, Kind: ErrInvalidRequest, Detail: err.Error()}
	}
	req.Step = step

	started := o.now()
	var skipped bool
	switch req.Step {
	case StepCreate:
		skipped, err = o.createSecret(ctx, req.SecretID, req.Token)
	case StepSet:
		err = o.setSecret(ctx, req.SecretID, req.Token)
	case StepTest:
		err = o.testSecret(ctx, req.SecretID, req.Token)
	case StepFinish:
		skipped, err = o.finishSecret(ctx, req.SecretID, req.Token)
	}
	err = withStep(req.Step, req.SecretID, err)

	o.report(ctx, req, started, skipped, err)
	return err
}

// Rotate runs all four steps in order with one token, stopping at the first
// failure. It is a convenience for operators; schedulers call HandleStep.
func (o *Orchestrator) Rotate(ctx context.Context, secretID, token string) error {
	for _, step := range Steps {
		if err := o.HandleStep(ctx, StepRequest{Step: step, SecretID: secretID, Token: token}); err != nil {
			return err
		}
	}
	return nil
}

// Describe reports the secret's current stage layout. The phase comes from
// stage labels alone; see Phase for what it cannot tell apart.
func (o *Orchestrator) Describe(ctx context.Context, secretID string) (*Status, error) {
	stages, err := o.store.ListStages(ctx, secretID)
	if err != nil {
		return nil, withStep("", secretID, err)
	}
	status := &Status{
		SecretID: secretID,
		Phase:    PhaseIdle,
		Current:  stages.Holder(StageCurrent),
		Pending:  stages.Holder(StagePending),
		Previous: stages.Holder(StagePrevious),
		Stages:   stages,
	}
	switch {
	case status.Pending != "" && status.Pending != status.Current:
		status.Phase = PhasePending
	case status.Previous != "":
		status.Phase = PhasePromoted
	}
	return status, nil
}

func (o *Orchestrator) createSecret(ctx context.Context, secretID, token string) (bool, error) {
	stages, err := o.store.ListStages(ctx, secretID)
	if err != nil {
		return false, err
	}
	if stages.Has(token, StagePending) {
		o.logger.Info("createSecret: version %s of %s is already staged as pending", token, secretID)
		return true, nil
	}

	current, err := o.store.GetVersion(ctx, secretID, VersionQuery{Stage: StageCurrent})
	if err != nil {
		if IsKind(err, ErrNotFound) {
			return false, Errorf(ErrNotFound, secretID, "no current version to rotate from")
		}
		return false, err
	}
	if !current.Payload.Structured {
		o.logger.Warn("createSecret: current value of %s is not a JSON object of strings, rotating it as opaque", secretID)
	}

	next, err := o.generator.Generate(current.Payload, o.now())
	if err != nil {
		return false, NewError(ErrMalformedSecret, secretID, "cannot generate a replacement value", err)
	}

	err = o.store.PutVersion(ctx, secretID, token, next, StagePending)
	if IsKind(err, ErrAlreadyExists) {
		o.logger.Info("createSecret: version %s of %s was staged concurrently", token, secretID)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	o.logger.Info("createSecret: staged new %s version %s for %s (value %s)",
		next.Kind, token, secretID, logging.Secret(next.Value()))
	return false, nil
}

func (o *Orchestrator) setSecret(ctx context.Context, secretID, token string) error {
	pending, err := o.pendingVersion(ctx, secretID, token)
	if err != nil {
		return err
	}

	fields := pending.Payload.Clone().Fields
	if err := o.updater.UpdateConfiguration(ctx, secretID, fields); err != nil {
		detail := logging.Redact(err.Error(), []string{pending.Payload.Value()})
		return &Error{SecretID: secretID, Kind: ErrPropagationFailed, Detail: detail}
	}

	o.logger.Info("setSecret: propagated version %s of %s", token, secretID)
	return nil
}

func (o *Orchestrator) testSecret(ctx context.Context, secretID, token string) error {
	pending, err := o.pendingVersion(ctx, secretID, token)
	if err != nil {
		return err
	}
	if err := o.validate(ctx, secretID, pending.Payload); err != nil {
		o.logger.Warn("testSecret: version %s of %s failed validation: %v", token, secretID, err)
		return err
	}
	o.logger.Info("testSecret: version %s of %s passed validation", token, secretID)
	return nil
}

func (o *Orchestrator) finishSecret(ctx context.Context, secretID, token string) (bool, error) {
	stages, err := o.store.ListStages(ctx, secretID)
	if err != nil {
		return false, err
	}

	if stages.Has(token, StageCurrent) {
		if stages.Has(token, StagePending) {
			o.dropPending(ctx, secretID, token)
		}
		o.logger.Info("finishSecret: version %s of %s is already current", token, secretID)
		return true, nil
	}
	if !stages.Has(token, StagePending) {
		return false, Errorf(ErrInvalidState, secretID, "version %s was never staged as pending", token)
	}

	if o.verifyBeforeFinish {
		pending, err := o.pendingVersion(ctx, secretID, token)
		if err != nil {
			return false, err
		}
		if err := o.validate(ctx, secretID, pending.Payload); err != nil {
			return false, err
		}
	}

	old := stages.Holder(StageCurrent)
	if err := o.store.MoveStage(ctx, secretID, StageCurrent, token, old); err != nil {
		if IsKind(err, ErrStageConflict) {
			// Another finish for the same token may have won the race.
			if again, lerr := o.store.ListStages(ctx, secretID); lerr == nil && again.Has(token, StageCurrent) {
				o.logger.Info("finishSecret: version %s of %s was promoted concurrently", token, secretID)
				return true, nil
			}
		}
		return false, err
	}

	o.dropPending(ctx, secretID, token)
	if old != "" {
		prev := stages.Holder(StagePrevious)
		if prev != old {
			if err := o.store.MoveStage(ctx, secretID, StagePrevious, old, prev); err != nil {
				o.logger.Warn("finishSecret: could not mark %s of %s as previous: %v", old, secretID, err)
			}
		}
	}

	o.logger.Info("finishSecret: promoted version %s of %s to current (was %s)", token, secretID, old)
	return false, nil
}

// dropPending is cleanup only; a failure leaves the label for the next Finish.
func (o *Orchestrator) dropPending(ctx context.Context, secretID, token string) {
	if err := o.store.MoveStage(ctx, secretID, StagePending, "", token); err != nil {
		o.logger.Warn("finishSecret: could not clear pending label on %s of %s: %v", token, secretID, err)
	}
}

func (o *Orchestrator) pendingVersion(ctx context.Context, secretID, token string) (*Version, error) {
	v, err := o.store.GetVersion(ctx, secretID, VersionQuery{Token: token, Stage: StagePending})
	if err != nil {
		if IsKind(err, ErrNotFound) {
			return nil, Errorf(ErrInvalidState, secretID, "version %s is not staged as pending", token)
		}
		return nil, err
	}
	return v, nil
}

// validate normalises validator errors to the two validation kinds and keeps
// the credential out of the detail.
func (o *Orchestrator) validate(ctx context.Context, secretID string, payload Payload) error {
	err := o.validator.Validate(ctx, secretID, payload.Clone())
	if err == nil {
		return nil
	}

	kind := KindOf(err)
	if kind != ErrValidationFailed && kind != ErrValidationUnreachable {
		kind = ErrValidationFailed
	}
	var rerr *Error
	detail := err.Error()
	if errors.As(err, &rerr) {
		detail = rerr.Detail
		if rerr.Err != nil {
			detail = fmt.Sprintf("%s: %v", detail, rerr.Err)
		}
	}
	return &Error{
		SecretID: secretID,
		Kind:     kind,
		Detail:   logging.Redact(detail, []string{payload.Value()}),
	}
}

func (o *Orchestrator) report(ctx context.Context, req StepRequest, started time.Time, skipped bool, err error) {
	duration := o.now().Sub(started)
	outcome := OutcomeSuccess
	if skipped {
		outcome = OutcomeSkipped
	}
	if err != nil {
		outcome = string(KindOf(err))
	}

	if o.observer != nil {
		o.observer.ObserveStep(req.Step, outcome, duration)
	}
	if o.recorder == nil {
		return
	}
	record := StepRecord{
		Step:      req.Step,
		SecretID:  req.SecretID,
		Token:     req.Token,
		Outcome:   outcome,
		Skipped:   skipped,
		StartedAt: started,
		Duration:  duration,
	}
	if err != nil {
		record.ErrorKind = KindOf(err)
		record.Error = err.Error()
	}
	if rerr := o.recorder.RecordStep(ctx, record); rerr != nil {
		o.logger.Warn("failed to record %s for %s: %v", req.Step, req.SecretID, rerr)
	}
}
