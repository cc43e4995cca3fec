// Package rotation implements the credential rotation engine used by the
// trip-planning backend to replace third-party API keys, service tokens and
// database passwords without breaking in-flight consumers.
//
// # Architecture Overview
//
// An external scheduler drives each rotation through four steps, calling the
// engine once per step with the same correlation token:
//
//	┌──────────────┐   createSecret   ┌──────────────┐
//	│  Scheduler   │ ───────────────► │ Orchestrator │
//	│ (external)   │   setSecret      │              │
//	│              │   testSecret     │              │
//	│              │   finishSecret   │              │
//	└──────────────┘                  └──────┬───────┘
//	                                         │
//	         ┌───────────────┬───────────────┼────────────────┐
//	         ▼               ▼               ▼                ▼
//	   ┌──────────┐    ┌───────────┐   ┌───────────┐   ┌─────────────┐
//	   │  Store   │    │ Generator │   │ Validator │   │ConfigUpdater│
//	   │ (stages) │    │ (CSPRNG)  │   │  (probe)  │   │ (propagate) │
//	   └──────────┘    └───────────┘   └───────────┘   └─────────────┘
//
// # Stage Labels
//
// Every secret has versions, each identified by the correlation token that
// created it. Versions carry stage labels:
//   - current: the value consumers read. Exactly one version holds it.
//   - pending: the candidate produced by createSecret. At most one version holds it.
//   - previous: the version that was current before the last promotion. Advisory.
//
// # Steps
//
//   - createSecret generates a new value of the same kind as the current one
//     and stores it under the token with the pending label.
//   - setSecret hands the pending fields to a ConfigUpdater so downstream
//     systems start accepting them.
//   - testSecret runs the Validator against the pending value. It never
//     changes labels or content.
//   - finishSecret moves current to the pending version with a
//     compare-and-swap, clears pending and marks the old version previous.
//
// The Orchestrator keeps nothing in memory between calls. Each step lists the
// secret's stages and decides from them, so every step can be retried with the
// same token and reaches the same end state. Races between concurrent
// attempts on one secret are settled by the Store: PutVersion rejects a
// duplicate token and MoveStage is a compare-and-swap.
//
// # Errors
//
// All failures are *Error values with a closed ErrorKind. Callers branch with
// KindOf or errors.As:
//
//	if err := orch.HandleStep(ctx, req); err != nil {
//	    switch rotation.KindOf(err) {
//	    case rotation.ErrValidationUnreachable, rotation.ErrStoreUnavailable:
//	        // retry later with the same token
//	    case rotation.ErrValidationFailed:
//	        // abort this attempt; current was never touched
//	    }
//	}
//
// Credential values never appear in error text or logs.
//
// # Usage
//
//	orch, err := rotation.NewOrchestrator(rotation.Options{
//	    Store:     store,
//	    Validator: validator,
//	    Updater:   updater,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	err = orch.HandleStep(ctx, rotation.StepRequest{
//	    Step:     rotation.StepCreate,
//	    SecretID: "maps-api-key",
//	    Token:    "4c1f0d6e-...",
//	})
package rotation
