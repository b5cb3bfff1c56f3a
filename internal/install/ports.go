package install

import (
	"context"
	"time"

	"github.com/oshokin/fwforge/internal/device"
)

// ConfirmationKind names the decision point a confirmation is requested for.
type ConfirmationKind string

const (
	// ConfirmUndersizedArtifact asks whether to continue with a suspiciously small artifact.
	ConfirmUndersizedArtifact ConfirmationKind = "undersized-artifact"
	// ConfirmManualMode asks the operator to put the device into DFU and confirm.
	ConfirmManualMode ConfirmationKind = "manual-mode"
	// ConfirmFlash asks for the exact token that authorizes the destructive flash.
	ConfirmFlash ConfirmationKind = "flash"
)

// ConfirmationRequest describes one decision point.
type ConfirmationRequest struct {
	// Kind is the decision point.
	Kind ConfirmationKind
	// SessionID identifies the session asking.
	SessionID string
	// Device is the target device.
	Device device.Identity
	// Prompt is the human-readable question.
	Prompt string
	// Token is the exact text the answer must carry; empty for yes/no questions.
	Token string
}

// Decision is the answer to a ConfirmationRequest.
type Decision struct {
	// Approved is the yes/no answer.
	Approved bool
	// Token is the text the operator supplied.
	Token string
}

// Confirmer answers decision points, interactively or from automation.
type Confirmer interface {
	// Confirm blocks until the request is answered.
	Confirm(ctx context.Context, request ConfirmationRequest) (Decision, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, request ConfirmationRequest) (Decision, error)

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, request ConfirmationRequest) (Decision, error) {
	return f(ctx, request)
}

// Transition is one recorded state change.
type Transition struct {
	// From is the previous state.
	From State `json:"from" yaml:"from"`
	// To is the new state.
	To State `json:"to" yaml:"to"`
	// At is when the transition happened.
	At time.Time `json:"at" yaml:"at"`
}

// Observer is notified of session progress. Implementations must not block for long.
type Observer interface {
	// OnTransition is called after every state change.
	OnTransition(ctx context.Context, session *Session, transition Transition)
	// OnWarning is called when a warning is recorded.
	OnWarning(ctx context.Context, session *Session, warning Warning)
	// OnFinish is called once with the final report.
	OnFinish(ctx context.Context, report *Report)
}

// NopObserver ignores every notification. Embed it to implement part of Observer.
type NopObserver struct{}

// OnTransition implements Observer.
func (NopObserver) OnTransition(context.Context, *Session, Transition) {}

// OnWarning implements Observer.
func (NopObserver) OnWarning(context.Context, *Session, Warning) {}

// OnFinish implements Observer.
func (NopObserver) OnFinish(context.Context, *Report) {}

// Observers fans notifications out in order.
type Observers []Observer

// OnTransition implements Observer.
func (o Observers) OnTransition(ctx context.Context, session *Session, transition Transition) {
	for _, observer := range o {
		observer.OnTransition(ctx, session, transition)
	}
}

// OnWarning implements Observer.
func (o Observers) OnWarning(ctx context.Context, session *Session, warning Warning) {
	for _, observer := range o {
		observer.OnWarning(ctx, session, warning)
	}
}

// OnFinish implements Observer.
func (o Observers) OnFinish(ctx context.Context, report *Report) {
	for _, observer := range o {
		observer.OnFinish(ctx, report)
	}
}
