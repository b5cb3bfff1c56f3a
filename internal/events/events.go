package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/oshokin/fwforge/internal/device"
	"github.com/oshokin/fwforge/internal/install"
	"github.com/oshokin/fwforge/internal/logger"
)

// SubjectPrefix prefixes the per-session subject.
const SubjectPrefix = "fwforge.install."

const (
	// clientName identifies the connection on the broker.
	clientName = "fwforge-install"
	// reconnectWait separates reconnection attempts.
	reconnectWait = 2 * time.Second
	// maxReconnects bounds reconnection attempts during one session.
	maxReconnects = 30
)

// Kind names the event type.
type Kind string

const (
	// KindTransition is published for every state change.
	KindTransition Kind = "transition"
	// KindWarning is published for every recorded warning.
	KindWarning Kind = "warning"
	// KindFinished is published once with the final outcome.
	KindFinished Kind = "finished"
)

// Event is the published document.
type Event struct {
	// Kind is the event type.
	Kind Kind `json:"kind"`
	// SessionID identifies the session.
	SessionID string `json:"session_id"`
	// Device is the target device.
	Device device.Identity `json:"device"`
	// Transition is set for transition events.
	Transition *install.Transition `json:"transition,omitempty"`
	// Warning is set for warning events.
	Warning *install.Warning `json:"warning,omitempty"`
	// State is the state after the event.
	State install.State `json:"state"`
	// Failure is set for failed sessions.
	Failure *install.Failure `json:"failure,omitempty"`
	// Duration is set for finished events.
	Duration time.Duration `json:"duration,omitempty"`
}

// Publisher sends raw payloads; *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials the broker at url.
func Connect(ctx context.Context, url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WarnKV(ctx, "NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.InfoKV(ctx, "NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	return nats.Connect(url, opts...)
}

// Observer publishes session notifications.
type Observer struct {
	// publisher sends payloads.
	publisher Publisher
}

// NewObserver returns an install.Observer publishing through publisher.
func NewObserver(publisher Publisher) *Observer {
	return &Observer{publisher: publisher}
}

// Subject returns the subject of sessionID.
func Subject(sessionID string) string {
	return SubjectPrefix + sessionID
}

// OnTransition implements install.Observer.
func (o *Observer) OnTransition(ctx context.Context, session *install.Session, transition install.Transition) {
	o.publish(ctx, session.ID, &Event{
		Kind:       KindTransition,
		SessionID:  session.ID,
		Device:     session.Device,
		Transition: &transition,
		State:      transition.To,
	})
}

// OnWarning implements install.Observer.
func (o *Observer) OnWarning(ctx context.Context, session *install.Session, warning install.Warning) {
	o.publish(ctx, session.ID, &Event{
		Kind:      KindWarning,
		SessionID: session.ID,
		Device:    session.Device,
		Warning:   &warning,
		State:     session.State,
	})
}

// OnFinish implements install.Observer.
func (o *Observer) OnFinish(ctx context.Context, report *install.Report) {
	o.publish(ctx, report.SessionID, &Event{
		Kind:      KindFinished,
		SessionID: report.SessionID,
		Device:    report.Device,
		State:     report.State,
		Failure:   report.Failure,
		Duration:  report.Duration,
	})
}

func (o *Observer) publish(ctx context.Context, sessionID string, event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.WarnKV(ctx, "Encode event failed", "kind", event.Kind, "error", err)

		return
	}

	if err = o.publisher.Publish(Subject(sessionID), data); err != nil {
		logger.WarnKV(ctx, "Publish event failed", "kind", event.Kind, "error", err)
	}
}
