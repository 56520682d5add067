package iampolicy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudgate/iampolicy/logger"
)

// ============================================================================
// POLICY CHANGE AUDIT
// ============================================================================

// AuditEventType identifies the event envelope on the wire. Consumers route
// on it; bump AuditEventVersion when the payload shape changes.
const (
	AuditEventType    = "POLICY_CHANGED"
	AuditEventVersion = 1
)

// PolicyChangeType says what happened to the policy.
type PolicyChangeType string

const (
	ChangeCreated PolicyChangeType = "CREATED"
	ChangeUpdated PolicyChangeType = "UPDATED"
	ChangeDeleted PolicyChangeType = "DELETED"
)

// PolicyChangeAuditEvent is emitted after every successful policy mutation.
// It carries the post-change snapshot of the policy plus who changed it and a
// human-readable summary of what changed.
type PolicyChangeAuditEvent struct {
	EventID       string           `json:"event_id"`
	EventType     string           `json:"event_type"`
	Version       int              `json:"version"`
	OccurredAt    time.Time        `json:"occurred_at"`
	Source        string           `json:"source"`
	TenantID      int64            `json:"tenant_id"`
	PolicyID      int64            `json:"policy_id"`
	PolicyName    string           `json:"policy_name"`
	Resource      string           `json:"resource"`
	Actions       []string         `json:"actions"`
	Effect        PolicyEffect     `json:"effect"`
	Priority      int              `json:"priority"`
	Active        bool             `json:"active"`
	ActorID       *int64           `json:"actor_id,omitempty"`
	ActorName     string           `json:"actor_name,omitempty"`
	ChangeType    PolicyChangeType `json:"change_type"`
	ChangeSummary string           `json:"change_summary"`
}

// NewAuditEventID returns a fresh globally unique event id.
func NewAuditEventID() string { return uuid.NewString() }

// AuditPublisher delivers policy change events to whatever sink is wired in.
// Publishing is best-effort from the caller's point of view: the change
// service logs and swallows publish errors so a broken sink never blocks
// policy writes.
type AuditPublisher interface {
	Publish(ctx context.Context, event *PolicyChangeAuditEvent) error
}

// NopAuditPublisher drops every event. Default when no sink is configured.
type NopAuditPublisher struct{}

func (NopAuditPublisher) Publish(context.Context, *PolicyChangeAuditEvent) error { return nil }

// AsyncAuditPublisher decouples event delivery from the write path through a
// buffered channel and a single worker goroutine. When the buffer is full the
// event is dropped rather than blocking the caller.
type AsyncAuditPublisher struct {
	sink   AuditPublisher
	events chan *PolicyChangeAuditEvent
	logger logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncAuditPublisher wraps sink with an asynchronous delivery queue of
// the given buffer size.
func NewAsyncAuditPublisher(sink AuditPublisher, buffer int, l logger.Logger) *AsyncAuditPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	p := &AsyncAuditPublisher{
		sink:   sink,
		events: make(chan *PolicyChangeAuditEvent, buffer),
		logger: l,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncAuditPublisher) run() {
	defer close(p.done)
	for event := range p.events {
		if err := p.sink.Publish(context.Background(), event); err != nil {
			p.logger.Error("audit publish failed",
				"event_id", event.EventID,
				"tenant_id", event.TenantID,
				"policy_id", event.PolicyID,
				"error", err.Error())
		}
	}
}

// Publish enqueues the event. It never blocks and never returns an error for
// a full queue; the drop is logged instead.
func (p *AsyncAuditPublisher) Publish(_ context.Context, event *PolicyChangeAuditEvent) error {
	select {
	case p.events <- event:
	default:
		p.logger.Error("audit queue full, dropping event",
			"event_id", event.EventID,
			"tenant_id", event.TenantID,
			"policy_id", event.PolicyID)
	}
	return nil
}

// Close stops accepting events and waits for the queue to drain.
func (p *AsyncAuditPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.events)
	})
	<-p.done
}
