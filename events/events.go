// Package events publishes ledger and broadcast state changes to interested listeners.
//
// Notification is optional: components accept a nil Notifier and the UI layer can always
// fall back to polling the read APIs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Type identifies a state change.
type Type string

const (
	TypeRecordCommitted    Type = "ledger.committed"
	TypeRecordConfirmed    Type = "ledger.confirmed"
	TypeBroadcastStarted   Type = "broadcast.started"
	TypeBroadcastConfirmed Type = "broadcast.confirmed"
	TypeBroadcastRejected  Type = "broadcast.rejected"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "fusion.events."

// Event describes one state change.
type Event struct {
	Type        Type      `json:"type"`
	RecordID    string    `json:"recordId,omitempty"`
	BroadcastID string    `json:"broadcastId,omitempty"`
	OwnerRef    string    `json:"ownerRef,omitempty"`
	Digest      string    `json:"integrityDigest,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subject returns the NATS subject the event is published on.
func (e Event) Subject() string {
	return SubjectPrefix + string(e.Type)
}

// Notifier receives state-change events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Publisher is the subset of a NATS client used for notifications.
// *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSNotifier publishes events as JSON on fusion.events.<type>.
type NATSNotifier struct {
	pub    Publisher
	logger *slog.Logger
}

// NewNATSNotifier creates a notifier over pub.
func NewNATSNotifier(pub Publisher, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{pub: pub, logger: logger}
}

// Notify publishes e.
func (n *NATSNotifier) Notify(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.pub.Publish(ctx, e.Subject(), data); err != nil {
		return fmt.Errorf("publish to %s: %w", e.Subject(), err)
	}
	n.logger.Debug("Published event", "subject", e.Subject(), "record_id", e.RecordID)
	return nil
}

// ConnPublisher adapts a raw *nats.Conn to Publisher.
type ConnPublisher struct {
	Conn *nats.Conn
}

// Publish checks ctx and publishes data on subject.
func (p ConnPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	return p.Conn.Publish(subject, data)
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify appends e.
func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Multi fans events out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers e to every notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var firstErr error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
