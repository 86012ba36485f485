package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/fusionledger/digest"
)

// SubjectPrefix is the NATS subject root for payload propagation.
const SubjectPrefix = "fusion.broadcast."

// DefaultAckWindow is how long NATSNetwork collects acks.
const DefaultAckWindow = 500 * time.Millisecond

// Network carries a payload to peers and reports how many acknowledged it.
type Network interface {
	Propagate(ctx context.Context, p Payload) (int, error)
}

// Random is the randomness used for simulation. *rand.Rand satisfies it.
type Random interface {
	Float64() float64
	IntN(n int) int
}

// globalRand uses the concurrency-safe top-level math/rand/v2 functions.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// SimulatedNetwork reports a uniformly random node count in [MinNodes, MaxNodes].
type SimulatedNetwork struct {
	MinNodes int
	MaxNodes int
	Rand     Random
}

// Propagate implements Network.
func (n SimulatedNetwork) Propagate(ctx context.Context, _ Payload) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if n.MaxNodes <= n.MinNodes {
		return n.MinNodes, nil
	}
	r := n.Rand
	if r == nil {
		r = globalRand{}
	}
	return n.MinNodes + r.IntN(n.MaxNodes-n.MinNodes+1), nil
}

// Ack is a peer's reply to a propagated payload.
type Ack struct {
	NodeID   string `json:"nodeId"`
	RecordID string `json:"recordId"`
	Digest   string `json:"recordDigest"`
}

// Subject returns the subject a payload is published on.
func Subject(p Payload) string {
	class := p.Classification
	if class == "" {
		class = ClassStandard
	}
	return SubjectPrefix + string(class)
}

// NATSNetwork publishes payloads on fusion.broadcast.<classification> and counts distinct
// peer acks received on a private inbox within AckWindow.
type NATSNetwork struct {
	conn      *nats.Conn
	ackWindow time.Duration
	logger    *slog.Logger
}

// NewNATSNetwork creates a network over conn. A non-positive window uses DefaultAckWindow.
func NewNATSNetwork(conn *nats.Conn, ackWindow time.Duration, logger *slog.Logger) *NATSNetwork {
	if ackWindow <= 0 {
		ackWindow = DefaultAckWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNetwork{conn: conn, ackWindow: ackWindow, logger: logger}
}

// Propagate implements Network. It returns ctx.Err() when ctx ends before the window.
func (n *NATSNetwork) Propagate(ctx context.Context, p Payload) (int, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	inbox := nats.NewInbox()
	sub, err := n.conn.SubscribeSync(inbox)
	if err != nil {
		return 0, fmt.Errorf("subscribe to inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	subject := Subject(p)
	if err := n.conn.PublishRequest(subject, inbox, data); err != nil {
		return 0, fmt.Errorf("publish to %s: %w", subject, err)
	}

	windowCtx, cancel := context.WithTimeout(ctx, n.ackWindow)
	defer cancel()

	seen := make(map[string]struct{})
	for {
		msg, err := sub.NextMsgWithContext(windowCtx)
		if err != nil {
			break
		}
		var ack Ack
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			n.logger.Debug("Ignoring malformed ack", "subject", subject, "error", err)
			continue
		}
		if ack.NodeID == "" || ack.RecordID != p.RecordID {
			continue
		}
		seen[ack.NodeID] = struct{}{}
	}

	if err := ctx.Err(); err != nil {
		return len(seen), err
	}
	n.logger.Debug("Collected peer acks",
		"record_id", p.RecordID,
		"subject", subject,
		"acks", len(seen))
	return len(seen), nil
}

// Peer acknowledges propagated payloads whose record digest checks out.
type Peer struct {
	conn   *nats.Conn
	nodeID string
	digest digest.Function
	logger *slog.Logger

	mu       sync.Mutex
	sub      *nats.Subscription
	acked    atomic.Int64
	declined atomic.Int64
}

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithPeerDigest sets the function used to recompute record digests. It must be the
// one the ledger commits with, or every payload is declined.
func WithPeerDigest(fn digest.Function) PeerOption {
	return func(p *Peer) {
		if fn != nil {
			p.digest = fn
		}
	}
}

// NewPeer creates a peer identified by nodeID.
func NewPeer(conn *nats.Conn, nodeID string, logger *slog.Logger, opts ...PeerOption) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peer{
		conn:   conn,
		nodeID: nodeID,
		digest: digest.Default(),
		logger: logger.With("node_id", nodeID),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NodeID returns the peer's identity.
func (p *Peer) NodeID() string {
	return p.nodeID
}

// Start subscribes to every broadcast subject.
func (p *Peer) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub != nil {
		return errors.New("peer already started")
	}
	sub, err := p.conn.Subscribe(SubjectPrefix+">", p.handle)
	if err != nil {
		return fmt.Errorf("subscribe to %s>: %w", SubjectPrefix, err)
	}
	if err := p.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	p.sub = sub
	p.logger.Info("Peer started", "subject", SubjectPrefix+">")
	return nil
}

// Stop unsubscribes. It is safe to call more than once.
func (p *Peer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub == nil {
		return nil
	}
	err := p.sub.Unsubscribe()
	p.sub = nil
	p.logger.Info("Peer stopped",
		"acked", p.acked.Load(),
		"declined", p.declined.Load())
	return err
}

// Acked returns how many payloads this peer acknowledged.
func (p *Peer) Acked() int64 {
	return p.acked.Load()
}

// Declined returns how many payloads this peer refused.
func (p *Peer) Declined() int64 {
	return p.declined.Load()
}

func (p *Peer) handle(msg *nats.Msg) {
	var payload Payload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		p.declined.Add(1)
		p.logger.Warn("Declining malformed payload", "subject", msg.Subject, "error", err)
		return
	}
	want := p.digest.Record(payload.SubjectID, payload.OwnerRef, payload.ContentRef, payload.IntegrityProof)
	if payload.RecordDigest != want {
		p.declined.Add(1)
		p.logger.Warn("Declining payload with mismatched digest",
			"record_id", payload.RecordID,
			"stored", payload.RecordDigest,
			"computed", want)
		return
	}
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(Ack{NodeID: p.nodeID, RecordID: payload.RecordID, Digest: payload.RecordDigest})
	if err != nil {
		p.logger.Error("Failed to encode ack", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		p.logger.Warn("Failed to send ack", "record_id", payload.RecordID, "error", err)
		return
	}
	p.acked.Add(1)
}
