// Package broadcast propagates committed ledger records to a peer network and records
// every attempt in an append-only history.
//
// A broadcast that is not confirmed is a normal outcome reported through the Receipt, not
// an error. Only malformed payloads fail synchronously, before any network delay.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/fusionledger/events"
	"github.com/c360studio/fusionledger/ledger"
	"github.com/c360studio/fusionledger/metrics"
	"github.com/c360studio/fusionledger/storage"
)

// Confirmer is told when a record's broadcast is confirmed. *ledger.Ledger satisfies it.
type Confirmer interface {
	ConfirmBroadcast(ctx context.Context, id string) bool
}

// Coordinator runs broadcasts and owns the broadcast history. It is safe for concurrent use.
type Coordinator struct {
	confirmer  Confirmer
	store      storage.Store
	blobs      storage.BlobStore
	network    Network
	delay      DelayStrategy
	retryDelay DelayStrategy
	rand       Random
	logger     *slog.Logger
	metrics    *metrics.Metrics
	notifier   events.Notifier
	now        func() time.Time
	newID      func(time.Time) string

	mu       sync.RWMutex
	policy   Policy
	attempts []Attempt
	index    map[string]int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the initial policy. Invalid policies are ignored in favor of the default.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) {
		if err := p.Validate(); err == nil {
			c.policy = p
		}
	}
}

// WithNetwork replaces the simulated network.
func WithNetwork(n Network) Option {
	return func(c *Coordinator) {
		c.network = n
	}
}

// WithDelay sets the strategy for both first attempts and retries.
func WithDelay(d DelayStrategy) Option {
	return func(c *Coordinator) {
		c.delay = d
		c.retryDelay = d
	}
}

// WithRetryDelay sets the strategy used before retries only.
func WithRetryDelay(d DelayStrategy) Option {
	return func(c *Coordinator) {
		c.retryDelay = d
	}
}

// WithRand sets the randomness for success rolls and the simulated network.
func WithRand(r Random) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithBlobStore uploads each payload and records its content address.
func WithBlobStore(b storage.BlobStore) Option {
	return func(c *Coordinator) {
		c.blobs = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithNotifier publishes broadcast lifecycle events.
func WithNotifier(n events.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides broadcast id generation.
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// NewBroadcastID returns broadcast_<unix-millis>_<8 hex chars>.
func NewBroadcastID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("broadcast_%d_%s", at.UnixMilli(), suffix)
}

// NewCoordinator creates a coordinator that confirms records through confirmer and persists
// its history to store.
func NewCoordinator(confirmer Confirmer, store storage.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		confirmer: confirmer,
		store:     store,
		rand:      globalRand{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     NewBroadcastID,
		policy:    DefaultPolicy(),
		attempts:  make([]Attempt, 0),
		index:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the current policy.
func (c *Coordinator) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetPolicy replaces the policy for subsequent attempts. In-flight attempts keep the policy
// they started with.
func (c *Coordinator) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid broadcast policy: %w", err)
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()

	c.logger.Info("Broadcast policy updated",
		"success_probability", p.SuccessProbability,
		"min_quorum", p.MinQuorum,
		"delay", p.Delay)
	return nil
}

// Load restores the persisted history. Attempts left pending by a previous process are
// recorded as rejected so they can be retried.
func (c *Coordinator) Load(ctx context.Context) error {
	data, err := c.store.Get(ctx, storage.KeyBroadcastLog)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Debug("No persisted broadcast log, starting empty")
			return nil
		}
		c.metrics.RecordPersistenceError(storage.KeyBroadcastLog)
		c.logger.Warn("Failed to read persisted broadcast log, starting empty", "error", err)
		return fmt.Errorf("read broadcast log: %w", err)
	}

	var attempts []Attempt
	if err := json.Unmarshal(data, &attempts); err != nil {
		c.logger.Warn("Failed to decode persisted broadcast log, starting empty", "error", err)
		return fmt.Errorf("decode broadcast log: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts = make([]Attempt, 0, len(attempts))
	c.index = make(map[string]int, len(attempts))
	interrupted := 0
	for _, a := range attempts {
		if _, dup := c.index[a.BroadcastID]; dup {
			c.logger.Warn("Duplicate broadcast id in persisted log", "broadcast_id", a.BroadcastID)
			continue
		}
		if a.Status == StatusPending {
			now := c.now()
			a.Status = StatusRejected
			a.Receipt = &Receipt{
				BroadcastID: a.BroadcastID,
				Timestamp:   now,
				Status:      StatusRejected,
				Reason:      ReasonInterrupted,
			}
			a.CompletedAt = &now
			interrupted++
		}
		c.index[a.BroadcastID] = len(c.attempts)
		c.attempts = append(c.attempts, a.clone())
	}
	if interrupted > 0 {
		c.persistLocked(ctx)
	}

	c.logger.Info("Loaded broadcast log",
		"attempts", len(c.attempts),
		"interrupted", interrupted)
	return nil
}

// Broadcast propagates rec and returns the receipt. Rejection is reported in the receipt.
// The error is non-nil only for a malformed payload, or when ctx or the policy timeout ends
// the attempt; in the latter case the attempt is recorded as rejected and its receipt is
// returned as well.
func (c *Coordinator) Broadcast(ctx context.Context, rec ledger.Record) (Receipt, error) {
	policy := c.Policy()
	payload := NewPayload(rec, policy.MaxPillars, c.now())
	if err := payload.Validate(); err != nil {
		return Receipt{}, err
	}
	return c.run(ctx, policy, payload, "", 1)
}

// Retry re-runs the payload of a rejected attempt as a new attempt. It returns ok=false,
// with a warning, when id is unknown or the attempt is not rejected.
func (c *Coordinator) Retry(ctx context.Context, id string) (Receipt, bool, error) {
	c.mu.RLock()
	i, found := c.index[id]
	var prior Attempt
	if found {
		prior = c.attempts[i].clone()
	}
	policy := c.policy
	c.mu.RUnlock()

	if !found {
		c.logger.Warn("Retry for unknown broadcast", "broadcast_id", id)
		return Receipt{}, false, nil
	}
	if prior.Status != StatusRejected {
		c.logger.Warn("Retry for broadcast that is not rejected",
			"broadcast_id", id,
			"status", prior.Status)
		return Receipt{}, false, nil
	}

	// The payload comes back from persisted history, which may have been edited.
	if err := prior.Payload.Validate(); err != nil {
		c.logger.Warn("Refusing retry of invalid payload", "broadcast_id", id, "error", err)
		return Receipt{}, true, err
	}

	receipt, err := c.run(ctx, policy, prior.Payload, id, prior.AttemptNumber+1)
	return receipt, true, err
}

func (c *Coordinator) run(ctx context.Context, policy Policy, payload Payload, retryOf string, attemptNumber int) (Receipt, error) {
	if c.blobs != nil && payload.ContentAddress == "" {
		payload.ContentAddress = c.upload(ctx, payload)
	}

	started := c.now()
	attempt := Attempt{
		BroadcastID:   c.newID(started),
		RetryOf:       retryOf,
		AttemptNumber: attemptNumber,
		Status:        StatusPending,
		Payload:       payload.clone(),
		StartedAt:     started,
	}
	if err := c.begin(ctx, attempt); err != nil {
		return Receipt{}, err
	}

	c.logger.Debug("Broadcast started",
		"broadcast_id", attempt.BroadcastID,
		"record_id", payload.RecordID,
		"classification", payload.Classification,
		"attempt", attemptNumber)
	c.notify(ctx, events.Event{
		Type:        events.TypeBroadcastStarted,
		BroadcastID: attempt.BroadcastID,
		RecordID:    payload.RecordID,
		OwnerRef:    payload.OwnerRef,
		Timestamp:   started,
	})

	runCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	nodes, err := c.roundTrip(runCtx, policy, payload, attemptNumber)

	receipt := Receipt{
		BroadcastID:  attempt.BroadcastID,
		NetworkNodes: nodes,
		Status:       StatusRejected,
	}
	var runErr error
	switch {
	case err != nil && runCtx.Err() != nil:
		receipt.Reason = ReasonCanceled
		runErr = fmt.Errorf("broadcast %s: %w", attempt.BroadcastID, runCtx.Err())
	case err != nil:
		receipt.Reason = fmt.Sprintf("%s: %v", ReasonNetwork, err)
	default:
		receipt.ConsensusReached = nodes >= policy.MinQuorum
		switch {
		case !receipt.ConsensusReached:
			receipt.Reason = ReasonQuorum
		case c.rand.Float64() < policy.SuccessProbability:
			receipt.Confirmed = true
			receipt.Status = StatusConfirmed
		default:
			receipt.Reason = ReasonNetwork
		}
	}
	receipt.Timestamp = c.now()

	c.complete(ctx, receipt)

	outcome := metrics.OutcomeRejected
	if receipt.Confirmed {
		outcome = metrics.OutcomeConfirmed
	} else if receipt.Reason == ReasonCanceled {
		outcome = metrics.OutcomeCanceled
	}
	c.metrics.RecordBroadcast(outcome, receipt.Timestamp.Sub(started))

	if receipt.Confirmed && !c.confirmer.ConfirmBroadcast(context.WithoutCancel(ctx), payload.RecordID) {
		c.logger.Warn("Confirmed broadcast for record missing from ledger",
			"broadcast_id", receipt.BroadcastID,
			"record_id", payload.RecordID)
	}

	eventType := events.TypeBroadcastRejected
	if receipt.Confirmed {
		eventType = events.TypeBroadcastConfirmed
	}
	c.logger.Info("Broadcast completed",
		"broadcast_id", receipt.BroadcastID,
		"record_id", payload.RecordID,
		"status", receipt.Status,
		"nodes", receipt.NetworkNodes,
		"reason", receipt.Reason)
	c.notify(ctx, events.Event{
		Type:        eventType,
		BroadcastID: receipt.BroadcastID,
		RecordID:    payload.RecordID,
		OwnerRef:    payload.OwnerRef,
		Timestamp:   receipt.Timestamp,
	})

	return receipt, runErr
}

// roundTrip waits the configured delay and propagates the payload.
func (c *Coordinator) roundTrip(ctx context.Context, policy Policy, payload Payload, attemptNumber int) (int, error) {
	delay := c.delay
	if attemptNumber > 1 {
		delay = c.retryDelay
		if delay == nil {
			delay = Backoff{Initial: policy.RetryInitial, Max: policy.RetryMax}
		}
		// Backoff counts retries from 1.
		if err := delay.Wait(ctx, attemptNumber-1); err != nil {
			return 0, err
		}
	} else {
		if delay == nil {
			delay = FixedDelay(policy.Delay)
		}
		if err := delay.Wait(ctx, attemptNumber); err != nil {
			return 0, err
		}
	}

	network := c.network
	if network == nil {
		network = SimulatedNetwork{MinNodes: policy.MinNodes, MaxNodes: policy.MaxNodes, Rand: c.rand}
	}
	return network.Propagate(ctx, payload)
}

// upload stores the payload in the blob store. Failures leave the address empty.
func (c *Coordinator) upload(ctx context.Context, payload Payload) string {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to encode payload for upload", "error", err)
		return ""
	}
	addr, err := c.blobs.Put(ctx, data)
	if err != nil {
		c.logger.Warn("Failed to upload payload, broadcasting without content address",
			"record_id", payload.RecordID,
			"error", err)
		return ""
	}
	return addr
}

func (c *Coordinator) begin(ctx context.Context, a Attempt) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.index[a.BroadcastID]; dup {
		return fmt.Errorf("broadcast id collision: %s", a.BroadcastID)
	}
	c.index[a.BroadcastID] = len(c.attempts)
	c.attempts = append(c.attempts, a)
	c.persistLocked(ctx)
	return nil
}

// complete moves a pending attempt to its final status.
func (c *Coordinator) complete(ctx context.Context, r Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.index[r.BroadcastID]
	if !ok || c.attempts[i].Status != StatusPending {
		return
	}
	completed := r.Timestamp
	c.attempts[i].Status = r.Status
	c.attempts[i].Receipt = &r
	c.attempts[i].CompletedAt = &completed
	c.persistLocked(ctx)
}

// History returns every attempt in start order.
func (c *Coordinator) History() []Attempt {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Attempt, len(c.attempts))
	for i, a := range c.attempts {
		out[i] = a.clone()
	}
	return out
}

// ByID returns the attempt with broadcast id.
func (c *Coordinator) ByID(id string) (Attempt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[id]
	if !ok {
		return Attempt{}, false
	}
	return c.attempts[i].clone(), true
}

// ByOwner returns the attempts whose payload is owned by ownerRef, in start order.
func (c *Coordinator) ByOwner(ownerRef string) []Attempt {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Attempt, 0)
	for _, a := range c.attempts {
		if a.Payload.OwnerRef == ownerRef {
			out = append(out, a.clone())
		}
	}
	return out
}

// Stats counts attempts by status.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Total: len(c.attempts)}
	for _, a := range c.attempts {
		switch a.Status {
		case StatusPending:
			s.Pending++
		case StatusConfirmed:
			s.Confirmed++
		case StatusRejected:
			s.Rejected++
		}
		if a.RetryOf != "" {
			s.Retries++
		}
	}
	return s
}

// persistLocked writes the full history. Failures are logged and counted. Caller holds mu.
func (c *Coordinator) persistLocked(ctx context.Context) {
	data, err := json.Marshal(c.attempts)
	if err != nil {
		c.logger.Error("Failed to encode broadcast log", "error", err)
		return
	}
	// Persist even when the caller's context is done so a canceled attempt is not lost.
	if err := c.store.Set(context.WithoutCancel(ctx), storage.KeyBroadcastLog, data); err != nil {
		c.metrics.RecordPersistenceError(storage.KeyBroadcastLog)
		c.logger.Warn("Failed to persist broadcast log, keeping in-memory state",
			"attempts", len(c.attempts),
			"error", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, e events.Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("Failed to publish broadcast event", "type", e.Type, "error", err)
	}
}
