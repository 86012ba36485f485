// Package ledger implements the append-only fusion ledger.
//
// Records are appended in call order and never deleted or reordered. After every
// mutation the ledger recomputes an aggregate digest over the ordered record digests and
// persists the whole state through a storage.Store. Storage failures are logged and
// counted but never surface to callers: the in-memory state stays authoritative for the
// rest of the process lifetime.
package ledger

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

	"github.com/c360studio/fusionledger/digest"
	"github.com/c360studio/fusionledger/events"
	"github.com/c360studio/fusionledger/metrics"
	"github.com/c360studio/fusionledger/storage"
)

// Ledger is the append-only record store. It is safe for concurrent use.
type Ledger struct {
	store    storage.Store
	digest   digest.Function
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier events.Notifier
	now      func() time.Time
	newID    func(time.Time) string

	mu       sync.RWMutex
	records  []Record
	index    map[string]int
	metadata Metadata
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDigest replaces the digest function.
func WithDigest(fn digest.Function) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.digest = fn
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithNotifier publishes commit and confirmation events.
func WithNotifier(n events.Notifier) Option {
	return func(l *Ledger) {
		l.notifier = n
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// NewRecordID returns fusion_<unix-millis>_<8 hex chars>.
func NewRecordID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("fusion_%d_%s", at.UnixMilli(), suffix)
}

// New creates an empty ledger persisting to store. Call Load to restore saved state.
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		digest: digest.Default(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  NewRecordID,
		index:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metadata = Metadata{
		Version:         FormatVersion,
		IntegrityDigest: l.digest.Aggregate(nil),
		CreatedAt:       l.now(),
	}
	return l
}

// Load replaces the in-memory state with the persisted one. A missing key leaves the
// ledger empty. Read or decode failures are returned but leave the ledger empty and
// usable; the persisted digest is adopted as-is so VerifyIntegrity can report corruption.
func (l *Ledger) Load(ctx context.Context) error {
	data, err := l.store.Get(ctx, storage.KeyLedger)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			l.logger.Debug("No persisted ledger, starting empty")
			return nil
		}
		l.metrics.RecordPersistenceError(storage.KeyLedger)
		l.logger.Warn("Failed to read persisted ledger, starting empty", "error", err)
		return fmt.Errorf("read ledger: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		l.logger.Warn("Failed to decode persisted ledger, starting empty", "error", err)
		return fmt.Errorf("decode ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = make([]Record, 0, len(st.Entries))
	l.index = make(map[string]int, len(st.Entries))
	for _, r := range st.Entries {
		if _, dup := l.index[r.ID]; dup {
			l.logger.Warn("Duplicate record id in persisted ledger", "id", r.ID)
			continue
		}
		l.index[r.ID] = len(l.records)
		l.records = append(l.records, r.clone())
	}
	l.metadata = st.Metadata
	if l.metadata.Version == "" {
		l.metadata.Version = FormatVersion
	}
	l.metrics.SetEntries(len(l.records))

	l.logger.Info("Loaded ledger",
		"entries", len(l.records),
		"integrity_digest", l.metadata.IntegrityDigest)
	return nil
}

// Commit validates in, appends a new record, and persists the ledger.
func (l *Ledger) Commit(ctx context.Context, in FusionInput) (Record, error) {
	if err := in.Validate(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	now := l.now()
	rec := Record{
		ID:             l.newID(now),
		SubjectID:      in.SubjectID,
		OwnerRef:       in.OwnerRef,
		ContentRef:     in.ContentRef,
		IntegrityProof: in.IntegrityProof,
		CreatedAt:      now,
		PillarCount:    in.PillarCount,
		TierLevel:      in.TierLevel,
		GuardianRefs:   in.GuardianRefs,
	}
	rec = rec.clone()
	rec.RecordDigest = l.digest.Record(rec.digestFields()...)

	if _, dup := l.index[rec.ID]; dup {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("record id collision: %s", rec.ID)
	}

	l.index[rec.ID] = len(l.records)
	l.records = append(l.records, rec)
	l.metadata.LastCommitAt = &now
	l.recomputeLocked()
	l.persistLocked(ctx)
	total := len(l.records)
	agg := l.metadata.IntegrityDigest
	l.mu.Unlock()

	l.metrics.RecordCommit(total)
	l.logger.Debug("Committed record",
		"id", rec.ID,
		"owner_ref", rec.OwnerRef,
		"total_entries", total)
	l.notify(ctx, events.Event{
		Type:      events.TypeRecordCommitted,
		RecordID:  rec.ID,
		OwnerRef:  rec.OwnerRef,
		Digest:    agg,
		Timestamp: now,
	})

	return rec.clone(), nil
}

// ConfirmBroadcast marks the record confirmed. It returns false, with a warning, when
// the id is unknown. Confirming an already-confirmed record is a successful no-op.
func (l *Ledger) ConfirmBroadcast(ctx context.Context, id string) bool {
	l.mu.Lock()
	i, ok := l.index[id]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("Confirm for unknown record", "id", id)
		return false
	}
	if l.records[i].BroadcastConfirmed {
		l.mu.Unlock()
		l.logger.Debug("Record already confirmed", "id", id)
		return true
	}

	now := l.now()
	l.records[i].BroadcastConfirmed = true
	l.metadata.LastConfirmedAt = &now
	l.recomputeLocked()
	l.persistLocked(ctx)
	owner := l.records[i].OwnerRef
	agg := l.metadata.IntegrityDigest
	l.mu.Unlock()

	l.metrics.RecordConfirmation()
	l.logger.Info("Record broadcast confirmed", "id", id)
	l.notify(ctx, events.Event{
		Type:      events.TypeRecordConfirmed,
		RecordID:  id,
		OwnerRef:  owner,
		Digest:    agg,
		Timestamp: now,
	})
	return true
}

// All returns every record in insertion order, oldest first.
func (l *Ledger) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = r.clone()
	}
	return out
}

// ByID returns the record with id.
func (l *Ledger) ByID(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[id]
	if !ok {
		return Record{}, false
	}
	return l.records[i].clone(), true
}

// ByOwner returns the records owned by ownerRef, preserving insertion order.
func (l *Ledger) ByOwner(ownerRef string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range l.records {
		if r.OwnerRef == ownerRef {
			out = append(out, r.clone())
		}
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Metadata returns a copy of the ledger metadata.
func (l *Ledger) Metadata() Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.metadata.clone()
}

// Stats counts records by confirmation state.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owners := make(map[string]struct{})
	s := Stats{Total: len(l.records)}
	for _, r := range l.records {
		owners[r.OwnerRef] = struct{}{}
		if r.BroadcastConfirmed {
			s.Confirmed++
		} else {
			s.Pending++
		}
	}
	s.Owners = len(owners)
	return s
}

// VerifyIntegrity recomputes every record digest and the aggregate digest and compares
// them with the stored values. It detects structural corruption of the record set or
// metadata, not forgery: the digest is not cryptographic.
func (l *Ledger) VerifyIntegrity() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked()
}

// verifyLocked implements VerifyIntegrity. Caller holds mu.
func (l *Ledger) verifyLocked() bool {
	if l.metadata.TotalEntries != len(l.records) {
		l.logger.Warn("Integrity check failed: entry count mismatch",
			"metadata_total", l.metadata.TotalEntries,
			"records", len(l.records))
		return false
	}

	digests := make([]string, len(l.records))
	for i, r := range l.records {
		want := l.digest.Record(r.digestFields()...)
		if r.RecordDigest != want {
			l.logger.Warn("Integrity check failed: record digest mismatch",
				"id", r.ID,
				"stored", r.RecordDigest,
				"computed", want)
			return false
		}
		digests[i] = r.RecordDigest
	}

	agg := l.digest.Aggregate(digests)
	if agg != l.metadata.IntegrityDigest {
		l.logger.Warn("Integrity check failed: aggregate digest mismatch",
			"stored", l.metadata.IntegrityDigest,
			"computed", agg)
		return false
	}
	return true
}

// recomputeLocked refreshes TotalEntries and IntegrityDigest. Caller holds mu.
func (l *Ledger) recomputeLocked() {
	digests := make([]string, len(l.records))
	for i, r := range l.records {
		digests[i] = r.RecordDigest
	}
	l.metadata.TotalEntries = len(l.records)
	l.metadata.IntegrityDigest = l.digest.Aggregate(digests)
}

// persistLocked writes the full state. Failures are logged and counted. Caller holds mu
// so persisted snapshots are written in mutation order. The write ignores cancellation
// of ctx: a mutation already applied in memory must reach the store.
func (l *Ledger) persistLocked(ctx context.Context) {
	data, err := json.Marshal(state{Metadata: l.metadata, Entries: l.records})
	if err != nil {
		l.logger.Error("Failed to encode ledger", "error", err)
		return
	}
	if err := l.store.Set(context.WithoutCancel(ctx), storage.KeyLedger, data); err != nil {
		l.metrics.RecordPersistenceError(storage.KeyLedger)
		l.logger.Warn("Failed to persist ledger, keeping in-memory state",
			"entries", len(l.records),
			"error", err)
	}
}

func (l *Ledger) notify(ctx context.Context, e events.Event) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Warn("Failed to publish ledger event", "type", e.Type, "error", err)
	}
}
