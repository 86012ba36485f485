package ledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fusionledger/events"
	"github.com/c360studio/fusionledger/ledger"
	"github.com/c360studio/fusionledger/storage"
	"github.com/c360studio/fusionledger/testutil"
)

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func input(subject, owner string) ledger.FusionInput {
	return ledger.FusionInput{
		SubjectID:      subject,
		OwnerRef:       owner,
		ContentRef:     "bafy-" + subject,
		IntegrityProof: "zkp-" + subject,
		PillarCount:    4,
		TierLevel:      2,
		GuardianRefs:   []string{"guardian-1"},
	}
}

func newLedger(t *testing.T, store storage.Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	opts = append([]ledger.Option{ledger.WithClock(stepClock())}, opts...)
	return ledger.New(store, opts...)
}

func TestCommit_AppendsInCallOrder(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := l.Commit(ctx, input(fmt.Sprintf("badge-%d", i), "did:civic:alice"))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	all := l.All()
	require.Len(t, all, 5)
	for i, r := range all {
		assert.Equal(t, ids[i], r.ID)
		assert.Equal(t, fmt.Sprintf("badge-%d", i), r.SubjectID)
		assert.False(t, r.BroadcastConfirmed)
		assert.NotEmpty(t, r.RecordDigest)
	}
	assert.Equal(t, 5, l.Metadata().TotalEntries)
	assert.NotNil(t, l.Metadata().LastCommitAt)
}

func TestCommit_PriorRecordsUnchanged(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())

	first, err := l.Commit(ctx, input("badge-1", "A"))
	require.NoError(t, err)
	snapshot := l.All()

	_, err = l.Commit(ctx, input("badge-2", "B"))
	require.NoError(t, err)
	require.True(t, l.ConfirmBroadcast(ctx, first.ID))

	got, ok := l.ByID(first.ID)
	require.True(t, ok)
	want := snapshot[0]
	want.BroadcastConfirmed = true
	assert.Equal(t, want, got)
}

func TestCommit_ReturnedRecordIsACopy(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())

	in := input("badge-1", "A")
	rec, err := l.Commit(ctx, in)
	require.NoError(t, err)

	rec.GuardianRefs[0] = "mutated"
	in.GuardianRefs[0] = "mutated-input"

	stored, ok := l.ByID(rec.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"guardian-1"}, stored.GuardianRefs)
	assert.True(t, l.VerifyIntegrity())
}

func TestCommit_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ledger.FusionInput)
		field  string
	}{
		{"missing subject", func(in *ledger.FusionInput) { in.SubjectID = "" }, "subjectId"},
		{"blank owner", func(in *ledger.FusionInput) { in.OwnerRef = "   " }, "ownerRef"},
		{"missing content", func(in *ledger.FusionInput) { in.ContentRef = "" }, "contentRef"},
		{"missing proof", func(in *ledger.FusionInput) { in.IntegrityProof = "" }, "integrityProof"},
		{"zero pillars", func(in *ledger.FusionInput) { in.PillarCount = 0 }, "pillarCount"},
		{"negative tier", func(in *ledger.FusionInput) { in.TierLevel = -1 }, "tierLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewFlakyStore()
			l := newLedger(t, store)

			in := input("badge", "A")
			tt.modify(&in)
			_, err := l.Commit(context.Background(), in)

			require.Error(t, err)
			assert.True(t, ledger.IsValidation(err))
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Zero(t, l.Len())
			assert.Zero(t, store.SetCalls(), "nothing persisted on validation failure")
		})
	}
}

func TestCommit_EmptyGuardiansAllowed(t *testing.T) {
	l := newLedger(t, storage.NewMemoryStore())
	in := input("badge", "A")
	in.GuardianRefs = nil

	rec, err := l.Commit(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rec.GuardianRefs)
}

func TestVerifyIntegrity_AfterEveryMutation(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())
	assert.True(t, l.VerifyIntegrity(), "empty ledger")

	for i := 0; i < 3; i++ {
		rec, err := l.Commit(ctx, input(fmt.Sprintf("badge-%d", i), "A"))
		require.NoError(t, err)
		assert.True(t, l.VerifyIntegrity(), "after commit %d", i)

		require.True(t, l.ConfirmBroadcast(ctx, rec.ID))
		assert.True(t, l.VerifyIntegrity(), "after confirm %d", i)
	}
}

func TestIntegrityDigest_Deterministic(t *testing.T) {
	ctx := context.Background()
	a := newLedger(t, storage.NewMemoryStore())
	b := newLedger(t, storage.NewMemoryStore())

	for _, l := range []*ledger.Ledger{a, b} {
		_, err := l.Commit(ctx, input("one", "A"))
		require.NoError(t, err)
		_, err = l.Commit(ctx, input("two", "B"))
		require.NoError(t, err)
	}

	assert.Equal(t, a.Metadata().IntegrityDigest, b.Metadata().IntegrityDigest)
}

func TestIntegrityDigest_OrderSensitive(t *testing.T) {
	ctx := context.Background()
	forward := newLedger(t, storage.NewMemoryStore())
	reverse := newLedger(t, storage.NewMemoryStore())

	p1, p2 := input("one", "A"), input("two", "B")

	_, err := forward.Commit(ctx, p1)
	require.NoError(t, err)
	_, err = forward.Commit(ctx, p2)
	require.NoError(t, err)

	_, err = reverse.Commit(ctx, p2)
	require.NoError(t, err)
	_, err = reverse.Commit(ctx, p1)
	require.NoError(t, err)

	assert.NotEqual(t, forward.Metadata().IntegrityDigest, reverse.Metadata().IntegrityDigest)
}

func TestConfirmBroadcast_Idempotent(t *testing.T) {
	ctx := context.Background()
	rec := &events.Recorder{}
	l := newLedger(t, storage.NewMemoryStore(), ledger.WithNotifier(rec))

	r, err := l.Commit(ctx, input("badge", "A"))
	require.NoError(t, err)

	assert.True(t, l.ConfirmBroadcast(ctx, r.ID))
	digestAfterFirst := l.Metadata().IntegrityDigest
	assert.True(t, l.ConfirmBroadcast(ctx, r.ID))

	got, _ := l.ByID(r.ID)
	assert.True(t, got.BroadcastConfirmed)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, digestAfterFirst, l.Metadata().IntegrityDigest)
	assert.Equal(t, []events.Type{events.TypeRecordCommitted, events.TypeRecordConfirmed}, rec.Types(),
		"second confirmation emits nothing")
}

func TestConfirmBroadcast_UnknownID(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFlakyStore()
	l := newLedger(t, store)

	_, err := l.Commit(ctx, input("badge", "A"))
	require.NoError(t, err)
	before := l.All()
	beforeMeta := l.Metadata()
	setsBefore := store.SetCalls()

	assert.False(t, l.ConfirmBroadcast(ctx, "nonexistent"))
	assert.Equal(t, before, l.All())
	assert.Equal(t, beforeMeta, l.Metadata())
	assert.Equal(t, setsBefore, store.SetCalls())
}

func TestByOwner_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())

	r1, err := l.Commit(ctx, input("first", "A"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, input("second", "B"))
	require.NoError(t, err)
	r3, err := l.Commit(ctx, input("third", "A"))
	require.NoError(t, err)

	got := l.ByOwner("A")
	require.Len(t, got, 2)
	assert.Equal(t, r1.ID, got[0].ID)
	assert.Equal(t, r3.ID, got[1].ID)
	assert.Empty(t, l.ByOwner("C"))
}

func TestByID_Missing(t *testing.T) {
	l := newLedger(t, storage.NewMemoryStore())
	_, ok := l.ByID("missing")
	assert.False(t, ok)
}

func TestExportJSON_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())
	for i := 0; i < 3; i++ {
		_, err := l.Commit(ctx, input(fmt.Sprintf("badge-%d", i), "A"))
		require.NoError(t, err)
	}

	data, err := l.ExportJSON()
	require.NoError(t, err)

	var doc ledger.Export
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Equal(t, l.Metadata().TotalEntries, doc.Metadata.TotalEntries)
	assert.Equal(t, ledger.FormatVersion, doc.Metadata.Version)
	assert.True(t, doc.Metadata.Verified)

	all := l.All()
	require.Len(t, doc.Entries, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, doc.Entries[i].ID)
	}

	// Only plain primitives: decode into generic JSON and check the envelope keys.
	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Contains(t, generic, "metadata")
	assert.Contains(t, generic, "entries")
	md := generic["metadata"].(map[string]any)
	assert.Contains(t, md, "exported")
	assert.EqualValues(t, 3, md["totalEntries"])
}

func TestExportJSON_StableFieldOrder(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	seq := 0
	ids := func(time.Time) string { seq++; return fmt.Sprintf("fusion_%d", seq) }

	build := func() []byte {
		seq = 0
		l := ledger.New(storage.NewMemoryStore(), ledger.WithClock(clock), ledger.WithIDGenerator(ids))
		_, err := l.Commit(ctx, input("badge", "A"))
		require.NoError(t, err)
		data, err := l.ExportJSON()
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(build()), string(build()))
}

func TestLoad_RestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	first := newLedger(t, store)

	r1, err := first.Commit(ctx, input("one", "A"))
	require.NoError(t, err)
	_, err = first.Commit(ctx, input("two", "B"))
	require.NoError(t, err)
	require.True(t, first.ConfirmBroadcast(ctx, r1.ID))

	second := newLedger(t, store)
	require.NoError(t, second.Load(ctx))

	assert.Equal(t, first.Metadata().IntegrityDigest, second.Metadata().IntegrityDigest)
	require.Equal(t, 2, second.Len())
	got, ok := second.ByID(r1.ID)
	require.True(t, ok)
	assert.True(t, got.BroadcastConfirmed)
	assert.True(t, second.VerifyIntegrity())

	_, err = second.Commit(ctx, input("three", "A"))
	require.NoError(t, err)
	assert.Equal(t, 3, second.Metadata().TotalEntries)
}

func TestCommit_PersistsDespiteCanceledContext(t *testing.T) {
	store := storage.NewMemoryStore()
	l := newLedger(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := l.Commit(ctx, input("one", "A"))
	require.NoError(t, err)
	require.True(t, l.ConfirmBroadcast(ctx, rec.ID))

	data, err := store.Get(context.Background(), storage.KeyLedger)
	require.NoError(t, err, "committed record must reach the store")
	assert.Contains(t, string(data), rec.ID)

	restored := newLedger(t, store)
	require.NoError(t, restored.Load(context.Background()))
	require.Equal(t, 1, restored.Len())
	got, ok := restored.ByID(rec.ID)
	require.True(t, ok)
	assert.True(t, got.BroadcastConfirmed)
	assert.True(t, restored.VerifyIntegrity())
}

func TestLoad_MissingKeyStartsEmpty(t *testing.T) {
	l := newLedger(t, storage.NewMemoryStore())
	require.NoError(t, l.Load(context.Background()))
	assert.Zero(t, l.Len())
	assert.True(t, l.VerifyIntegrity())
}

func TestLoad_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l := newLedger(t, store)
	_, err := l.Commit(ctx, input("one", "A"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, input("two", "B"))
	require.NoError(t, err)

	raw, err := store.Get(ctx, storage.KeyLedger)
	require.NoError(t, err)

	tests := []struct {
		name    string
		corrupt func(doc map[string]any)
	}{
		{"swapped entries", func(doc map[string]any) {
			entries := doc["entries"].([]any)
			entries[0], entries[1] = entries[1], entries[0]
		}},
		{"dropped entry", func(doc map[string]any) {
			doc["entries"] = doc["entries"].([]any)[:1]
		}},
		{"tampered aggregate", func(doc map[string]any) {
			doc["metadata"].(map[string]any)["integrityDigest"] = "0000000000000000"
		}},
		{"tampered field", func(doc map[string]any) {
			doc["entries"].([]any)[0].(map[string]any)["ownerRef"] = "mallory"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc map[string]any
			require.NoError(t, json.Unmarshal(raw, &doc))
			tt.corrupt(doc)
			data, err := json.Marshal(doc)
			require.NoError(t, err)

			corrupted := storage.NewMemoryStore()
			require.NoError(t, corrupted.Set(ctx, storage.KeyLedger, data))

			reloaded := newLedger(t, corrupted)
			require.NoError(t, reloaded.Load(ctx))
			assert.False(t, reloaded.VerifyIntegrity())
		})
	}
}

func TestLoad_UndecodableState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(ctx, storage.KeyLedger, []byte("{not json")))

	l := newLedger(t, store)
	assert.Error(t, l.Load(ctx))
	assert.Zero(t, l.Len())

	_, err := l.Commit(ctx, input("badge", "A"))
	assert.NoError(t, err, "ledger stays usable")
}

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFlakyStore()
	l := newLedger(t, store)

	store.FailSets(true)
	rec, err := l.Commit(ctx, input("badge", "A"))
	require.NoError(t, err)
	assert.True(t, l.ConfirmBroadcast(ctx, rec.ID))

	got, ok := l.ByID(rec.ID)
	require.True(t, ok, "in-memory state is authoritative")
	assert.True(t, got.BroadcastConfirmed)
	assert.True(t, l.VerifyIntegrity())

	_, err = store.Get(ctx, storage.KeyLedger)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	store.FailSets(false)
	_, err = l.Commit(ctx, input("badge-2", "A"))
	require.NoError(t, err)
	data, err := store.Get(ctx, storage.KeyLedger)
	require.NoError(t, err)
	assert.Contains(t, string(data), rec.ID, "next successful write carries the full state")
}

func TestLoad_ReadFailure(t *testing.T) {
	store := testutil.NewFlakyStore()
	store.FailGets(true)
	l := newLedger(t, store)

	err := l.Load(context.Background())
	require.Error(t, err)
	assert.True(t, storage.IsPersistence(err))
	assert.Zero(t, l.Len())
}

func TestConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(storage.NewMemoryStore())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Commit(ctx, input(fmt.Sprintf("badge-%d", i), "A"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, l.Len())
	assert.Equal(t, n, l.Metadata().TotalEntries)
	assert.True(t, l.VerifyIntegrity())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, storage.NewMemoryStore())
	r1, err := l.Commit(ctx, input("one", "A"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, input("two", "B"))
	require.NoError(t, err)
	_, err = l.Commit(ctx, input("three", "A"))
	require.NoError(t, err)
	l.ConfirmBroadcast(ctx, r1.ID)

	assert.Equal(t, ledger.Stats{Total: 3, Confirmed: 1, Pending: 2, Owners: 2}, l.Stats())
}

func TestNewRecordID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	id := ledger.NewRecordID(at)
	assert.Regexp(t, `^fusion_1700000000123_[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, ledger.NewRecordID(at))
}
