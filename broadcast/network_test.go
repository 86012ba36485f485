package broadcast_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fusionledger/broadcast"
	"github.com/c360studio/fusionledger/digest"
	"github.com/c360studio/fusionledger/ledger"
	"github.com/c360studio/fusionledger/storage"
	"github.com/c360studio/fusionledger/testutil"
)

func TestSimulatedNetwork_Range(t *testing.T) {
	n := broadcast.SimulatedNetwork{MinNodes: 3, MaxNodes: 7, Rand: rand.New(rand.NewPCG(1, 2))}
	seen := make(map[int]bool)
	for range 500 {
		nodes, err := n.Propagate(context.Background(), broadcast.Payload{})
		require.NoError(t, err)
		require.GreaterOrEqual(t, nodes, 3)
		require.LessOrEqual(t, nodes, 7)
		seen[nodes] = true
	}
	assert.Len(t, seen, 5, "every count in range is reachable")
}

func TestSimulatedNetwork_Degenerate(t *testing.T) {
	n := broadcast.SimulatedNetwork{MinNodes: 4, MaxNodes: 4}
	nodes, err := n.Propagate(context.Background(), broadcast.Payload{})
	require.NoError(t, err)
	assert.Equal(t, 4, nodes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Propagate(ctx, broadcast.Payload{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "fusion.broadcast.genesis", broadcast.Subject(broadcast.Payload{Classification: broadcast.ClassGenesis}))
	assert.Equal(t, "fusion.broadcast.standard", broadcast.Subject(broadcast.Payload{}))
}

func committedPayload(t *testing.T) broadcast.Payload {
	t.Helper()
	l := ledger.New(storage.NewMemoryStore())
	rec, err := l.Commit(context.Background(), input("badge", "A", 8))
	require.NoError(t, err)
	return broadcast.NewPayload(rec, 8, time.Now())
}

func startPeers(t *testing.T, conn *nats.Conn, count int) []*broadcast.Peer {
	t.Helper()
	peers := make([]*broadcast.Peer, count)
	for i := range peers {
		peers[i] = broadcast.NewPeer(conn, fmt.Sprintf("node-%d", i), nil)
		require.NoError(t, peers[i].Start(context.Background()))
		t.Cleanup(func() { _ = peers[i].Stop() })
	}
	return peers
}

func TestNATSNetwork_CountsDistinctPeers(t *testing.T) {
	srv := testutil.StartNATS(t)
	peers := startPeers(t, srv.Conn, 3)

	network := broadcast.NewNATSNetwork(srv.Conn, 300*time.Millisecond, nil)
	nodes, err := network.Propagate(context.Background(), committedPayload(t))
	require.NoError(t, err)
	assert.Equal(t, 3, nodes)
	for _, p := range peers {
		assert.Equal(t, int64(1), p.Acked())
	}
}

func TestNATSNetwork_PeersDeclineTamperedPayload(t *testing.T) {
	srv := testutil.StartNATS(t)
	peers := startPeers(t, srv.Conn, 2)

	payload := committedPayload(t)
	payload.OwnerRef = "mallory"

	network := broadcast.NewNATSNetwork(srv.Conn, 200*time.Millisecond, nil)
	nodes, err := network.Propagate(context.Background(), payload)
	require.NoError(t, err)
	assert.Zero(t, nodes)
	for _, p := range peers {
		assert.Equal(t, int64(1), p.Declined())
	}
}

// upperDigest wraps the default digest over upper-cased fields, so its values never
// match the default function's.
type upperDigest struct{}

func (upperDigest) Record(fields ...string) string {
	up := make([]string, len(fields))
	for i, f := range fields {
		up[i] = strings.ToUpper(f)
	}
	return digest.Default().Record(up...)
}

func (upperDigest) Aggregate(digests []string) string {
	return digest.Default().Aggregate(digests)
}

func TestPeer_UsesConfiguredDigest(t *testing.T) {
	l := ledger.New(storage.NewMemoryStore(), ledger.WithDigest(upperDigest{}))
	rec, err := l.Commit(context.Background(), input("badge", "A", 8))
	require.NoError(t, err)
	payload := broadcast.NewPayload(rec, 8, time.Now())

	tests := []struct {
		name     string
		opts     []broadcast.PeerOption
		acked    int64
		declined int64
	}{
		{name: "default digest declines", acked: 0, declined: 1},
		{name: "shared digest acks", opts: []broadcast.PeerOption{broadcast.WithPeerDigest(upperDigest{})}, acked: 1, declined: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.StartNATS(t)
			p := broadcast.NewPeer(srv.Conn, "node-0", nil, tt.opts...)
			require.NoError(t, p.Start(context.Background()))
			t.Cleanup(func() { _ = p.Stop() })

			network := broadcast.NewNATSNetwork(srv.Conn, 200*time.Millisecond, nil)
			nodes, err := network.Propagate(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, int(tt.acked), nodes)
			assert.Equal(t, tt.acked, p.Acked())
			assert.Equal(t, tt.declined, p.Declined())
		})
	}
}

func TestNATSNetwork_NoPeers(t *testing.T) {
	srv := testutil.StartNATS(t)
	network := broadcast.NewNATSNetwork(srv.Conn, 100*time.Millisecond, nil)

	nodes, err := network.Propagate(context.Background(), committedPayload(t))
	require.NoError(t, err)
	assert.Zero(t, nodes)
}

func TestNATSNetwork_ContextCanceled(t *testing.T) {
	srv := testutil.StartNATS(t)
	network := broadcast.NewNATSNetwork(srv.Conn, time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := network.Propagate(ctx, committedPayload(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeer_StartTwice(t *testing.T) {
	srv := testutil.StartNATS(t)
	p := broadcast.NewPeer(srv.Conn, "node-x", nil)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestCoordinator_OverNATS(t *testing.T) {
	srv := testutil.StartNATS(t)
	startPeers(t, srv.Conn, 4)

	store := storage.NewMemoryStore()
	l := ledger.New(store)
	p := broadcast.DefaultPolicy()
	p.MinQuorum = 3
	c := broadcast.NewCoordinator(l, store,
		broadcast.WithPolicy(p),
		broadcast.WithDelay(broadcast.NoDelay{}),
		broadcast.WithRand(fixedRand{roll: confirmRoll}),
		broadcast.WithNetwork(broadcast.NewNATSNetwork(srv.Conn, 300*time.Millisecond, nil)))

	rec, err := l.Commit(context.Background(), input("badge", "A", 8))
	require.NoError(t, err)

	receipt, err := c.Broadcast(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 4, receipt.NetworkNodes)
	assert.True(t, receipt.Confirmed)

	got, _ := l.ByID(rec.ID)
	assert.True(t, got.BroadcastConfirmed)
}
