// Package testutil provides shared test helpers: an in-process JetStream-enabled
// NATS server and failure-injecting store doubles.
//
// Usage:
//
//	srv := testutil.StartNATS(t)
//	kv, err := storage.NewKVStore(ctx, srv.JetStream, "TEST")
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSServer bundles an embedded server with a connected client.
type NATSServer struct {
	Server    *server.Server
	Conn      *nats.Conn
	JetStream jetstream.JetStream
}

// URL returns the client URL of the embedded server.
func (s *NATSServer) URL() string {
	return s.Server.ClientURL()
}

// StartNATS starts an embedded NATS server with JetStream on a random port.
// The server and connection are torn down when the test finishes.
func StartNATS(t testing.TB) *NATSServer {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to embedded NATS: %v", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		t.Fatalf("create JetStream context: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return &NATSServer{Server: ns, Conn: conn, JetStream: js}
}
