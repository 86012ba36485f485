package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/fusionledger/broadcast"
	"github.com/c360studio/fusionledger/config"
	"github.com/c360studio/fusionledger/digest"
	"github.com/c360studio/fusionledger/events"
	"github.com/c360studio/fusionledger/ledger"
	"github.com/c360studio/fusionledger/metrics"
	"github.com/c360studio/fusionledger/storage"
)

// App is the composition root: it builds every component once and shares them.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	natsConn       *nats.Conn
	js             jetstream.JetStream
	tempDir        string

	// Storage
	store  storage.Store
	closer func() error
	blobs  storage.BlobStore

	digest      digest.Function
	metrics     *metrics.Metrics
	notifier    events.Notifier
	ledger      *ledger.Ledger
	coordinator *broadcast.Coordinator
	peers       []*broadcast.Peer
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, digest: digest.Default()}
}

// Start initializes all components and restores persisted state.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.NeedsNATS() {
		if err := a.startNATS(ctx); err != nil {
			return fmt.Errorf("start NATS: %w", err)
		}
	}

	if err := a.openStore(ctx); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if err := a.openBlobs(ctx); err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	a.metrics = metrics.New(true)
	if a.cfg.NATS.Events && a.natsConn != nil {
		var pub events.Publisher = events.ConnPublisher{Conn: a.natsConn}
		if a.natsClient != nil {
			pub = a.natsClient
		}
		a.notifier = events.NewNATSNotifier(pub, a.logger)
	}

	a.ledger = ledger.New(a.store,
		ledger.WithDigest(a.digest),
		ledger.WithLogger(a.logger.With("component", "ledger")),
		ledger.WithMetrics(a.metrics),
		ledger.WithNotifier(a.notifier))
	if err := a.ledger.Load(ctx); err != nil {
		a.logger.Warn("Starting with empty ledger", "error", err)
	}

	opts := []broadcast.Option{
		broadcast.WithPolicy(a.cfg.Broadcast.Policy),
		broadcast.WithLogger(a.logger.With("component", "broadcast")),
		broadcast.WithMetrics(a.metrics),
		broadcast.WithNotifier(a.notifier),
	}
	if a.blobs != nil {
		opts = append(opts, broadcast.WithBlobStore(a.blobs))
	}
	if a.cfg.Broadcast.Network == config.NetworkNATS {
		opts = append(opts, broadcast.WithNetwork(
			broadcast.NewNATSNetwork(a.natsConn, a.cfg.Broadcast.AckWindow, a.logger.With("component", "network"))))
	}
	a.coordinator = broadcast.NewCoordinator(a.ledger, a.store, opts...)
	if err := a.coordinator.Load(ctx); err != nil {
		a.logger.Warn("Starting with empty broadcast log", "error", err)
	}

	a.logger.Debug("Components initialized",
		"storage", a.cfg.Storage.Backend,
		"network", a.cfg.Broadcast.Network,
		"entries", a.ledger.Len())
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		client, err := connectToNATS(ctx, a.cfg.NATS.URL, a.cfg.NATS.Name, a.logger)
		if err != nil {
			return err
		}
		a.natsClient = client
		a.natsConn = client.GetConnection()
	} else {
		storeDir := filepath.Join(a.cfg.Storage.Path, "jetstream")
		if a.cfg.Storage.Path == "" || a.cfg.Storage.Backend == config.BackendMemory {
			dir, err := os.MkdirTemp("", "fusionledger-nats-*")
			if err != nil {
				return fmt.Errorf("create JetStream dir: %w", err)
			}
			storeDir = dir
			a.tempDir = dir
		}

		a.logger.Debug("Starting embedded NATS server", "store_dir", storeDir)
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  storeDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		// Wait for server to be ready
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL(), nats.Name(a.cfg.NATS.Name))
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	var (
		js  jetstream.JetStream
		err error
	)
	if a.natsClient != nil {
		js, err = a.natsClient.JetStream()
	} else {
		js, err = jetstream.New(a.natsConn)
	}
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		a.store = storage.NewMemoryStore()
	case config.BackendFile:
		fs, err := storage.NewFileStore(a.cfg.Storage.Path)
		if err != nil {
			return err
		}
		a.store = fs
	case config.BackendSQLite:
		db, err := storage.OpenSQLite(a.cfg.Storage.Path)
		if err != nil {
			return err
		}
		a.store = db
		a.closer = db.Close
	case config.BackendNATS:
		kv, err := storage.NewKVStore(ctx, a.js, a.cfg.Storage.Bucket)
		if err != nil {
			return err
		}
		a.store = kv
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) openBlobs(ctx context.Context) error {
	if !a.cfg.Blobs.Enabled {
		return nil
	}
	if a.cfg.Blobs.Backend == config.BackendNATS {
		bs, err := storage.NewObjectBlobStore(ctx, a.js, a.cfg.Blobs.Bucket)
		if err != nil {
			return err
		}
		a.blobs = bs
		return nil
	}
	a.blobs = storage.NewMemoryBlobStore()
	return nil
}

// StartPeers runs count in-process peers on the NATS connection.
func (a *App) StartPeers(ctx context.Context, count int) error {
	if a.natsConn == nil {
		return fmt.Errorf("peers need a NATS connection")
	}
	host, _ := os.Hostname()
	for i := range count {
		p := broadcast.NewPeer(a.natsConn, fmt.Sprintf("%s-%d", host, i), a.logger.With("component", "peer"),
			broadcast.WithPeerDigest(a.digest))
		if err := p.Start(ctx); err != nil {
			return err
		}
		a.peers = append(a.peers, p)
	}
	return nil
}

// ApplyConfig hands reloadable settings from a changed config file to running components.
func (a *App) ApplyConfig(cfg *config.Config) {
	if err := a.coordinator.SetPolicy(cfg.Broadcast.Policy); err != nil {
		a.logger.Warn("Ignoring reloaded broadcast policy", "error", err)
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(ctx context.Context) {
	for _, p := range a.peers {
		if err := p.Stop(); err != nil {
			a.logger.Warn("Failed to stop peer", "node_id", p.NodeID(), "error", err)
		}
	}

	if a.closer != nil {
		if err := a.closer(); err != nil {
			a.logger.Warn("Failed to close storage", "error", err)
		}
	}

	if a.natsClient != nil {
		if err := a.natsClient.Close(ctx); err != nil {
			a.logger.Warn("Failed to close NATS client", "error", err)
		}
	} else if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	if a.tempDir != "" {
		_ = os.RemoveAll(a.tempDir)
	}
}

func connectToNATS(ctx context.Context, url, name string, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server, unset FUSION_NATS_URL to use the embedded one,
or point FUSION_NATS_URL at a reachable server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
