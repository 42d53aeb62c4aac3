package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyradmin/internal/config"
	"github.com/ryandielhenn/zephyradmin/internal/logging"
	"github.com/ryandielhenn/zephyradmin/internal/telemetry"
	"github.com/ryandielhenn/zephyradmin/pkg/directory"
	"github.com/ryandielhenn/zephyradmin/pkg/logstore"
	"github.com/ryandielhenn/zephyradmin/pkg/mailbox"
	"github.com/ryandielhenn/zephyradmin/pkg/metadata"
	"github.com/ryandielhenn/zephyradmin/pkg/node"
	"github.com/ryandielhenn/zephyradmin/pkg/progress"
	"github.com/ryandielhenn/zephyradmin/pkg/wire"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("ZEPHYR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// 1. Logger, tee'd into the local log store served to peers
	logs := logstore.NewStore(cfg.Log.RetainBytes, cfg.Log.RetainAge)
	logger, err := logging.New(cfg.Log, logs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.SetBuildInfo(version, gitSHA)
	if err := run(ctx, cfg, logger, logs); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("admin node exited", zap.Error(err))
	}
	logger.Info("admin node stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, logs *logstore.Store) error {
	self := directory.Peer{
		ID:        cfg.SelfID(),
		Name:      cfg.Self.Name,
		Mailbox:   cfg.Mailbox(),
		AdminAddr: node.AdvertiseAddr(cfg.Self.AdvertiseAddr),
		Started:   time.Now().UTC(),
	}
	logger = logger.With(zap.String("node", self.ID.String()))
	dir := directory.New(self)
	tracker := progress.NewTracker()

	g, ctx := errgroup.WithContext(ctx)

	// 2. etcd: metadata store and peer directory
	var store metadata.Store
	if len(cfg.Etcd.Endpoints) > 0 {
		logger.Info("creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()

		store = metadata.NewEtcdStore(cli.KV, cfg.Etcd.MetadataKey)

		reg := directory.NewRegistrar(cli, dir, directory.RegistrarConfig{
			Prefix: cfg.Etcd.PeerPrefix,
			TTL:    cfg.Etcd.LeaseTTL,
		}, logger)
		unregister, err := reg.Register(ctx, self)
		if err != nil {
			return err
		}
		defer unregister()
		g.Go(func() error { return reg.Run(ctx) })
	} else {
		logger.Warn("no etcd endpoints configured; running standalone with in-memory metadata")
		mem, err := metadata.NewMemoryStore(nil)
		if err != nil {
			return err
		}
		store = mem
	}

	// 3. Mailbox: answer peers' fan-out queries and send our own
	mux := mailbox.NewMux(logger)
	mux.Handle(mailbox.KindLogs, logs.HandleQuery)
	mux.Handle(mailbox.KindProgress, tracker.HandleQuery)

	var transport mailbox.Transport
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("zephyradmin-"+self.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		transport = mailbox.NewNATS(nc, logger)
		g.Go(func() error { return mailbox.Serve(ctx, nc, self.Mailbox, mux) })
	} else {
		logger.Warn("no nats url configured; fan-out reaches this node only")
		local := mailbox.NewLocal()
		local.Bind(self.Mailbox, mux)
		transport = local
	}

	// 4. Admin listener (wire engine)
	meta := metadata.NewApp(store, metadata.Config{
		Actor:      self.ID.String(),
		MaxRetries: cfg.Metadata.MaxRetries,
	}, logger)
	admin := wire.NewServer(newAdminApp(meta, dir, transport, cfg.Fanout.PeerTimeout, logger), wire.Config{
		Limits: wire.Limits{
			MaxHeaderBytes:       cfg.Admin.MaxHeaderBytes,
			MaxBodyBytes:         cfg.Admin.MaxBodyBytes,
			LenientContentLength: cfg.Admin.LenientContentLength,
		},
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		CloseAgents:  cfg.Admin.CloseAgents,
		Observe:      telemetry.ObserveResponse,
	}, logger)
	ln, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	logger.Info("admin listener up", zap.String("addr", ln.Addr().String()))
	g.Go(func() error { return admin.Serve(ctx, ln) })

	// 5. Ops listener: health, info, metrics and backfill progress reports
	n := node.NewNode(self, dir, store, logs)
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/healthz", n.Healthz)
	opsMux.Handle("/info", telemetry.InstrumentHTTP("info", http.HandlerFunc(n.Info)))
	opsMux.Handle("/metrics", telemetry.MetricsHandler())
	opsMux.Handle("/progress", telemetry.InstrumentHTTP("progress", tracker.ReportHandler()))
	ops := &http.Server{Addr: cfg.Ops.Addr, Handler: opsMux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info("ops listener up", zap.String("addr", cfg.Ops.Addr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ops.Shutdown(sctx)
	})

	return g.Wait()
}
