package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/lestiti/presence-guardian-04-sub000/internal/config"
	"github.com/lestiti/presence-guardian-04-sub000/internal/db"
	"github.com/lestiti/presence-guardian-04-sub000/internal/httpapi"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/feed"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/feed/grpcfeed"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/service"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store/memory"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store/postgres"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/store/sqlite"
)

var cfgFile = flag.String("cfg", "", "path to a .env file")

func main() {
	flag.Parse()

	if *cfgFile != "" {
		if err := config.Load(*cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "presence-server: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.FromEnv()

	level := slog.LevelInfo
	if cfg.Env == "dev" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// backend is the store plus the feed that reports its writes.
type backend struct {
	store store.ScanStore
	feed  store.ChangeFeed
	close func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("PRESENCE_DATABASE_URL is required for the postgres store")
		}
		pdb, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate)
		if err != nil {
			return nil, err
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = pdb.Close()
			return nil, err
		}
		// The table trigger notifies every write, including other
		// processes', so the listener is the feed.
		return &backend{
			store: postgres.NewScanStore(logger, pdb),
			feed:  postgres.NewListener(pool, logger),
			close: func() {
				pool.Close()
				_ = pdb.Close()
			},
		}, nil

	case config.StoreMemory:
		hub := feed.NewHub(logger)
		return &backend{
			store: feed.NewPublishingStore(memory.NewScanStore(nil), hub),
			feed:  hub,
			close: func() {},
		}, nil

	default:
		sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Logger: logger})
		if err != nil {
			return nil, err
		}
		writer := db.NewWorker(sqlDB)
		hub := feed.NewHub(logger)
		return &backend{
			store: feed.NewPublishingStore(sqlite.NewScanStore(sqlDB, writer, nil), hub),
			feed:  hub,
			close: func() {
				writer.Close()
				_ = sqlDB.Close()
			},
		}, nil
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// Sessions follow the local feed unless another process owns the
	// authoritative one.
	follow := be.feed
	if cfg.FeedAddr != "" {
		client, err := grpcfeed.Dial(cfg.FeedAddr, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		follow = client
	}

	events := httpapi.NewEventHub(logger)
	svc := service.NewAttendanceService(service.Deps{
		Store:  be.store,
		Feed:   follow,
		Sink:   service.Sinks{service.LogSink{Logger: logger}, events},
		Logger: logger,
	}, cfg.Engine())
	defer svc.Close()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:         logger,
		Addr:           cfg.HTTPAddr,
		Service:        svc,
		Events:         events,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	var (
		gs  *grpc.Server
		lis net.Listener
	)
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs = grpc.NewServer()
		grpcfeed.NewServer(be.feed, logger).Register(gs)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if gs != nil {
		g.Go(func() error {
			logger.Info("change feed listening", "addr", cfg.GRPCAddr)
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Feed streams never end on their own, so no graceful stop.
		if gs != nil {
			gs.Stop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
