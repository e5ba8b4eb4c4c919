package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/api"
	"github.com/manpreetbhatti/folio/internal/blob"
	"github.com/manpreetbhatti/folio/internal/config"
	"github.com/manpreetbhatti/folio/internal/db"
	"github.com/manpreetbhatti/folio/internal/janitor"
	"github.com/manpreetbhatti/folio/internal/metrics"
	"github.com/manpreetbhatti/folio/internal/presence"
	"github.com/manpreetbhatti/folio/internal/ratelimit"
	"github.com/manpreetbhatti/folio/internal/relay"
	"github.com/manpreetbhatti/folio/internal/room"
	"github.com/manpreetbhatti/folio/internal/session"
	"github.com/manpreetbhatti/folio/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	addr      string
	dbPath    string
	logLevel  string
	storage   string
	uploadDir string
	redisAddr string
}

func serveCmd(configPath *string) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, buildLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat))
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "catalog database path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().StringVar(&flags.storage, "storage", "", "upload storage driver: disk or s3")
	cmd.Flags().StringVar(&flags.uploadDir, "upload-dir", "", "directory for the disk storage driver")
	cmd.Flags().StringVar(&flags.redisAddr, "redis", "", "Redis address for the room event relay")

	return cmd
}

// apply overrides cfg with the flags that were set on the command line.
func (f serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("addr") {
		cfg.Addr = f.addr
	}
	if set("db") {
		cfg.DBPath = f.dbPath
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("storage") {
		cfg.Storage.Driver = f.storage
	}
	if set("upload-dir") {
		cfg.Storage.Dir = f.uploadDir
	}
	if set("redis") {
		cfg.Redis.Addr = f.redisAddr
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig, maxSize int64) (blob.Store, error) {
	switch cfg.Driver {
	case "s3":
		client, err := blob.NewS3Client(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return blob.NewS3Store(client, cfg.Bucket, cfg.Prefix, maxSize), nil
	case "disk":
		return blob.NewDiskStore(cfg.Dir, maxSize)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	files, err := openStore(ctx, cfg.Storage, cfg.MaxUploadBytes)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	m, reg := metrics.NewWithRegistry()

	registry := presence.NewRegistry()
	store := annotation.NewStore(annotation.WithMaxBodyLength(cfg.MaxBodyLength))
	opts := []session.Option{
		session.WithLogger(logger.With("component", "session")),
		session.WithMetrics(m),
	}

	var events *relay.Relay
	if cfg.Redis.Addr != "" {
		rdb, err := relay.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		events = relay.New(rdb, cfg.Redis.ChannelPrefix, 1024, logger.With("component", "relay"))
		opts = append(opts, session.WithSink(events))
	}

	handler := session.NewHandler(registry, store, room.NewBroadcaster(registry, m), opts...)
	hub := ws.NewHub(handler, ws.Config{
		SendBuffer:        cfg.WS.SendBuffer,
		MessagesPerSecond: cfg.WS.MessagesPerSecond,
		MessageBurst:      cfg.WS.MessageBurst,
		MaxMessageBytes:   cfg.WS.MaxMessageBytes,
		AllowedOrigins:    cfg.AllowedOrigins,
	}, logger.With("component", "hub"))

	limiter := ratelimit.NewKeyed(5, 20)
	routes := api.New(hub, database, files, api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		Logger:         logger.With("component", "api"),
	}).Routes()

	sweeper := janitor.New(database, files, janitor.Config{
		Interval: cfg.Janitor.Interval,
		Grace:    cfg.Janitor.Grace,
	}, logger.With("component", "janitor"))
	sweeper.Start()
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		limiter.Run(gctx, time.Minute)
		return nil
	})
	if events != nil {
		g.Go(func() error { return events.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("folio listening",
			"addr", cfg.Addr, "storage", cfg.Storage.Driver, "relay", events != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
