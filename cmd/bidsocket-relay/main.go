// Package main provides the bidsocket relay: a development real-time server
// routing negotiation messages between bid rooms over websocket and
// long-polling.
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

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lightforgemedia/go-bidsocket/pkg/config"
	"github.com/lightforgemedia/go-bidsocket/pkg/relay"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "bidsocket-relay",
		Short: "bidsocket relay - rooms for real-time bid negotiation",
		Long: `bidsocket-relay serves the bidsocket wire protocol:

  GET  /ws                          websocket sessions
  POST /poll, GET|POST|DELETE /poll/{sid}  long-polling sessions
  POST /api/bids/{bidId}/messages   inject a negotiation message
  GET  /healthz

Several relays share rooms through a NATS or Redis backplane.

Examples:
  bidsocket-relay                            # memory backplane on :5000
  bidsocket-relay --addr :8080
  bidsocket-relay --backplane nats --nats nats://localhost:4222`,
		RunE:         runRelay,
		SilenceUsage: true,
	}
	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().String("addr", "", "listen address (overrides config)")
	rootCmd.Flags().String("backplane", "", "memory, nats or redis (overrides config)")
	rootCmd.Flags().String("nats", "", "NATS URL (overrides config)")
	rootCmd.Flags().String("redis", "", "Redis address (overrides config)")
	rootCmd.Flags().StringSlice("origin", []string{"localhost:*"}, "allowed websocket origin patterns")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bidsocket-relay %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Relay.Addr = v
	}
	if v, _ := cmd.Flags().GetString("backplane"); v != "" {
		cfg.Relay.Backplane = v
	}
	if v, _ := cmd.Flags().GetString("nats"); v != "" {
		cfg.Relay.NATSURL = v
	}
	if v, _ := cmd.Flags().GetString("redis"); v != "" {
		cfg.Relay.RedisAddr = v
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	origins, _ := cmd.Flags().GetStringSlice("origin")

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bp, err := newBackplane(ctx, cfg.Relay, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bp.Close() }()
	logger.Info("Backplane ready", "kind", cfg.Relay.Backplane)

	r, err := relay.New(
		relay.WithLogger(logger),
		relay.WithBackplane(bp),
		relay.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: origins}),
		relay.WithRateLimit(cfg.Relay.RateLimit, cfg.Relay.RateBurst),
		relay.WithPollIdleTimeout(cfg.Relay.PollIdleTimeout),
		relay.WithSweepSchedule(cfg.Relay.SweepSchedule),
	)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Relay listening", "addr", cfg.Relay.Addr, "relay", r.ID(), "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Relay first so parked polls and websocket sessions end before the listener drains.
		if err := r.Shutdown(shutdownCtx); err != nil {
			logger.Error("Relay shutdown error", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newBackplane(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (relay.Backplane, error) {
	switch cfg.Backplane {
	case config.BackplaneNATS:
		return relay.NewNATSBackplane(relay.NATSOptions{
			URL:     cfg.NATSURL,
			Subject: cfg.Subject,
			Logger:  logger,
		})
	case config.BackplaneRedis:
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return relay.NewRedisBackplane(connectCtx, relay.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.Subject,
			Logger:   logger,
		})
	default:
		return relay.NewMemoryBackplane(0, logger), nil
	}
}
