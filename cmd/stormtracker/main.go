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

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	httpadapter "github.com/couchcryptid/storm-stream-client/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-stream-client/internal/adapter/kafka"
	"github.com/couchcryptid/storm-stream-client/internal/adapter/stormrpc"
	"github.com/couchcryptid/storm-stream-client/internal/config"
	"github.com/couchcryptid/storm-stream-client/internal/identity"
	"github.com/couchcryptid/storm-stream-client/internal/observability"
	"github.com/couchcryptid/storm-stream-client/internal/registry"
	"github.com/couchcryptid/storm-stream-client/internal/state"
)

var (
	regions  []string
	httpAddr string
	tail     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stormtracker",
		Short: "Stream live storm updates for a set of regions",
		Long: `stormtracker signs in to the storm realm, opens one server stream per
region and serves the latest update for each region over HTTP and WebSocket.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("regions") {
				cfg.Regions = regions
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringSliceVarP(&regions, "regions", "r", nil, "Regions to stream on startup (overrides REGIONS)")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	rootCmd.Flags().BoolVarP(&tail, "tail", "t", false, "Print region updates to the terminal")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("stormtracker failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	kc, err := identity.NewKeycloak(identity.KeycloakConfig{
		BaseURL:      cfg.KeycloakURL,
		Realm:        cfg.KeycloakRealm,
		ClientID:     cfg.KeycloakClientID,
		RedirectURI:  cfg.KeycloakRedirectURI,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		OpenBrowser:  cfg.OpenBrowser,
		Timeout:      cfg.TokenRefreshTimeout,
	}, clock, logger)
	if err != nil {
		return fmt.Errorf("create identity provider: %w", err)
	}

	client, err := stormrpc.Dial(cfg.StormAddr)
	if err != nil {
		return err
	}

	store := state.NewStore()
	store.Subscribe(func(state.Change) {
		metrics.StateEntries.Set(float64(store.Len()))
	})

	var publisher *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, logger, metrics, clock)
		store.Subscribe(publisher.Observe)
		logger.Info("kafka fan-out enabled", "topic", cfg.KafkaSinkTopic, "brokers", cfg.KafkaBrokers)
	}
	if tail {
		store.Subscribe(newTailRenderer(os.Stdout).Observe)
	}

	reg := registry.New(registry.Options{
		Provider:       kc,
		Transport:      client,
		Store:          store,
		Logger:         logger,
		Metrics:        metrics,
		MinValidity:    cfg.TokenMinValidity,
		RefreshTimeout: cfg.TokenRefreshTimeout,
	})

	startDefaults := func(ctx context.Context) {
		if err := reg.StartRegions(ctx, cfg.Regions); err != nil {
			logger.Warn("default regions not started", "error", err)
		}
	}

	srv := httpadapter.NewServer(httpadapter.Options{
		Addr:    cfg.HTTPAddr,
		Regions: reg,
		Store:   store,
		Auth:    kc,
		OnLogin: startDefaults,
		Metrics: metrics,
		Logger:  logger,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Without a session the realm login page is opened once; the callback
	// starts the default regions.
	if kc.IsAuthenticated() {
		startDefaults(ctx)
	} else if err := kc.Login(); err != nil {
		logger.Warn("login redirect failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	reg.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}
	if err := client.Close(); err != nil {
		logger.Error("grpc client close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
