package revshared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"revshare/observability/logging"
	telemetry "revshare/observability/otel"
	"revshare/services/revshared/calculator"
	"revshare/services/revshared/config"
	"revshare/services/revshared/export"
	"revshare/services/revshared/network"
	"revshare/services/revshared/notify"
	"revshare/services/revshared/orchestrator"
	"revshare/services/revshared/queue"
	"revshare/services/revshared/rates"
	"revshare/services/revshared/server"
	"revshare/services/revshared/settlement"
	"revshare/services/revshared/settlement/rail"
	"revshare/services/revshared/storage"
)

const serviceName = "revshared"

// Main initialises and runs the revenue share daemon.
func Main() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(ctx, os.Args[1:])
}

// Run parses args and serves until ctx is cancelled.
func Run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "services/revshared/config.yaml", "path to revshared configuration (.yaml or .toml)")
	envFile := flags.String("env-file", ".env", "optional dotenv file loaded before the config")
	logFormat := flags.String("log-format", "", "log encoding: json or console (default follows env)")
	logLevel := flags.String("log-level", "info", "minimum log level")
	logFile := flags.String("log-file", os.Getenv("LOG_FILE"), "optional rotated log file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if path := strings.TrimSpace(*envFile); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if override := strings.TrimSpace(os.Getenv("REVSHARE_ENV")); override != "" {
		env = override
	}
	logger := logging.Setup(logging.Options{
		Service: serviceName,
		Env:     env,
		Format:  *logFormat,
		Level:   logging.ParseLevel(*logLevel),
		File:    *logFile,
	})

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromConfig(serviceName, env, cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	d, err := wire(ctx, cfg, env, logger)
	if err != nil {
		return err
	}
	defer d.close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("revshared listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return d.orchestrator.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	return g.Wait()
}

type daemon struct {
	store        *storage.Storage
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
	closers      []func()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func wire(ctx context.Context, cfg config.Config, env string, logger *slog.Logger) (*daemon, error) {
	d := &daemon{}
	fail := func(err error) (*daemon, error) {
		d.close()
		return nil, err
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	d.store = store
	d.closers = append(d.closers, func() { _ = store.Close() })

	edges, err := edgeSource(ctx, cfg, store, d)
	if err != nil {
		return fail(err)
	}
	resolver, err := network.NewResolver(edges, network.WithMaxLevel(cfg.Calculation.MaxLevel), network.WithLogger(logger))
	if err != nil {
		return fail(err)
	}
	calc, err := calculator.New(store, resolver,
		calculator.WithParams(calculator.ParamsFromConfig(cfg.Calculation)),
		calculator.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	q, err := queue.New(store, queue.PolicyFromConfig(cfg), queue.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	sources, err := rates.SourcesFromConfig(cfg.Rates, httpClient)
	if err != nil {
		return fail(err)
	}
	provider, err := rates.NewProvider(store, sources, cfg.Rates.Freshness.Duration, rates.WithLogger(logger))
	if err != nil {
		return fail(err)
	}

	payments, err := paymentRail(cfg, logger)
	if err != nil {
		return fail(err)
	}
	settler, err := settlement.New(store, q, provider, payments, settlement.PolicyFromConfig(cfg),
		settlement.WithLogger(logger),
		settlement.WithPaused(cfg.Settlement.PauseOnStart))
	if err != nil {
		return fail(err)
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	exporter, err := export.FromConfig(cfg.Export, logger)
	if err != nil {
		return fail(err)
	}
	if exporter != nil {
		opts = append(opts, orchestrator.WithExporter(exporter))
	}
	alerts, sentrySink, err := notify.FromConfig(cfg.Notify, env, httpClient)
	if err != nil {
		return fail(err)
	}
	if alerts != nil {
		opts = append(opts, orchestrator.WithNotifier(alerts))
	}
	if sentrySink != nil {
		d.closers = append(d.closers, func() { sentrySink.Flush(5 * time.Second) })
	}
	orch, err := orchestrator.New(store, calc, q, settler, orchestrator.SettingsFromConfig(cfg), opts...)
	if err != nil {
		return fail(err)
	}
	d.orchestrator = orch

	schedule, err := cfg.PVSchedule()
	if err != nil {
		return fail(err)
	}
	auth, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Admin.JWTSecret,
		Issuer:     cfg.Admin.Issuer,
		Audience:   cfg.Admin.Audience,
	}, logger)
	if err != nil {
		return fail(err)
	}
	srv, err := server.New(server.Config{
		Orchestrator: orch,
		Ledger:       store,
		Queue:        q,
		Settlement:   settler,
		Schedule:     schedule,
		Auth:         auth,
		RateLimit:    server.RateLimit{RPS: cfg.Admin.RateLimit.RPS, Burst: cfg.Admin.RateLimit.Burst},
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	d.server = srv
	return d, nil
}

func edgeSource(ctx context.Context, cfg config.Config, store *storage.Storage, d *daemon) (network.EdgeSource, error) {
	if !strings.EqualFold(cfg.Network.Backend, "neo4j") {
		return store, nil
	}
	password := cfg.Network.Neo4j.Password
	if password == "" && cfg.Network.Neo4j.PasswordEnv != "" {
		password = os.Getenv(cfg.Network.Neo4j.PasswordEnv)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := network.NewNeo4jClient(dialCtx, network.GraphOptions{
		URI:      cfg.Network.Neo4j.URI,
		Database: cfg.Network.Neo4j.Database,
		Username: cfg.Network.Neo4j.Username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect referral graph: %w", err)
	}
	d.closers = append(d.closers, func() { _ = client.Close(context.Background()) })
	return network.NewGraphEdgeSource(client), nil
}

func paymentRail(cfg config.Config, logger *slog.Logger) (rail.Rail, error) {
	logger.Info("payment rail configured",
		slog.String("endpoint", cfg.Rail.Endpoint),
		logging.MaskField("bearer_token", cfg.Rail.BearerToken))
	return rail.NewHTTPClient(cfg.Rail.Endpoint, cfg.Rail.Wallet, cfg.Rail.BearerToken, cfg.Rail.Timeout.Duration, nil)
}
