package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/sectoragent/pkg/agent"
	"github.com/nstogner/sectoragent/pkg/auth"
	"github.com/nstogner/sectoragent/pkg/config"
	"github.com/nstogner/sectoragent/pkg/domain"
	"github.com/nstogner/sectoragent/pkg/memory"
	"github.com/nstogner/sectoragent/pkg/metrics"
	"github.com/nstogner/sectoragent/pkg/model"
	"github.com/nstogner/sectoragent/pkg/model/anthropic"
	"github.com/nstogner/sectoragent/pkg/model/gemini"
	"github.com/nstogner/sectoragent/pkg/model/openai"
	"github.com/nstogner/sectoragent/pkg/retrieval"
	"github.com/nstogner/sectoragent/pkg/server"
	"github.com/nstogner/sectoragent/pkg/store/sqlite"
	"github.com/nstogner/sectoragent/pkg/tools"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn or error (overrides config)")
	flag.Parse()

	// A missing .env file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(1)
	}

	// Setup logger.
	level, _ := cfg.Logging.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize store.
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer store.Close()

	// Seed the configured API callers.
	principals := make(map[string]auth.Principal, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		user := &domain.User{ID: u.ID, Email: u.Email, FullName: u.FullName, IsActive: true}
		if err := store.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.Email, err)
		}
		principals[u.Token] = auth.Principal{UserID: user.ID, Email: user.Email, FullName: user.FullName}
	}
	if len(principals) == 0 {
		logger.Warn("No auth users configured; every protected route will answer 401")
	}

	mem := memory.New(
		memory.WithMaxSize(cfg.Memory.MaxSize),
		memory.WithRetentionDays(cfg.Memory.RetentionDays),
		memory.WithLogger(logger),
	)

	// Initialize retrieval.
	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	index, err := retrieval.NewCachedIndex(
		retrieval.NewVectorIndex(embedder, logger),
		cfg.Retrieval.CacheMaxCost,
		cfg.Retrieval.CacheTTL,
	)
	if err != nil {
		return fmt.Errorf("initializing search cache: %w", err)
	}
	defer index.Close()

	// Initialize model provider.
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing %s provider: %w", cfg.Model.Provider, err)
	}

	// Metrics go to stdout; logs own stderr.
	var meter metric.Meter
	if cfg.Metrics.Exporter == "stdout" {
		mp, err := metrics.NewStdoutProvider(os.Stdout, cfg.Metrics.Interval)
		if err != nil {
			return fmt.Errorf("initializing metrics exporter: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(ctx); err != nil {
				logger.Warn("Failed to flush metrics", "error", err)
			}
		}()
		meter = mp.Meter("sectoragent/agent")
	}
	recorder, err := metrics.NewRecorder(meter)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	ag, err := agent.New(agent.Config{
		Model:        cfg.Model.Name,
		SystemPrompt: cfg.Model.SystemPrompt,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		TopK:         cfg.Retrieval.TopK,
		Threshold:    &cfg.Retrieval.Threshold,
		Namespace:    cfg.Retrieval.Namespace,
	}, agent.Deps{
		Memory:    mem,
		Provider:  provider,
		Retriever: index,
		Tools: tools.NewRegistry(
			tools.Calculator{},
			&tools.VectorSearch{Gateway: index},
			&tools.DatabaseQuery{DB: store},
		).WithLogger(logger),
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer ag.Close()

	rpm := 0
	if cfg.RateLimit.Enabled {
		rpm = cfg.RateLimit.RequestsPerMinute
	}
	srv := server.New(store, ag, mem, index, auth.NewStaticTokens(principals), server.Options{
		CORSOrigins:       cfg.Server.CORSOrigins,
		RequestsPerMinute: rpm,
		Version:           version,
		Logger:            logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		if err := mem.RunJanitor(ctx, cfg.Memory.CleanupInterval); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newProvider(ctx context.Context, cfg *config.Config) (model.Provider, error) {
	key := cfg.APIKey(cfg.Model.Provider)
	switch cfg.Model.Provider {
	case "gemini":
		return gemini.New(ctx, key, cfg.Model.Name)
	case "openai":
		return openai.New(key, cfg.Model.Name), nil
	case "anthropic":
		return anthropic.New(key, cfg.Model.Name), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Model.Provider)
}

func newEmbedder(ctx context.Context, cfg *config.Config) (retrieval.Embedder, error) {
	e := cfg.Embedding
	switch e.Provider {
	case "hash":
		return retrieval.NewHashEmbedder(e.Dimensions), nil
	case "gemini":
		return gemini.NewEmbedder(ctx, cfg.APIKey("gemini"), e.Model, e.Dimensions)
	case "openai":
		return openai.NewEmbedder(cfg.APIKey("openai"), e.Model, e.Dimensions), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", e.Provider)
}
