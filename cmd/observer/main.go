// Observer is a passive chat participant: it watches a Telegram chat, builds a
// graph memory of everything said, and speaks only when a message warrants it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/llitpux/observer/internal/analyst"
	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/channels"
	"github.com/llitpux/observer/internal/config"
	"github.com/llitpux/observer/internal/coordinator"
	"github.com/llitpux/observer/internal/gatekeeper"
	"github.com/llitpux/observer/internal/graph"
	otelPkg "github.com/llitpux/observer/internal/otel"
	"github.com/llitpux/observer/internal/pipeline"
	"github.com/llitpux/observer/internal/prompt"
	"github.com/llitpux/observer/internal/provider"
	"github.com/llitpux/observer/internal/researcher"
	"github.com/llitpux/observer/internal/responder"
	"github.com/llitpux/observer/internal/scribe"
	"github.com/llitpux/observer/internal/summary"
	"github.com/llitpux/observer/internal/telemetry"
	"github.com/llitpux/observer/internal/thinker"
)

// Exit codes.
const (
	exitOK        = 0
	exitConfig    = 2
	exitGraph     = 3
	exitProviders = 4
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                        Run the observer (default: serve)
  %s serve                  Watch the chat and respond
  %s backfill [-limit N]    Re-run semantic analysis over unenriched messages
  %s summarize [date]       Write the day summary (default: yesterday)
  %s graph-ping             Check FalkorDB connectivity and exit

ENVIRONMENT VARIABLES:
  OBSERVER_HOME           Data directory (default: ~/.observer)
  TELEGRAM_BOT_TOKEN      Telegram bot token
  OPENAI_API_KEY          Key for the OpenAI-compatible provider
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	config.LoadDotEnv(".env")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir, err := config.HomeDir()
	if err != nil {
		fatal("resolve home dir", err, exitConfig)
	}
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatal("load config", err, exitConfig)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatal("init logger", err, exitConfig)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	cmd := "serve"
	args := flag.Args()
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(ctx, cfg, logger))
	case "backfill":
		os.Exit(runBackfill(ctx, cfg, logger, args))
	case "summarize":
		os.Exit(runSummarize(ctx, cfg, logger, args))
	case "graph-ping":
		os.Exit(runGraphPing(ctx, cfg, logger))
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(exitConfig)
	}
}

func fatal(what string, err error, code int) {
	fmt.Fprintf(os.Stderr, "observer: %s: %v\n", what, err)
	os.Exit(code)
}

// connectGraph pings the endpoint and returns the shared client. The caller
// owns closing it.
func connectGraph(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*graph.Client, error) {
	client := graph.NewClient(cfg.Graph.Addr())
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("graph at %s unreachable: %w", cfg.Graph.Addr(), err)
	}
	logger.Info("graph connected", "addr", cfg.Graph.Addr(), "primary", cfg.Graph.PrimaryName)
	return client, nil
}

func buildProviders(cfg *config.Config) ([]provider.Provider, error) {
	var providers []provider.Provider
	for _, name := range cfg.Providers.Order {
		switch name {
		case "cli_gemini":
			providers = append(providers,
				provider.NewCLIProvider(name, cfg.Providers.CLI.Command, cfg.Providers.CLI.Args, 0))
		case "openai_compatible":
			providers = append(providers,
				provider.NewOpenAIProvider(name, cfg.Providers.OpenAI.BaseURL, cfg.OpenAIAPIKey(), cfg.Providers.OpenAI.Model))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("provider order is empty")
	}
	return providers, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "observer",
	})
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return exitConfig
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metric instruments failed", "error", err)
		return exitConfig
	}

	client, err := connectGraph(ctx, cfg, logger)
	if err != nil {
		logger.Error("graph connection failed", "error", err)
		return exitGraph
	}
	defer client.Close()

	if err := graph.ApplySchema(ctx, client, cfg.Graph.PrimaryName); err != nil {
		logger.Error("schema apply failed", "error", err)
		return exitGraph
	}

	store := graph.NewStore(client, cfg.Graph.PrimaryName, cfg.Agent.TelegramID, cfg.Agent.Name)
	if err := store.EnsureAgent(ctx); err != nil {
		logger.Error("agent upsert failed", "error", err)
		return exitGraph
	}
	thoughtLog := graph.NewThoughtLog(ctx, client, cfg.Graph.ThoughtLogName, logger)
	defer thoughtLog.Close()

	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		return exitProviders
	}
	cooldown := time.Duration(cfg.Providers.CooldownSeconds) * time.Second
	switchboard := provider.NewSwitchboard(providers, cooldown, logger,
		func(from, to string, class provider.ErrorClass) {
			metrics.ProviderFailovers.Add(ctx, 1)
			if err := store.LogSystemEvent(ctx, "FALLBACK",
				fmt.Sprintf("%s -> %s (%s)", from, to, class)); err != nil {
				logger.Warn("fallback event not recorded", "error", err)
			}
		})

	prompts := prompt.New(client, cfg.Graph.PrimaryName,
		time.Duration(cfg.Prompt.CacheTTLSeconds)*time.Second,
		func(role string) { metrics.PromptFallbacks.Add(ctx, 1) })

	onRetry := func() { metrics.ValidationRetries.Add(ctx, 1) }

	gkModel := provider.NewOpenAIProvider("gatekeeper_local", cfg.Gatekeeper.BaseURL, "", cfg.Gatekeeper.Model)
	gk := gatekeeper.New(store, gkModel, prompts, logger, cfg.Agent.Name, cfg.Thinker.HistoryK, onRetry)
	th := thinker.New(store, thoughtLog, switchboard, prompts, logger, cfg.Thinker.HistoryK, onRetry)
	an := analyst.New(store, thoughtLog, switchboard, prompts, logger, cfg.Thinker.HistoryK, onRetry)
	res := researcher.New(store, switchboard, prompts, logger)

	coord := coordinator.New(store, []coordinator.Tool{
		coordinator.NewGraphSearchTool(res),
		coordinator.NewWebSearchTool(""),
		coordinator.NewProfileTool(store),
		coordinator.NewRememberTool(store),
	}, time.Duration(cfg.Coordinator.TaskTimeoutSeconds)*time.Second, logger,
		func() { metrics.PlansCancelled.Add(ctx, 1) })

	scr := scribe.New(store, logger, func() { metrics.UnpersistedEvents.Add(ctx, 1) })

	token := cfg.TelegramToken()
	if token == "" {
		logger.Error("telegram token missing", "env", cfg.Telegram.TokenEnv)
		return exitConfig
	}

	var pipe *pipeline.Pipeline
	tg := channels.NewTelegram(token, cfg.Telegram.AllowedIDs,
		func(ctx context.Context, e bus.InboundEvent) { pipe.Deliver(ctx, e) }, logger)

	resp := responder.New(tg, switchboard, prompts, thoughtLog, logger,
		cfg.Agent.TelegramID, cfg.Agent.Name,
		func(e bus.InboundEvent) { pipe.Loopback(e) }, nil)

	pipe = pipeline.New(pipeline.Deps{
		Bus: bus.New(bus.Capacities{
			Ingestion:  cfg.Streams.Scribe.QueueCapacity,
			Triage:     cfg.Streams.Gatekeeper.QueueCapacity,
			Analysis:   cfg.Streams.Thinker.QueueCapacity,
			Enrichment: cfg.Streams.Scribe.QueueCapacity,
			Planning:   cfg.Streams.Analyst.QueueCapacity,
			Execution:  cfg.Streams.Coordinator.QueueCapacity,
			Response:   cfg.Streams.Responder.QueueCapacity,
		}),
		Scribe:      scr,
		Gatekeeper:  gk,
		Thinker:     th,
		Analyst:     an,
		Coordinator: coord,
		Responder:   resp,
		Streams:     cfg.Streams,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err := otelPkg.RegisterQueueDepth(otelProvider.Meter, pipe.QueueDepths); err != nil {
		logger.Warn("queue depth gauge not registered", "error", err)
	}

	summarizer := summary.New(store, switchboard, prompts, logger, "")
	if err := summarizer.Start(); err != nil {
		logger.Error("summary scheduler failed", "error", err)
		return exitConfig
	}
	defer summarizer.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := tg.Start(runCtx); err != nil {
			logger.Error("telegram transport failed", "error", err)
			cancel()
		}
	}()

	logger.Info("observer running",
		"agent", cfg.Agent.Name,
		"providers", switchboard.ProviderNames(),
		"chats", cfg.Telegram.AllowedIDs)
	pipe.Run(runCtx)
	logger.Info("observer stopped")
	return exitOK
}

// runBackfill re-analyzes persisted messages that have no semantic edges yet.
func runBackfill(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum messages to enrich")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	client, err := connectGraph(ctx, cfg, logger)
	if err != nil {
		logger.Error("graph connection failed", "error", err)
		return exitGraph
	}
	defer client.Close()

	store := graph.NewStore(client, cfg.Graph.PrimaryName, cfg.Agent.TelegramID, cfg.Agent.Name)
	thoughtLog := graph.NewThoughtLog(ctx, client, cfg.Graph.ThoughtLogName, logger)
	defer thoughtLog.Close()

	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		return exitProviders
	}
	switchboard := provider.NewSwitchboard(providers,
		time.Duration(cfg.Providers.CooldownSeconds)*time.Second, logger, nil)
	prompts := prompt.New(client, cfg.Graph.PrimaryName,
		time.Duration(cfg.Prompt.CacheTTLSeconds)*time.Second, nil)
	th := thinker.New(store, thoughtLog, switchboard, prompts, logger, cfg.Thinker.HistoryK, nil)

	msgs, err := store.UnenrichedMessages(ctx, *limit)
	if err != nil {
		logger.Error("unenriched scan failed", "error", err)
		return exitGraph
	}
	logger.Info("backfill started", "messages", len(msgs))

	enriched := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		payload := bus.AnalysisPayload{
			UID:    m.UID,
			ChatID: graph.ChatIDFromUID(m.UID),
			Event:  bus.InboundEvent{SenderName: m.Author, Text: m.Text},
		}
		enrichment, _ := th.Analyze(ctx, payload)
		if len(enrichment.Topics) == 0 && len(enrichment.Entities) == 0 {
			continue
		}
		if err := store.Enrich(ctx, enrichment); err != nil {
			logger.Warn("backfill enrich failed", "uid", m.UID, "error", err)
			continue
		}
		enriched++
	}
	logger.Info("backfill finished", "enriched", enriched, "scanned", len(msgs))
	return exitOK
}

func runSummarize(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	date := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	if len(args) > 0 {
		if _, err := time.Parse("2006-01-02", args[0]); err != nil {
			logger.Error("invalid date", "date", args[0], "error", err)
			return exitConfig
		}
		date = args[0]
	}

	client, err := connectGraph(ctx, cfg, logger)
	if err != nil {
		logger.Error("graph connection failed", "error", err)
		return exitGraph
	}
	defer client.Close()

	store := graph.NewStore(client, cfg.Graph.PrimaryName, cfg.Agent.TelegramID, cfg.Agent.Name)
	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		return exitProviders
	}
	switchboard := provider.NewSwitchboard(providers,
		time.Duration(cfg.Providers.CooldownSeconds)*time.Second, logger, nil)
	prompts := prompt.New(client, cfg.Graph.PrimaryName,
		time.Duration(cfg.Prompt.CacheTTLSeconds)*time.Second, nil)

	s := summary.New(store, switchboard, prompts, logger, "")
	if err := s.RunOnce(ctx, date); err != nil {
		logger.Error("summary failed", "date", date, "error", err)
		return exitGraph
	}
	return exitOK
}

func runGraphPing(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	client, err := connectGraph(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "observer: %v\n", err)
		return exitGraph
	}
	defer client.Close()
	fmt.Printf("graph at %s is reachable\n", cfg.Graph.Addr())
	return exitOK
}
