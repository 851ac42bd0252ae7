package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/persona-fleet/internal/clock"
	"github.com/rcliao/persona-fleet/internal/config"
	"github.com/rcliao/persona-fleet/internal/delivery"
	"github.com/rcliao/persona-fleet/internal/embedding"
	"github.com/rcliao/persona-fleet/internal/gate"
	"github.com/rcliao/persona-fleet/internal/llm"
	"github.com/rcliao/persona-fleet/internal/logging"
	"github.com/rcliao/persona-fleet/internal/memory"
	"github.com/rcliao/persona-fleet/internal/respond"
	"github.com/rcliao/persona-fleet/internal/search"
	"github.com/rcliao/persona-fleet/internal/security"
	"github.com/rcliao/persona-fleet/internal/store"
	"github.com/rcliao/persona-fleet/internal/transport/wsbridge"
	"github.com/rcliao/persona-fleet/internal/worker"
)

const statusInterval = 5 * time.Minute

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start workers for active accounts",
		Long:  "Start one worker per active account (or the accounts given with --account) and run until interrupted.",
		Run:   runRun,
	}

	cmd.Flags().Int64SliceP("account", "a", nil, "Only start these account ids")
	cmd.Flags().Bool("skip-ping", false, "Do not probe the Ollama server at startup")

	RootCmd.AddCommand(cmd)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg
}

func runRun(cmd *cobra.Command, args []string) {
	accounts, _ := cmd.Flags().GetInt64Slice("account")
	skipPing, _ := cmd.Flags().GetBool("skip-ping")

	cfg := loadConfig()
	log, err := logging.New(cfg.Log)
	if err != nil {
		exitErr("logger", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		exitErr("open store", err)
	}
	defer st.Close()

	fleet, rate, err := buildFleet(ctx, cfg, st, log, !skipPing)
	if err != nil {
		exitErr("build fleet", err)
	}
	defer fleet.Close()

	if len(accounts) == 0 {
		if err := fleet.StartAll(ctx); err != nil {
			log.Error("some accounts failed to start", zap.Error(err))
		}
	}
	for _, id := range accounts {
		if err := fleet.Start(ctx, id); err != nil {
			log.Error("start account", zap.Int64("account", id), zap.Error(err))
		}
	}
	if len(fleet.Status()) == 0 {
		exitErr("run", fmt.Errorf("no accounts running"))
	}

	tick := time.NewTicker(statusInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case now := <-tick.C:
			rate.Sweep(now)
			for _, s := range fleet.Status() {
				log.Info("worker status",
					zap.Int64("account", s.AccountID),
					zap.String("state", s.State),
					zap.Any("outcomes", s.Stats.Outcomes))
			}
		}
	}
}

// buildFleet wires the shared services every worker uses.
func buildFleet(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, log *zap.Logger, ping bool) (*worker.Fleet, *gate.RateLimiter, error) {
	clk := clock.Real{}

	backend, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return nil, nil, err
	}
	if oc, ok := backend.(*llm.OllamaClient); ok && ping {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		models, err := oc.Ping(pctx)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("ollama not reachable at %s: %w", cfg.LLM.URL, err)
		}
		log.Info("ollama reachable", zap.Strings("models", models), zap.String("model", oc.Model()))
	}
	limiter := llm.NewLimiter(backend, cfg.LLM.MaxConcurrent, cfg.LLM.QueueTimeout, cfg.LLM.RequestTimeout, log)

	emb, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding: %w", err)
	}
	if emb == nil {
		log.Warn("no embedding provider configured, memory disabled")
	}
	mem := memory.NewService(st, emb, limiter, clk, cfg.Memory, log)

	var searcher search.Searcher
	decider, err := respond.NewSearchDecider(cfg.Search.Mode, limiter, log)
	if err != nil {
		return nil, nil, err
	}
	if decider != nil {
		searcher = search.NewDuckDuckGo(cfg.Search)
	}
	orch := respond.NewOrchestrator(limiter, searcher, decider, respond.Options{
		SearchResults: cfg.Search.MaxResults,
		MaxMessageLen: cfg.Delivery.MaxMessageLength,
	}, log)

	patterns, err := security.CompilePatterns(cfg.Security.ExtraPatterns)
	if err != nil {
		return nil, nil, err
	}
	screen, err := security.NewScreen(st, patterns, security.Ladder(cfg.Security.Ladder), clk, log)
	if err != nil {
		return nil, nil, err
	}
	flagged, err := security.ParseFlaggedPolicy(cfg.Security.FlaggedPolicy)
	if err != nil {
		return nil, nil, err
	}

	rate := gate.NewRateLimiter(cfg.Gate.FloodLimit, cfg.Gate.FloodWindow)
	deps := worker.Deps{
		Policies:  st,
		History:   st,
		Gate:      gate.New(rate, gate.NewCooldown(), clk, log),
		Screen:    screen,
		Flagged:   flagged,
		Memory:    mem,
		Responder: orch,
		Planner:   delivery.NewPlanner(cfg.Delivery),
		Clock:     clk,
		Log:       log,
	}
	fleet := worker.NewFleet(st, wsbridge.NewFactory(cfg.Transport, log), deps, cfg.Owner, log)
	fleet.Debounce = cfg.Gate.Debounce
	return fleet, rate, nil
}
