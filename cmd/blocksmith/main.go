// Package main provides the blocksmith CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"blocksmith/internal/agent"
	"blocksmith/internal/config"
	"blocksmith/internal/core"
	"blocksmith/internal/embedding"
	"blocksmith/internal/executor"
	"blocksmith/internal/logging"
	"blocksmith/internal/perception"
	"blocksmith/internal/planner"
	"blocksmith/internal/registry"
	"blocksmith/internal/sandbox"
	"blocksmith/internal/store"
	"blocksmith/internal/synthesis"
)

var (
	// Global flags
	cfgPath string
	dataDir string
	verbose bool
	timeout time.Duration

	// Loaded configuration, available to every RunE after PersistentPreRunE.
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "blocksmith",
	Short: "blocksmith - intent-to-pipeline automation agent",
	Long: `blocksmith turns natural-language intents into executable pipelines.

A planner decomposes an intent into required capabilities, matches them
against a registry of typed blocks, synthesizes any block that does not
exist yet, and wires the survivors into a dataflow DAG. The executor
runs that DAG with sandboxed Python and template-driven text generation.

Run 'blocksmith plan "<intent>"' to watch a plan come together, or
'blocksmith serve' to expose the same machinery over HTTP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		logging.Configure(logging.Options{
			Dir:             cfg.LogDir(),
			Level:           logging.ParseLevel(cfg.Logging.Level),
			Debug:           cfg.Logging.Debug || verbose,
			DebugCategories: splitCategories(cfg.Logging.Categories),
			JSON:            cfg.Logging.JSON,
			ToStderr:        verbose,
		})

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: .blocksmith/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory override (default: .blocksmith)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// COMPONENT WIRING
// =============================================================================

// runtime bundles the wired subsystems of one CLI invocation. Commands
// take what they need; close releases in reverse construction order.
type runtime struct {
	registry *registry.Registry
	store    *store.Store
	agent    *agent.Agent
}

func (rt *runtime) close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}
	if rt.registry != nil {
		if err := rt.registry.Close(); err != nil {
			logger.Warn("registry close", zap.Error(err))
		}
	}
}

// buildRuntime wires the full planner/executor stack the way serve does.
// Seed blocks are ensured so a fresh data dir can plan immediately.
func buildRuntime(ctx context.Context) (*runtime, error) {
	llm, err := newLLMClient()
	if err != nil {
		return nil, err
	}

	reg, err := openRegistry(ctx)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		reg.Close()
		return nil, err
	}

	factory := sandbox.ConfigFactory(cfg)
	synth := synthesis.New(llm, factory, synthesis.FromAppConfig(cfg))
	pl := planner.New(llm, reg, synth, planner.FromAppConfig(cfg))
	ex := executor.New(llm, reg, st, factory, executor.FromAppConfig(cfg))

	return &runtime{
		registry: reg,
		store:    st,
		agent:    agent.New(pl, ex, st),
	}, nil
}

// openRegistry opens the block catalog and loads seeds: the compiled-in
// system blocks first, then any documents in the seed directory.
func openRegistry(ctx context.Context) (*registry.Registry, error) {
	embedder, err := newEmbedder()
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(cfg.DatabasePath(), embedder, cfg.GetCacheTTL())
	if err != nil {
		return nil, err
	}

	if _, err := reg.EnsureSeedBlocks(ctx); err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to seed system blocks: %w", err)
	}
	if n, err := reg.LoadSeedDir(ctx, cfg.SeedDir()); err != nil {
		logger.Warn("seed directory load", zap.Error(err))
	} else if n > 0 {
		logger.Debug("loaded seed blocks", zap.Int("count", n), zap.String("dir", cfg.SeedDir()))
	}
	return reg, nil
}

func newLLMClient() (core.LLMClient, error) {
	throttle := perception.NewThrottle(cfg.GetThrottleInterval())
	return perception.NewClient(cfg, throttle)
}

func newEmbedder() (embedding.EmbeddingEngine, error) {
	return embedding.NewEngine(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		TaskType:   "SEMANTIC_SIMILARITY",
	})
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// commandContext returns a bounded context that also cancels on
// SIGINT/SIGTERM, so a Ctrl+C unwinds sandboxes and streams cleanly.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

// userOrLocal scopes unauthenticated CLI work under the "local" user,
// matching what the agent does for empty user ids.
func userOrLocal(userID string) string {
	if userID == "" {
		return "local"
	}
	return userID
}

func splitCategories(csv string) []string {
	var out []string
	for _, tok := range strings.Split(csv, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
