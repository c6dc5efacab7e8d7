// Command opd runs the engineering-pipeline orchestrator: an HTTP service
// that drives feature stories from raw input through PRD, design, coding and
// verification with AI providers doing the writing.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"opd/internal/bus"
	"opd/internal/capability"
	"opd/internal/config"
	"opd/internal/engine"
	providerai "opd/internal/provider/ai"
	providerci "opd/internal/provider/ci"
	providerdoc "opd/internal/provider/doc"
	providernotification "opd/internal/provider/notification"
	providerscm "opd/internal/provider/scm"
	"opd/internal/server"
	"opd/internal/store"
	"opd/internal/workspace"
)

var (
	configPath    string
	addr          string
	workspaceRoot string
	verbose       bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "opd",
	Short: "opd - AI-assisted engineering pipeline orchestrator",
	Long: `opd drives feature stories through a staged pipeline
(preparing, clarifying, planning, designing, coding, verifying) with AI
providers generating the documents and code, and exposes the whole thing
as an HTTP API with live SSE streams.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "opd.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "", "workspace root directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if workspaceRoot != "" {
		cfg.WorkspaceRoot = workspaceRoot
	}

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := buildRegistry()
	if err := seedCapabilities(ctx, st, cfg); err != nil {
		return err
	}
	rows, err := st.ListCapabilityConfigs(ctx, "")
	if err != nil {
		return err
	}
	if err := reg.InitializeFromConfig(ctx, rows); err != nil {
		return err
	}
	defer reg.Cleanup(context.Background())

	ws := workspace.NewManager(cfg.WorkspaceRoot, logger)
	b := bus.New(logger)
	eng := engine.New(st, ws, workspace.NewGit(logger), reg, b, logger)
	srv := server.New(eng, st, reg, ws, b, server.Options{WebhookSecret: cfg.WebhookSecret}, logger)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete", zap.Error(err))
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", cfg.Addr),
		zap.String("database", cfg.Database),
		zap.String("workspace", cfg.WorkspaceRoot))
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildRegistry registers every bundled provider implementation.
func buildRegistry() *capability.Registry {
	reg := capability.NewRegistry(logger)
	reg.Register(capability.CategoryAI, "claude", capability.Definition{
		New:    providerai.NewClaudeProvider,
		Schema: providerai.NewClaudeProvider(nil).Schema(),
	})
	reg.Register(capability.CategoryAI, "gemini", capability.Definition{
		New:    providerai.NewGeminiProvider,
		Schema: providerai.NewGeminiProvider(nil).Schema(),
	})
	reg.Register(capability.CategorySCM, "github", capability.Definition{
		New:    providerscm.NewGitHubProvider,
		Schema: providerscm.NewGitHubProvider(nil).Schema(),
	})
	reg.Register(capability.CategoryCI, "github_actions", capability.Definition{
		New:    providerci.NewGitHubActionsProvider,
		Schema: providerci.NewGitHubActionsProvider(nil).Schema(),
	})
	reg.Register(capability.CategoryDoc, "local", capability.Definition{
		New:    providerdoc.NewLocalProvider,
		Schema: providerdoc.NewLocalProvider(nil).Schema(),
	})
	reg.Register(capability.CategoryNotification, "web", capability.Definition{
		New:    providernotification.NewWebProvider,
		Schema: providernotification.NewWebProvider(nil).Schema(),
	})
	return reg
}

// seedCapabilities writes the config-file capability blocks into the store,
// but only for categories with no stored row yet: the settings API owns the
// rows once they exist.
func seedCapabilities(ctx context.Context, st *store.Store, cfg *config.Config) error {
	for _, row := range cfg.CapabilityRows() {
		_, err := st.GetCapabilityConfig(ctx, "", row.Category)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := st.UpsertCapabilityConfig(ctx, row); err != nil {
			return err
		}
		logger.Info("capability seeded from config",
			zap.String("category", row.Category), zap.String("provider", row.Provider))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
