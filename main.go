package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xiaot623/gogo/agentbridge/internal/adapter/agentcli"
	"github.com/xiaot623/gogo/agentbridge/internal/adapter/tempfile"
	"github.com/xiaot623/gogo/agentbridge/internal/config"
	"github.com/xiaot623/gogo/agentbridge/internal/policy"
	"github.com/xiaot623/gogo/agentbridge/internal/repository"
	"github.com/xiaot623/gogo/agentbridge/internal/service"
	"github.com/xiaot623/gogo/agentbridge/internal/session"
	"github.com/xiaot623/gogo/agentbridge/internal/telemetry"
	handler "github.com/xiaot623/gogo/agentbridge/internal/transport/http"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          "agentbridge",
		Short:        "OpenAI-compatible chat completions backed by a command-line agent",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.Int("port", 8000, "HTTP listen port")
	flags.String("mode", "", "set to MOCK to answer with the built-in mock agent")
	flags.String("agent-binary", "claude", "agent executable name or path")
	flags.String("log-level", "info", "log level")
	bindFlags(v, flags, map[string]string{
		"server.port":  "port",
		"mode":         "mode",
		"agent.binary": "agent-binary",
		"log.level":    "log-level",
	})

	return cmd
}

// bindFlags binds config keys to flags. A flag only overrides the config
// file and environment when it is set explicitly.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logCloser, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	logrus.WithFields(logrus.Fields{
		"port":      cfg.Server.Port,
		"mode":      cfg.Mode,
		"agent":     cfg.Agent.Binary,
		"threshold": cfg.Invocation.FileInputThreshold,
		"timeout":   cfg.Invocation.Timeout,
		"journal":   cfg.Journal.DSN,
	}).Info("starting agentbridge")

	// Initialize journal
	journal, err := repository.NewSQLiteStore(cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}
	defer journal.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	temp := tempfile.NewManager(cfg.Invocation.TempDir)
	defer func() {
		if err := temp.Close(); err != nil {
			logrus.WithError(err).Warn("failed to remove temp directory")
		}
	}()

	sessions := session.NewStore(session.Options{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	})
	sessions.Start(ctx)
	defer sessions.Close()

	agent := agentcli.NewAgent(cfg, temp)
	svc := service.New(agent, sessions, journal, policyEngine, cfg, telemetry.NewMetrics())
	server := handler.NewServer(svc)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logrus.Infof("HTTP API started on port %d", cfg.Server.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logrus.Info("shutting down agentbridge...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("failed to shutdown server gracefully")
	}

	logrus.Info("agentbridge stopped")
	return nil
}
