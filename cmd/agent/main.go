package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nokchalatte/backend.ai-agent/pkg/agent"
	"github.com/nokchalatte/backend.ai-agent/pkg/config"
	"github.com/nokchalatte/backend.ai-agent/pkg/log"
	"github.com/nokchalatte/backend.ai-agent/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "backend.ai-agent",
	Short: "Per-node agent hosting compute session kernels",
	Long: `The agent runs on every worker node of a Backend.AI cluster. It
tracks the node's resource slots, drives kernel containers through their
lifecycle on containerd, serves the manager's commands over ZeroMQ, and
reports events and heartbeats back to the manager.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"backend.ai-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("config", "", "path to the agent config file (YAML)")
	startCmd.Flags().String("agent-id", "", "agent identity reported to the manager (default: hostname)")
	startCmd.Flags().String("rpc-bind-addr", "", "ZeroMQ endpoint for manager commands")
	startCmd.Flags().String("event-addr", "", "manager's ZeroMQ event endpoint")
	startCmd.Flags().String("data-dir", "", "directory for the agent's kernel registry")
	startCmd.Flags().String("scratch-root", "", "directory for per-kernel work directories")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent",
	Long: `Start the agent: discover node capacity, reconcile kernels that
survived a previous agent process, and begin serving manager commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)

		ctx := context.Background()
		a, err := agent.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize agent: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("failed to start agent: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
		case <-a.ShutdownRequested():
			fmt.Println("Shutdown requested, shutting down...")
		}

		// A second signal skips the graceful teardown.
		done := make(chan struct{})
		go func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			a.Stop(shutdownCtx)
			close(done)
		}()

		select {
		case <-done:
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "Forced exit")
			os.Exit(1)
		}
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override the file.
	if v, _ := cmd.Flags().GetString("agent-id"); v != "" {
		cfg.AgentID = v
	}
	if v, _ := cmd.Flags().GetString("rpc-bind-addr"); v != "" {
		cfg.RPCBindAddr = v
	}
	if v, _ := cmd.Flags().GetString("event-addr"); v != "" {
		cfg.EventAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("scratch-root"); v != "" {
		cfg.ScratchRoot = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
