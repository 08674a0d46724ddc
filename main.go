package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/choraleia/inkos/pkg/config"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
	Version = "0.0.0-dev"

	configPath string
	cfg        *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "inkos",
	Short: "InkOS workspace backend",
	Long: `InkOS keeps notes and AI conversations, rolls long conversations over into
fresh threads and writes a nightly digest of the workspace.

Config: ~/.inkos/config.yaml
Data:   ~/.inkos/inkos.db`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Provider keys may live in .env
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		var err error
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, _, err = config.Load()
		}
		if err != nil {
			return err
		}
		utils.InitLogger(cfg.LogLevel(), cfg.LogFormat())
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the job scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger := utils.GetLogger()

		app, err := NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.scheduler.Start(ctx); err != nil {
			return err
		}
		if err := NewServer(app).Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return app.scheduler.Stop(shutdownCtx)
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Daily digest commands",
}

var digestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily digest now (defaults to today, UTC)",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		return withApp(cmd, func(ctx context.Context, app *App) (any, error) {
			return app.scheduler.RunNow(ctx, service.DailyDigestKind, service.DigestPayload{Date: date})
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, app *App) (any, error) {
			return app.queue.List(ctx, service.JobFilter{State: state, Kind: kind, Limit: limit})
		})
	},
}

var rolloverCmd = &cobra.Command{
	Use:   "rollover <conversation-id>",
	Short: "Force a conversation to roll over into a new thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *App) (any, error) {
			return app.conversations.Rollover(ctx, args[0])
		})
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default config file if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.EnsureDefaultConfig()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// withApp builds the app, runs fn and prints its result as JSON.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) (any, error)) error {
	ctx := cmd.Context()
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	out, err := fn(ctx, app)
	if err != nil {
		if code, explain := service.CodeOf(err); code != "" {
			return fmt.Errorf("%s: %s (%w)", code, explain, err)
		}
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.inkos/config.yaml)")

	digestRunCmd.Flags().String("date", "", "day to digest, YYYY-MM-DD")
	digestCmd.AddCommand(digestRunCmd)

	jobsListCmd.Flags().String("state", "", "filter by state (queued, running, succeeded, failed)")
	jobsListCmd.Flags().String("kind", "", "filter by kind")
	jobsListCmd.Flags().Int("limit", 50, "maximum rows")
	jobsCmd.AddCommand(jobsListCmd)

	rootCmd.AddCommand(serveCmd, digestCmd, jobsCmd, rolloverCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
