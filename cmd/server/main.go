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

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/niktanya/telegram-book-bot/internal/app"
	"github.com/niktanya/telegram-book-bot/internal/config"
	"github.com/niktanya/telegram-book-bot/internal/messaging"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "bookrec",
		Short: "Hybrid book search and recommendation engine",
		Long: `bookrec serves book search and "readers also liked" recommendations.

Recommendations come from item-item collaborative filtering over the ratings
dataset; books without enough ratings, and free-text searches, fall back to
an LLM-backed semantic search whose answers are resolved against the catalog.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the config file (default ./config/app.yaml)")

	rootCmd.AddCommand(newServeCmd(&configFile))
	rootCmd.AddCommand(newStatsCmd(&configFile))
	rootCmd.AddCommand(newRefreshCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	logger := application.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application.Start(ctx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      application.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.WithField("port", cfg.Server.Port).Info("Server started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
	}

	logger.Info("Server exited")
	return nil
}

func newStatsCmd(configFile *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Load the datasets and print catalog and rating matrix statistics",
		Example: `  bookrec stats
  bookrec stats --config ./config/app.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()

			report, read, err := app.Inspect(ctx, cfg, app.NewLogger(cfg))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				data, err := json.MarshalIndent(map[string]any{"read": read, "generation": report}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			fmt.Fprintf(out, "Dataset (%s)\n", cfg.Dataset.Driver)
			fmt.Fprintf(out, "  Book rows:        %d (%d skipped)\n", read.BookRows, read.SkippedBooks)
			fmt.Fprintf(out, "  Rating rows:      %d (%d skipped)\n", read.RatingRows, read.SkippedRatings)
			fmt.Fprintf(out, "Catalog\n")
			fmt.Fprintf(out, "  Books:            %d (%d dropped)\n", report.Books, report.BooksDropped)
			fmt.Fprintf(out, "Rating matrix\n")
			fmt.Fprintf(out, "  Ratings:          %d\n", report.Ratings)
			fmt.Fprintf(out, "  Orphans:          %d\n", report.OrphanRatings)
			fmt.Fprintf(out, "  Duplicates:       %d\n", report.DuplicateRatings)
			fmt.Fprintf(out, "  Invalid:          %d\n", report.InvalidRatings)
			fmt.Fprintf(out, "  Users:            %d\n", report.Users)
			fmt.Fprintf(out, "  Rated books:      %d\n", report.RatedBooks)
			fmt.Fprintf(out, "  Density:          %.6f\n", report.Density)
			fmt.Fprintf(out, "  Build time:       %s\n", report.BuildTime)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func newRefreshCmd(configFile *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Ask every running engine to reload its datasets",
		Long:  `Publishes a refresh request on the kafka refresh topic. Requires kafka.enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if !cfg.Kafka.Enabled {
				return errors.New("kafka is disabled; set kafka.enabled to publish refresh requests")
			}

			bus := messaging.NewRefreshBus(cfg.Kafka, app.NewLogger(cfg))
			defer bus.Close()

			id, err := bus.PublishRefresh(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refresh request %s published to %s\n", id, cfg.Kafka.Topic)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the request")
	return cmd
}
