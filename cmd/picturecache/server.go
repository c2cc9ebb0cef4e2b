package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/picturecache/internal/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			slog.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}
		cfg.Port = viper.GetInt("port")

		server, cleanup, err := app.NewServer(cmd.Context(), cfg)
		if err != nil {
			slog.Error("Failed to initialize server", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Server shutdown failed", "error", err)
			}
		}()

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().Int("port", 8080, "Port to run the server on")
	if err := viper.BindPFlag("port", serverCmd.Flags().Lookup("port")); err != nil {
		slog.Error("Failed to bind flag", "flag", "port", "error", err)
	}
}
