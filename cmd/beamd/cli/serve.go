package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beam-tools/beam/internal/config"
	"github.com/beam-tools/beam/internal/server"
)

func newServeCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long:  "Load modules from the workspace, start the HTTP endpoints, and serve until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(workspace)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	return cmd
}

func runServe(workspace string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	handler, cleanup, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("beamd v%s listening on %s", server.Version, cfg.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
	}
	return nil
}
