package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"evalgo.org/vmcrate/internal/api"
	"evalgo.org/vmcrate/internal/backend"
	"evalgo.org/vmcrate/internal/imagecache"
	"evalgo.org/vmcrate/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the API server",
	Long:    `Start the HTTP API server with the Echo framework`,
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Logger()

	// Emulator sessions started through the API have no terminal: their
	// console goes to the server log and their stdin is empty.
	console := log.StandardLogger().WriterLevel(log.DebugLevel)
	defer console.Close()

	deps := backend.Deps{
		Stdin:  strings.NewReader(""),
		Stdout: console,
		Stderr: console,
		Log:    logger,
	}
	o, err := newOrchestrator(deps)
	if err != nil {
		return err
	}
	extractor, validator := newValidator()

	server := api.New(cfg, api.Options{
		Pipeline:  o,
		Parser:    extractor,
		Validator: validator,
		Images:    imagecache.New(cfg.Qemu.CacheDir, cfg.Qemu.DownloadTimeout, logger),
		Log:       logger,
	})

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		return nil

	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}
