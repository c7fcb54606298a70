package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"evalgo.org/vmcrate/internal/backend"
	"evalgo.org/vmcrate/internal/logging"
	"evalgo.org/vmcrate/internal/metadata"
	"evalgo.org/vmcrate/internal/normalize"
	"evalgo.org/vmcrate/internal/orchestration"
	"evalgo.org/vmcrate/internal/validation"
	"evalgo.org/vmcrate/models"
)

var (
	backendFlag string
	tokenFlag   string
)

// newOrchestrator wires the pipeline from the loaded configuration.
func newOrchestrator(deps backend.Deps) (*orchestration.Orchestrator, error) {
	return orchestration.FromConfig(cfg, deps, logging.Logger())
}

// newValidator wires a validator sharing the configured defaults.
func newValidator() (*metadata.Extractor, *validation.Validator) {
	logger := logging.Logger()
	return metadata.New(cfg.Metadata, logger), validation.New(normalize.New(cfg.Defaults, logger))
}

// request builds a pipeline request from the source argument and flags.
func request(source string) (orchestration.Request, error) {
	req := orchestration.Request{Source: source, Token: tokenFlag}
	if backendFlag != "" {
		kind, err := models.ParseBackendKind(backendFlag)
		if err != nil {
			return req, err
		}
		req.Backend = kind
	}
	return req, nil
}

// signalContext is cancelled on interrupt or termination.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
