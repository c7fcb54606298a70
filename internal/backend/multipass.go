package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/scratch"
	"evalgo.org/vmcrate/models"
)

// Multipass launches instances with the multipass CLI.
type Multipass struct {
	Binary     string
	Timeout    time.Duration
	ScratchDir string
	Runner     Runner
	LookPath   func(string) (string, error)
	Log        log.FieldLogger
}

// Kind implements Backend.
func (m *Multipass) Kind() models.BackendKind { return models.BackendMultipass }

// Args builds the launch argument list. cloudInitPath may be empty.
func (m *Multipass) Args(cfg *models.ProvisioningConfig, cloudInitPath string) []string {
	args := []string{
		"launch",
		"--name", cfg.InstanceName,
		"--cpus", strconv.Itoa(cfg.Spec.CPUs),
		"--memory", cfg.Spec.Memory,
		"--disk", cfg.Spec.Disk,
	}
	if cloudInitPath != "" {
		args = append(args, "--cloud-init", cloudInitPath)
	}
	return append(args, cfg.Spec.Image)
}

// Provision implements Backend.
func (m *Multipass) Provision(ctx context.Context, cfg *models.ProvisioningConfig) (*models.Instance, error) {
	binary := m.Binary
	if binary == "" {
		binary = "multipass"
	}
	path, err := resolveBinary(m.LookPath, binary)
	if err != nil {
		return nil, err
	}

	scope := scratch.NewScope(m.ScratchDir)
	defer func() {
		if err := scope.Close(); err != nil {
			m.logger().WithError(err).Warn("failed to remove cloud-init file")
		}
	}()

	var cloudInitPath string
	if len(cfg.CloudInit) > 0 {
		cloudInitPath, err = scope.WriteFile("vmcrate-cloud-init-*.yaml", cfg.CloudInit)
		if err != nil {
			return nil, models.NewError(models.KindProvisionFailed, "cannot write cloud-init file", err)
		}
	}

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	args := m.Args(cfg, cloudInitPath)
	m.logger().WithField("instance", cfg.InstanceName).Infof("Launching VM: %s", cfg.InstanceName)

	res, err := m.Runner.Run(ctx, Command{Path: path, Args: args})
	if err != nil {
		return nil, models.NewError(models.KindBackendUnavailable, fmt.Sprintf("cannot run %s", binary), err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, models.Errorf(models.KindProvisionFailed, "multipass launch timed out after %s", m.Timeout).
			WithDiagnostic(strings.TrimSpace(res.Stderr))
	}
	if res.ExitCode != 0 || res.Interrupted {
		diag := strings.TrimSpace(res.Stderr)
		if diag == "" {
			diag = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return nil, models.Errorf(models.KindProvisionFailed, "multipass launch exited with status %d", res.ExitCode).
			WithDiagnostic(diag)
	}

	return &models.Instance{
		ID:          cfg.InstanceName,
		ConnectHint: shellescape.QuoteCommand([]string{binary, "shell", cfg.InstanceName}),
	}, nil
}

func (m *Multipass) logger() log.FieldLogger {
	if m.Log == nil {
		return log.StandardLogger()
	}
	return m.Log
}
