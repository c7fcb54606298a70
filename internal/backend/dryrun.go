package backend

import (
	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/models"
)

// Placeholders stand in for paths that only exist while provisioning.
const (
	CloudInitPlaceholder = "<cloud-init>"
	ImagePlaceholder     = "<image>"
)

// DryRunCommand returns the command line the adapter for p.Backend would
// execute, without touching the host. API-driven backends return nil.
func DryRunCommand(cfg *config.Config, p *models.ProvisioningConfig) ([]string, error) {
	switch p.Backend {
	case models.BackendMultipass:
		binary := cfg.Multipass.Binary
		if binary == "" {
			binary = "multipass"
		}
		cloudInit := ""
		if len(p.CloudInit) > 0 {
			cloudInit = CloudInitPlaceholder
		}
		m := &Multipass{Binary: binary}
		return append([]string{binary}, m.Args(p, cloudInit)...), nil
	case models.BackendQemu:
		if p.Emulator == nil {
			return nil, nil
		}
		args, err := BuildArgs(p.Emulator, ImagePlaceholder, "")
		if err != nil {
			return nil, err
		}
		binary := cfg.Qemu.Binary
		if binary == "" {
			binary = BinaryFor(p.Emulator.Arch)
		}
		return append([]string{binary}, args...), nil
	}
	return nil, nil
}
