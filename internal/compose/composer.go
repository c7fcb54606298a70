// Package compose renders a canonical VMSpec into the configuration a
// specific provisioning backend consumes.
//
// Rendering is pure: the same spec, backend and token always produce
// byte-identical output. The token is the only source of uniqueness and is
// generated by the caller.
package compose

import (
	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/normalize"
	"evalgo.org/vmcrate/models"
)

// DefaultBootScriptPath is where boot scripts land inside the guest.
const DefaultBootScriptPath = "/var/lib/vmcrate/boot.sh"

// Options are the configuration-derived inputs to rendering.
type Options struct {
	// Motd adds an /etc/motd welcome file to cloud-init documents
	Motd bool

	// BootScriptPath is the guest path the boot script is written to
	BootScriptPath string

	// Images maps image tags to AMI ids
	Images map[string]string

	// InstanceTypes is the EC2 size table
	InstanceTypes []config.InstanceType

	KeyName          string
	SecurityGroupIDs []string
	SubnetID         string
	RootDevice       string

	// QemuImageURL is the emulator boot image
	QemuImageURL string

	// QemuArch is the emulated architecture
	QemuArch string

	// QemuAccel is the accelerator list (empty means detect at launch)
	QemuAccel string
}

// OptionsFromConfig collects the rendering options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Motd:             cfg.Compose.Motd,
		BootScriptPath:   cfg.Compose.BootScriptPath,
		Images:           cfg.AWS.Images,
		InstanceTypes:    cfg.AWS.InstanceTypes,
		KeyName:          cfg.AWS.KeyName,
		SecurityGroupIDs: cfg.AWS.SecurityGroupIDs,
		SubnetID:         cfg.AWS.SubnetID,
		RootDevice:       cfg.AWS.RootDevice,
		QemuImageURL:     cfg.Qemu.ImageURL,
		QemuArch:         cfg.Qemu.Arch,
		QemuAccel:        cfg.Qemu.Accel,
	}
}

// Composer renders provisioning configs.
type Composer struct {
	Options Options
}

// New creates a Composer.
func New(opts Options) *Composer {
	if opts.BootScriptPath == "" {
		opts.BootScriptPath = DefaultBootScriptPath
	}
	if len(opts.InstanceTypes) == 0 {
		opts.InstanceTypes = config.DefaultInstanceTypes
	}
	return &Composer{Options: opts}
}

// Compose renders spec for backend. A non-empty token is appended to the
// instance name to avoid collisions.
func (c *Composer) Compose(spec *models.VMSpec, backend models.BackendKind, token string) (*models.ProvisioningConfig, error) {
	if spec == nil {
		return nil, models.Errorf(models.KindRenderError, "no spec to render")
	}
	if err := spec.Validate(); err != nil {
		return nil, models.NewError(models.KindRenderError, "spec is not renderable", err)
	}

	cfg := &models.ProvisioningConfig{
		Backend:      backend,
		InstanceName: InstanceName(spec.Name, token),
		Spec:         *spec,
	}
	cfg.Spec.Dependencies = append([]string{}, spec.Dependencies...)

	switch backend {
	case models.BackendMultipass:
		doc, err := c.RenderCloudInit(spec, cfg.InstanceName)
		if err != nil {
			return nil, err
		}
		cfg.CloudInit = doc

	case models.BackendEC2:
		doc, err := c.RenderCloudInit(spec, cfg.InstanceName)
		if err != nil {
			return nil, err
		}
		cfg.CloudInit = doc
		launch, err := c.RenderLaunch(spec, cfg.InstanceName, doc)
		if err != nil {
			return nil, err
		}
		cfg.Launch = launch

	case models.BackendQemu:
		emu, err := c.RenderEmulator(spec)
		if err != nil {
			return nil, err
		}
		cfg.Emulator = emu

	default:
		return nil, models.Errorf(models.KindRenderError, "unknown backend %q", backend)
	}

	return cfg, nil
}

// InstanceName joins the spec name and an optional token, keeping the
// result within the 63 character name limit.
func InstanceName(name, token string) string {
	token = normalize.SanitizeName(token)
	if token == "" {
		return name
	}
	room := 63 - len(token) - 1
	if room < 1 {
		return token
	}
	base := name
	if len(base) > room {
		base = normalize.SanitizeName(base[:room])
	}
	if base == "" {
		return token
	}
	return base + "-" + token
}
