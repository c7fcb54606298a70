// Package backend drives the provisioning backends: the multipass VM
// manager, a foreground qemu emulator and the AWS EC2 API.
//
// Every adapter builds its own argument list or API request from typed
// ProvisioningConfig fields, removes any transient file it created before
// returning, and reports failures only as BackendUnavailable or
// ProvisionFailed.
package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/imagecache"
	"evalgo.org/vmcrate/models"
)

// Backend provisions an instance from a rendered config.
type Backend interface {
	Kind() models.BackendKind
	Provision(ctx context.Context, cfg *models.ProvisioningConfig) (*models.Instance, error)
}

// ImageStore provides local copies of boot images.
type ImageStore interface {
	Ensure(ctx context.Context, url string) (path string, fetched bool, err error)
}

// Deps are the collaborators shared by adapters. Zero values select the
// real implementations.
type Deps struct {
	Runner   Runner
	Images   ImageStore
	Docker   DockerAPI
	EC2      EC2API
	LookPath func(string) (string, error)

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Log log.FieldLogger
}

func (d Deps) withDefaults(cfg *config.Config) Deps {
	if d.Log == nil {
		d.Log = log.StandardLogger()
	}
	if d.Runner == nil {
		d.Runner = &ExecRunner{Log: d.Log}
	}
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	if d.Images == nil {
		d.Images = imagecache.New(cfg.Qemu.CacheDir, cfg.Qemu.DownloadTimeout, d.Log)
	}
	if d.Stdin == nil {
		d.Stdin = os.Stdin
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	return d
}

// New creates the adapter for kind.
func New(kind models.BackendKind, cfg *config.Config, deps Deps) (Backend, error) {
	deps = deps.withDefaults(cfg)
	switch kind {
	case models.BackendMultipass:
		return &Multipass{
			Binary:     cfg.Multipass.Binary,
			Timeout:    cfg.Multipass.Timeout,
			ScratchDir: cfg.ScratchDir,
			Runner:     deps.Runner,
			LookPath:   deps.LookPath,
			Log:        deps.Log.WithField("backend", kind),
		}, nil
	case models.BackendQemu:
		return &Qemu{
			Binary:         cfg.Qemu.Binary,
			Images:         deps.Images,
			Runner:         deps.Runner,
			LookPath:       deps.LookPath,
			Containerized:  cfg.Qemu.Containerized,
			ContainerImage: cfg.Qemu.ContainerImage,
			DockerHost:     cfg.Qemu.DockerHost,
			Docker:         deps.Docker,
			Stdin:          deps.Stdin,
			Stdout:         deps.Stdout,
			Stderr:         deps.Stderr,
			Log:            deps.Log.WithField("backend", kind),
		}, nil
	case models.BackendEC2:
		return &EC2{
			AWS:     cfg.AWS,
			Client:  deps.EC2,
			Timeout: cfg.AWS.Timeout,
			Log:     deps.Log.WithField("backend", kind),
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

// Provision runs b and normalises its outcome: panics are recovered,
// unclassified errors become ProvisionFailed, and no instance is ever
// returned together with an error.
func Provision(ctx context.Context, b Backend, cfg *models.ProvisioningConfig) (inst *models.Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = models.Errorf(models.KindProvisionFailed, "%s backend panicked: %v", b.Kind(), r)
		}
	}()

	inst, err = b.Provision(ctx, cfg)
	if err != nil {
		switch models.KindOf(err) {
		case models.KindBackendUnavailable, models.KindProvisionFailed:
		default:
			err = models.NewError(models.KindProvisionFailed, fmt.Sprintf("%s backend failed", b.Kind()), err)
		}
		return nil, err
	}
	if inst == nil {
		inst = &models.Instance{}
	}
	return inst, nil
}

func resolveBinary(lookPath func(string) (string, error), name string) (string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(name)
	if err != nil {
		return "", models.NewError(models.KindBackendUnavailable, fmt.Sprintf("%s not found in $PATH", name), err)
	}
	return path, nil
}
