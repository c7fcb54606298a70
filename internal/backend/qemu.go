package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/models"
)

// Exit statuses of a process ended by SIGINT or SIGTERM when reported
// through a shell or container runtime.
const (
	exitInterrupt = 130
	exitTerminate = 143
)

// Qemu boots the configured image in a foreground emulator attached to the
// caller's terminal. The session ends when the emulator exits.
type Qemu struct {
	Binary   string
	Images   ImageStore
	Runner   Runner
	LookPath func(string) (string, error)

	// Containerized runs the emulator inside ContainerImage through the
	// Docker API instead of a local binary.
	Containerized  bool
	ContainerImage string
	DockerHost     string
	Docker         DockerAPI

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// HostArch is the GOARCH of the host; runtime.GOARCH when empty
	HostArch string

	// DetectAccel picks the accelerator when the emulator parameters leave
	// it empty; DefaultAccel when nil
	DetectAccel func() string

	Log log.FieldLogger
}

// Kind implements Backend.
func (q *Qemu) Kind() models.BackendKind { return models.BackendQemu }

// goArch maps a qemu architecture name onto its GOARCH equivalent.
func goArch(arch string) (string, error) {
	switch arch {
	case "x86_64":
		return "amd64", nil
	case "aarch64":
		return "arm64", nil
	case "s390x":
		return "s390x", nil
	}
	return "", fmt.Errorf("%s is an unsupported architecture", arch)
}

// BinaryFor returns the emulator binary for arch.
func BinaryFor(arch string) string {
	if arch == "" {
		arch = "x86_64"
	}
	return "qemu-system-" + arch
}

// haveKVM reports whether the host exposes KVM.
func haveKVM() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// kvmAccel prefers KVM and falls back to software emulation.
const kvmAccel = "kvm:tcg"

// DefaultAccel picks the accelerator list for the host.
func DefaultAccel() string {
	if haveKVM() {
		return kvmAccel
	}
	if runtime.GOOS == "darwin" {
		return "hvf:tcg"
	}
	return ""
}

// BuildArgs renders the emulator argument list for p booting imagePath.
// Acceleration is dropped when the guest architecture differs from hostArch.
func BuildArgs(p *models.EmulatorParams, imagePath, hostArch string) ([]string, error) {
	arch := p.Arch
	if arch == "" {
		arch = "x86_64"
	}
	ga, err := goArch(arch)
	if err != nil {
		return nil, models.NewError(models.KindProvisionFailed, "cannot build emulator command", err)
	}
	if hostArch == "" {
		hostArch = runtime.GOARCH
	}

	var args []string
	args = append(args, "-smp", strconv.Itoa(p.CPUs))
	args = append(args, "-m", strconv.FormatInt(p.MemoryMiB, 10))

	if arch == "aarch64" {
		if hostArch == "arm64" {
			args = append(args, "-cpu", "host")
		} else {
			args = append(args, "-cpu", "cortex-a57")
		}
	}

	accel := p.Accel
	if ga != hostArch {
		accel = ""
	}
	switch arch {
	case "s390x":
		args = append(args, "-machine", withAccel("s390-ccw-virtio", accel))
	case "aarch64":
		if accel != "" {
			args = append(args, "-machine", withAccel("virt,gic_version=host", accel))
		} else {
			args = append(args, "-machine", "virt")
		}
	default:
		args = append(args, "-machine", withAccel("q35", accel))
	}

	rng := "rng-random,id=rng0"
	if runtime.GOOS == "linux" {
		rng += ",filename=/dev/urandom"
	}
	if arch == "s390x" {
		args = append(args, "-object", rng, "-device", "virtio-rng-ccw,rng=rng0")
		args = append(args, "-device", "virtio-scsi-ccw", "-device", "scsi-cd,drive=cd1",
			"-drive", "file="+imagePath+",format=raw,if=none,id=cd1")
	} else {
		args = append(args, "-object", rng, "-device", "virtio-rng-pci,rng=rng0")
		args = append(args, "-cdrom", imagePath)
	}

	args = append(args, "-nographic", "-serial", "mon:stdio")
	return args, nil
}

// withDefaultAccel returns p with Accel set to accel when p has none.
// p itself is never modified.
func withDefaultAccel(p *models.EmulatorParams, accel string) *models.EmulatorParams {
	if p.Accel != "" || accel == "" {
		return p
	}
	c := *p
	c.Accel = accel
	return &c
}

func (q *Qemu) detectAccel() string {
	if q.DetectAccel != nil {
		return q.DetectAccel()
	}
	return DefaultAccel()
}

func withAccel(machine, accel string) string {
	if accel == "" {
		return machine
	}
	return machine + ",accel=" + accel
}

// Provision implements Backend.
func (q *Qemu) Provision(ctx context.Context, cfg *models.ProvisioningConfig) (*models.Instance, error) {
	p := cfg.Emulator
	if p == nil {
		return nil, models.Errorf(models.KindProvisionFailed, "no emulator parameters for %s", cfg.InstanceName)
	}

	imagePath, fetched, err := q.Images.Ensure(ctx, p.ImageURL)
	if err != nil {
		return nil, err
	}
	if fetched {
		q.logger().WithField("path", imagePath).Info("Boot image downloaded")
	}

	if q.Containerized {
		return q.runContainer(ctx, cfg, imagePath)
	}
	return q.runLocal(ctx, cfg, imagePath)
}

func (q *Qemu) runLocal(ctx context.Context, cfg *models.ProvisioningConfig, imagePath string) (*models.Instance, error) {
	p := withDefaultAccel(cfg.Emulator, q.detectAccel())
	binary := q.Binary
	if binary == "" {
		binary = BinaryFor(p.Arch)
	}
	path, err := resolveBinary(q.LookPath, binary)
	if err != nil {
		return nil, err
	}

	args, err := BuildArgs(p, imagePath, q.HostArch)
	if err != nil {
		return nil, err
	}

	q.logger().Infof("Booting %s in %s (Ctrl-A X to quit)", cfg.InstanceName, binary)
	res, err := q.Runner.Run(ctx, Command{
		Path:   path,
		Args:   args,
		Stdin:  q.Stdin,
		Stdout: q.Stdout,
		Stderr: q.Stderr,
	})
	if err != nil {
		return nil, models.NewError(models.KindBackendUnavailable, fmt.Sprintf("cannot run %s", binary), err)
	}
	if ctx.Err() != nil || res.Interrupted || res.ExitCode == 0 {
		q.logger().Info("Emulator stopped")
		return &models.Instance{}, nil
	}
	return nil, emulatorExit(res.ExitCode, res.Stderr)
}

func emulatorExit(code int, stderr string) error {
	diag := strings.TrimSpace(stderr)
	if diag == "" {
		diag = fmt.Sprintf("exit status %d", code)
	}
	return models.Errorf(models.KindProvisionFailed, "emulator exited with status %d", code).WithDiagnostic(diag)
}

// interruptedExit reports whether a container exit status stands for an
// operator interrupt.
func interruptedExit(code int64) bool {
	return code == exitInterrupt || code == exitTerminate
}

func (q *Qemu) logger() log.FieldLogger {
	if q.Log == nil {
		return log.StandardLogger()
	}
	return q.Log
}
