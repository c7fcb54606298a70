package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/vmcrate/internal/logging"
	"evalgo.org/vmcrate/models"
)

type fakeImages struct {
	path    string
	fetched bool
	err     error
	calls   int
	order   *[]string
}

func (f *fakeImages) Ensure(ctx context.Context, url string) (string, bool, error) {
	f.calls++
	if f.order != nil {
		*f.order = append(*f.order, "ensure")
	}
	return f.path, f.fetched, f.err
}

func emulatorConfig() *models.ProvisioningConfig {
	cfg := demoConfig()
	cfg.Backend = models.BackendQemu
	cfg.CloudInit = nil
	cfg.Emulator = &models.EmulatorParams{
		ImageURL:  "https://example.com/alpine.iso",
		Arch:      "x86_64",
		Accel:     "kvm:tcg",
		CPUs:      2,
		MemoryMiB: 2048,
	}
	return cfg
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

func argAfter(t *testing.T, args []string, flag string) string {
	t.Helper()
	i := indexOf(args, flag)
	require.GreaterOrEqual(t, i, 0, "missing %s", flag)
	require.Less(t, i+1, len(args))
	return args[i+1]
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name        string
		arch        string
		hostArch    string
		wantMachine string
		wantCPU     string
	}{
		{name: "native x86_64", arch: "x86_64", hostArch: "amd64", wantMachine: "q35,accel=kvm:tcg"},
		{name: "foreign x86_64", arch: "x86_64", hostArch: "arm64", wantMachine: "q35"},
		{name: "native aarch64", arch: "aarch64", hostArch: "arm64", wantMachine: "virt,gic_version=host,accel=kvm:tcg", wantCPU: "host"},
		{name: "foreign aarch64", arch: "aarch64", hostArch: "amd64", wantMachine: "virt", wantCPU: "cortex-a57"},
		{name: "default arch", arch: "", hostArch: "amd64", wantMachine: "q35,accel=kvm:tcg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := emulatorConfig().Emulator
			p.Arch = tt.arch
			args, err := BuildArgs(p, "/cache/alpine.iso", tt.hostArch)
			require.NoError(t, err)

			assert.Equal(t, "2", argAfter(t, args, "-smp"))
			assert.Equal(t, "2048", argAfter(t, args, "-m"))
			assert.Equal(t, tt.wantMachine, argAfter(t, args, "-machine"))
			assert.Equal(t, "/cache/alpine.iso", argAfter(t, args, "-cdrom"))
			assert.Equal(t, "mon:stdio", argAfter(t, args, "-serial"))
			assert.Contains(t, args, "-nographic")
			if tt.wantCPU != "" {
				assert.Equal(t, tt.wantCPU, argAfter(t, args, "-cpu"))
			} else {
				assert.Equal(t, -1, indexOf(args, "-cpu"))
			}
		})
	}
}

func TestBuildArgsUnsupportedArch(t *testing.T) {
	p := emulatorConfig().Emulator
	p.Arch = "mips"
	_, err := BuildArgs(p, "/cache/alpine.iso", "amd64")
	require.Error(t, err)
	assert.Equal(t, models.KindProvisionFailed, models.KindOf(err))
}

func TestBinaryFor(t *testing.T) {
	assert.Equal(t, "qemu-system-x86_64", BinaryFor(""))
	assert.Equal(t, "qemu-system-aarch64", BinaryFor("aarch64"))
}

func newQemu(r Runner, images ImageStore) *Qemu {
	return &Qemu{
		Images:   images,
		Runner:   r,
		LookPath: foundPath,
		HostArch: "amd64",
		Log:      logging.Discard(),
	}
}

func TestQemuLocal(t *testing.T) {
	tests := []struct {
		name     string
		res      Result
		cancel   bool
		wantKind models.ErrorKind
	}{
		{name: "clean exit", res: Result{}},
		{name: "operator interrupt", res: Result{ExitCode: -1, Interrupted: true}},
		{name: "context cancelled", res: Result{ExitCode: -1}, cancel: true},
		{name: "emulator error", res: Result{ExitCode: 1, Stderr: "qemu: could not open disk image"}, wantKind: models.KindProvisionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}

			r := &fakeRunner{res: tt.res}
			images := &fakeImages{path: "/cache/alpine.iso"}
			inst, err := newQemu(r, images).Provision(ctx, emulatorConfig())

			require.Len(t, r.calls, 1)
			assert.Equal(t, "/usr/bin/qemu-system-x86_64", r.calls[0].Path)
			assert.Equal(t, "/cache/alpine.iso", argAfter(t, r.calls[0].Args, "-cdrom"))

			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Nil(t, inst)
				assert.Equal(t, tt.wantKind, models.KindOf(err))
				assert.Contains(t, models.DiagnosticOf(err), "could not open disk image")
				return
			}
			require.NoError(t, err)
			assert.Empty(t, inst.ID)
		})
	}
}

func TestQemuLocalAccel(t *testing.T) {
	tests := []struct {
		name        string
		configured  string
		detected    string
		wantMachine string
	}{
		{name: "detected when unset", detected: "kvm:tcg", wantMachine: "q35,accel=kvm:tcg"},
		{name: "configured wins", configured: "tcg", detected: "kvm:tcg", wantMachine: "q35,accel=tcg"},
		{name: "nothing available", wantMachine: "q35"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{}
			q := newQemu(r, &fakeImages{path: "/cache/alpine.iso"})
			q.DetectAccel = func() string { return tt.detected }

			cfg := emulatorConfig()
			cfg.Emulator.Accel = tt.configured
			_, err := q.Provision(context.Background(), cfg)
			require.NoError(t, err)

			require.Len(t, r.calls, 1)
			assert.Equal(t, tt.wantMachine, argAfter(t, r.calls[0].Args, "-machine"))
			assert.Equal(t, tt.configured, cfg.Emulator.Accel)
		})
	}
}

func TestQemuImageBeforeLaunch(t *testing.T) {
	var order []string
	r := &fakeRunner{onRun: func(Command) { order = append(order, "run") }}
	images := &fakeImages{path: "/cache/alpine.iso", order: &order}

	_, err := newQemu(r, images).Provision(context.Background(), emulatorConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"ensure", "run"}, order)
}

func TestQemuImageUnavailable(t *testing.T) {
	r := &fakeRunner{}
	images := &fakeImages{err: models.Errorf(models.KindBackendUnavailable, "download failed")}

	_, err := newQemu(r, images).Provision(context.Background(), emulatorConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindBackendUnavailable, models.KindOf(err))
	assert.Empty(t, r.calls)
}

func TestQemuBinaryMissing(t *testing.T) {
	r := &fakeRunner{}
	q := newQemu(r, &fakeImages{path: "/cache/alpine.iso"})
	q.LookPath = missingPath

	_, err := q.Provision(context.Background(), emulatorConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindBackendUnavailable, models.KindOf(err))
}

type fakeDocker struct {
	pingErr    error
	haveImage  bool
	pulled     []string
	created    *container.Config
	host       *container.HostConfig
	name       string
	status     container.WaitResponse
	removed    []string
	removeOpts container.RemoveOptions
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, ref string) (image.InspectResponse, []byte, error) {
	if f.haveImage {
		return image.InspectResponse{ID: "sha256:abc"}, nil, nil
	}
	return image.InspectResponse{}, nil, errors.New("No such image")
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = config
	f.host = hostConfig
	f.name = containerName
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, options container.AttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	_ = server.Close()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	waitCh <- f.status
	return waitCh, errCh
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	f.removeOpts = options
	return nil
}

func newContainerQemu(d DockerAPI) *Qemu {
	q := newQemu(&fakeRunner{}, &fakeImages{path: "/cache/images/alpine.iso"})
	q.Containerized = true
	q.ContainerImage = "linuxkit/qemu:test"
	q.Docker = d
	q.Stdout = io.Discard
	q.Stderr = io.Discard
	return q
}

func TestQemuContainer(t *testing.T) {
	tests := []struct {
		name     string
		status   container.WaitResponse
		wantKind models.ErrorKind
	}{
		{name: "clean exit", status: container.WaitResponse{StatusCode: 0}},
		{name: "interrupted", status: container.WaitResponse{StatusCode: 130}},
		{name: "terminated", status: container.WaitResponse{StatusCode: 143}},
		{name: "emulator error", status: container.WaitResponse{StatusCode: 1}, wantKind: models.KindProvisionFailed},
		{
			name:     "runtime error",
			status:   container.WaitResponse{StatusCode: 0, Error: &container.WaitExitError{Message: "oci runtime failed"}},
			wantKind: models.KindProvisionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDocker{status: tt.status}
			inst, err := newContainerQemu(d).Provision(context.Background(), emulatorConfig())

			assert.Equal(t, []string{"0123456789abcdef"}, d.removed)
			assert.True(t, d.removeOpts.Force)
			assert.Empty(t, d.name)
			assert.Equal(t, "demo-tool-1a2b3c4d", d.created.Labels["vmcrate.instance"])

			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Nil(t, inst)
				assert.Equal(t, tt.wantKind, models.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Empty(t, inst.ID)
		})
	}
}

func TestQemuContainerPull(t *testing.T) {
	d := &fakeDocker{}
	_, err := newContainerQemu(d).Provision(context.Background(), emulatorConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"linuxkit/qemu:test"}, d.pulled)

	d = &fakeDocker{haveImage: true}
	_, err = newContainerQemu(d).Provision(context.Background(), emulatorConfig())
	require.NoError(t, err)
	assert.Empty(t, d.pulled)
}

func TestQemuContainerDockerUnavailable(t *testing.T) {
	d := &fakeDocker{pingErr: errors.New("Cannot connect to the Docker daemon")}
	_, err := newContainerQemu(d).Provision(context.Background(), emulatorConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindBackendUnavailable, models.KindOf(err))
	assert.Nil(t, d.created)
}

func TestContainerConfig(t *testing.T) {
	q := newContainerQemu(&fakeDocker{})
	cfg, host, err := q.ContainerConfig("demo-tool", emulatorConfig().Emulator, "/cache/images/alpine.iso", false, true)
	require.NoError(t, err)

	assert.Equal(t, "linuxkit/qemu:test", cfg.Image)
	assert.Equal(t, []string{"qemu-system-x86_64"}, []string(cfg.Entrypoint))
	assert.Equal(t, "/images/alpine.iso", argAfter(t, cfg.Cmd, "-cdrom"))
	assert.False(t, cfg.Tty)
	assert.Equal(t, []string{"/cache/images:/images:ro"}, host.Binds)
	require.Len(t, host.Devices, 1)
	assert.Equal(t, "/dev/kvm", host.Devices[0].PathOnHost)

	_, host, err = q.ContainerConfig("demo-tool", emulatorConfig().Emulator, "/cache/images/alpine.iso", true, false)
	require.NoError(t, err)
	assert.Empty(t, host.Devices)
}

func TestContainerConfigAccel(t *testing.T) {
	q := newContainerQemu(&fakeDocker{})
	p := emulatorConfig().Emulator
	p.Accel = ""

	cfg, _, err := q.ContainerConfig("demo-tool", p, "/cache/images/alpine.iso", false, true)
	require.NoError(t, err)
	assert.Equal(t, "q35,accel=kvm:tcg", argAfter(t, cfg.Cmd, "-machine"))
	assert.Empty(t, p.Accel)

	cfg, _, err = q.ContainerConfig("demo-tool", p, "/cache/images/alpine.iso", false, false)
	require.NoError(t, err)
	assert.Equal(t, "q35", argAfter(t, cfg.Cmd, "-machine"))

	p.Accel = "tcg"
	cfg, _, err = q.ContainerConfig("demo-tool", p, "/cache/images/alpine.iso", false, true)
	require.NoError(t, err)
	assert.Equal(t, "q35,accel=tcg", argAfter(t, cfg.Cmd, "-machine"))
}

func TestQemuConcurrentContainersUnnamed(t *testing.T) {
	first, second := &fakeDocker{}, &fakeDocker{}
	_, err := newContainerQemu(first).Provision(context.Background(), emulatorConfig())
	require.NoError(t, err)
	_, err = newContainerQemu(second).Provision(context.Background(), emulatorConfig())
	require.NoError(t, err)

	assert.Empty(t, first.name)
	assert.Empty(t, second.name)
}
