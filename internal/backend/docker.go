package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/term"

	"evalgo.org/vmcrate/models"
)

// containerImageDir is where the boot image directory is mounted.
const containerImageDir = "/images"

// DockerAPI is the subset of the Docker client used for containerized
// emulator runs.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

func (q *Qemu) dockerClient(ctx context.Context) (DockerAPI, error) {
	cli := q.Docker
	if cli == nil {
		opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
		if q.DockerHost != "" {
			opts = append(opts, dockerclient.WithHost(q.DockerHost))
		}
		c, err := dockerclient.NewClientWithOpts(opts...)
		if err != nil {
			return nil, models.NewError(models.KindBackendUnavailable, "failed to create Docker client", err)
		}
		cli = c
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, models.NewError(models.KindBackendUnavailable, "docker daemon not reachable", err)
	}
	return cli, nil
}

// pullImage pulls ref unless it is already present.
func pullImage(ctx context.Context, cli DockerAPI, ref string) error {
	if _, _, err := cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// ContainerConfig builds the container and host configuration for a
// containerized emulator run. With kvm set and no accelerator configured
// the emulator uses KVM.
func (q *Qemu) ContainerConfig(instance string, p *models.EmulatorParams, imagePath string, tty, kvm bool) (*container.Config, *container.HostConfig, error) {
	if kvm {
		p = withDefaultAccel(p, kvmAccel)
	}
	inner := path.Join(containerImageDir, filepath.Base(imagePath))
	args, err := BuildArgs(p, inner, q.HostArch)
	if err != nil {
		return nil, nil, err
	}

	cfg := &container.Config{
		Image:        q.ContainerImage,
		Entrypoint:   []string{BinaryFor(p.Arch)},
		Cmd:          args,
		Tty:          tty,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"vmcrate.backend":  string(models.BackendQemu),
			"vmcrate.instance": instance,
		},
	}
	host := &container.HostConfig{
		Binds: []string{filepath.Dir(imagePath) + ":" + containerImageDir + ":ro"},
	}
	if kvm {
		host.Devices = []container.DeviceMapping{{
			PathOnHost:        "/dev/kvm",
			PathInContainer:   "/dev/kvm",
			CgroupPermissions: "rwm",
		}}
	}
	return cfg, host, nil
}

func (q *Qemu) runContainer(ctx context.Context, cfg *models.ProvisioningConfig, imagePath string) (*models.Instance, error) {
	if q.ContainerImage == "" {
		return nil, models.Errorf(models.KindBackendUnavailable, "no emulator container image configured (qemu.container_image)")
	}
	cli, err := q.dockerClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := pullImage(ctx, cli, q.ContainerImage); err != nil {
		return nil, models.NewError(models.KindBackendUnavailable,
			fmt.Sprintf("failed to pull %s", q.ContainerImage), err)
	}

	tty := false
	if f, ok := q.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		tty = true
	}
	containerCfg, hostCfg, err := q.ContainerConfig(cfg.InstanceName, cfg.Emulator, imagePath, tty, haveKVM())
	if err != nil {
		return nil, err
	}

	// Docker names the container; the instance name is only a label so
	// concurrent runs of the same spec never collide
	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, models.NewError(models.KindProvisionFailed, "failed to create emulator container", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			q.logger().WithError(err).Warn("failed to remove emulator container")
		}
	}()

	hijack, err := cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, models.NewError(models.KindProvisionFailed, "failed to attach to emulator container", err)
	}
	defer hijack.Close()

	waitCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if tty {
		f := q.Stdin.(*os.File)
		if state, err := term.MakeRaw(int(f.Fd())); err == nil {
			defer term.Restore(int(f.Fd()), state)
		}
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, models.NewError(models.KindProvisionFailed, "failed to start emulator container", err)
	}
	q.logger().Infof("Booting %s in container %s (Ctrl-A X to quit)", cfg.InstanceName, resp.ID[:min(12, len(resp.ID))])

	var stderr bytes.Buffer
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		if tty {
			_, _ = io.Copy(q.Stdout, hijack.Reader)
			return
		}
		_, _ = stdcopy.StdCopy(q.Stdout, io.MultiWriter(q.Stderr, &stderr), hijack.Reader)
	}()
	if q.Stdin != nil {
		go func() {
			_, _ = io.Copy(hijack.Conn, q.Stdin)
			_ = hijack.CloseWrite()
		}()
	}

	select {
	case <-ctx.Done():
		q.logger().Info("Emulator stopped")
		return &models.Instance{}, nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return &models.Instance{}, nil
		}
		return nil, models.NewError(models.KindProvisionFailed, "failed waiting for emulator container", err)
	case status := <-waitCh:
		<-outputDone
		if status.Error != nil {
			return nil, models.Errorf(models.KindProvisionFailed, "emulator container failed").
				WithDiagnostic(status.Error.Message)
		}
		if status.StatusCode == 0 || interruptedExit(status.StatusCode) {
			q.logger().Info("Emulator stopped")
			return &models.Instance{}, nil
		}
		return nil, emulatorExit(int(status.StatusCode), stderr.String())
	}
}
