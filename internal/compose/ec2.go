package compose

import (
	"math"
	"strings"

	"github.com/samber/lo"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/models"
)

// MaxUserDataBytes is the EC2 limit on raw user-data.
const MaxUserDataBytes = 16 * 1024

// RenderLaunch maps spec onto EC2 RunInstances parameters. cloudInit is used
// as user-data when the spec carries no boot script.
func (c *Composer) RenderLaunch(spec *models.VMSpec, instanceName string, cloudInit []byte) (*models.LaunchParams, error) {
	imageID, err := c.resolveAMI(spec.Image)
	if err != nil {
		return nil, err
	}

	memMiB, err := spec.MemoryMiB()
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "cannot size instance", err)
	}
	it, err := c.pickInstanceType(spec.CPUs, memMiB)
	if err != nil {
		return nil, err
	}

	diskGiB, err := spec.DiskGiB()
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "cannot size root volume", err)
	}
	if diskGiB > math.MaxInt32 {
		return nil, models.Errorf(models.KindRenderError, "disk of %dG exceeds the EBS volume limit", diskGiB)
	}

	userData := spec.BootScript
	if userData == "" {
		userData = string(cloudInit)
	}
	if len(userData) > MaxUserDataBytes {
		return nil, models.Errorf(models.KindRenderError,
			"user-data is %d bytes, EC2 accepts at most %d", len(userData), MaxUserDataBytes)
	}

	tags := map[string]string{
		"Name":          instanceName,
		"vmcrate:image": spec.Image,
	}
	if spec.Version != "" {
		tags["vmcrate:version"] = spec.Version
	}

	return &models.LaunchParams{
		ImageID:          imageID,
		InstanceType:     it.Name,
		UserData:         userData,
		KeyName:          c.Options.KeyName,
		SecurityGroupIDs: append([]string(nil), c.Options.SecurityGroupIDs...),
		SubnetID:         c.Options.SubnetID,
		RootDevice:       c.Options.RootDevice,
		VolumeGiB:        int32(diskGiB),
		Tags:             tags,
	}, nil
}

func (c *Composer) resolveAMI(image string) (string, error) {
	if strings.HasPrefix(image, "ami-") {
		return image, nil
	}
	if ami, ok := c.Options.Images[image]; ok && ami != "" {
		return ami, nil
	}
	return "", models.Errorf(models.KindRenderError,
		"no AMI configured for image %q (add it to aws.images or use an ami- id)", image)
}

// pickInstanceType returns the smallest table entry satisfying cpus and
// memory. Ties keep table order.
func (c *Composer) pickInstanceType(cpus int, memMiB int64) (config.InstanceType, error) {
	fits := lo.Filter(c.Options.InstanceTypes, func(it config.InstanceType, _ int) bool {
		return it.VCPUs >= cpus && it.MemoryMiB >= memMiB
	})
	if len(fits) == 0 {
		return config.InstanceType{}, models.Errorf(models.KindRenderError,
			"no instance type offers %d vCPUs and %dM memory", cpus, memMiB)
	}
	return lo.MinBy(fits, func(a, b config.InstanceType) bool {
		if a.MemoryMiB != b.MemoryMiB {
			return a.MemoryMiB < b.MemoryMiB
		}
		return a.VCPUs < b.VCPUs
	}), nil
}
