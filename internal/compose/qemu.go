package compose

import "evalgo.org/vmcrate/models"

// RenderEmulator maps spec onto emulator parameters.
func (c *Composer) RenderEmulator(spec *models.VMSpec) (*models.EmulatorParams, error) {
	if c.Options.QemuImageURL == "" {
		return nil, models.Errorf(models.KindRenderError, "no boot image configured (qemu.image_url)")
	}
	memMiB, err := spec.MemoryMiB()
	if err != nil {
		return nil, models.NewError(models.KindRenderError, "cannot size emulator memory", err)
	}
	arch := c.Options.QemuArch
	if arch == "" {
		arch = "x86_64"
	}
	return &models.EmulatorParams{
		ImageURL:  c.Options.QemuImageURL,
		Arch:      arch,
		Accel:     c.Options.QemuAccel,
		CPUs:      spec.CPUs,
		MemoryMiB: memMiB,
	}, nil
}
