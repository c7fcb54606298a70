package models

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
)

// VMSpec is the canonical, backend-independent description of the VM to
// provision. Every downstream component consumes only this type.
type VMSpec struct {
	// Name is the instance identifier: lower-case, [a-z0-9-], at most 63 chars
	Name string `json:"name" yaml:"name" validate:"required,max=63,vmname"`

	// CPUs is the number of virtual CPUs
	CPUs int `json:"cpus" yaml:"cpus" validate:"min=1"`

	// Memory is a size such as "2G" or "512M"
	Memory string `json:"memory" yaml:"memory" validate:"required,size"`

	// Disk is a size such as "10G"
	Disk string `json:"disk" yaml:"disk" validate:"required,size"`

	// Image is the base image, release tag or AMI id
	Image string `json:"image" yaml:"image" validate:"required"`

	// Dependencies are packages installed at first boot, in order
	Dependencies []string `json:"dependencies" yaml:"dependencies" validate:"unique,dive,required"`

	// BootScript is run verbatim at first boot when set
	BootScript string `json:"bootScript,omitempty" yaml:"boot_script,omitempty"`

	// Version is informational, taken from the description
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Description is informational, taken from the description
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

var vmNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

var (
	specValidator     *validator.Validate
	specValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	specValidatorOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("vmname", func(fl validator.FieldLevel) bool {
			return vmNamePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("size", func(fl validator.FieldLevel) bool {
			n, err := units.RAMInBytes(fl.Field().String())
			return err == nil && n > 0
		})
		specValidator = v
	})
	return specValidator
}

// Validate checks the spec invariants and returns an InvalidSpec error
// describing the first violated field.
func (s *VMSpec) Validate() error {
	if err := getValidator().Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return Errorf(KindInvalidSpec, "field %s failed %q check (value: %v)",
				fe.Field(), fe.Tag(), fe.Value())
		}
		return NewError(KindInvalidSpec, "spec validation failed", err)
	}
	return nil
}

// MemoryMiB returns the memory size in mebibytes.
func (s *VMSpec) MemoryMiB() (int64, error) {
	n, err := units.RAMInBytes(s.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s.Memory, err)
	}
	return n / units.MiB, nil
}

// DiskGiB returns the disk size in gibibytes, rounded up.
func (s *VMSpec) DiskGiB() (int64, error) {
	n, err := units.RAMInBytes(s.Disk)
	if err != nil {
		return 0, fmt.Errorf("invalid disk size %q: %w", s.Disk, err)
	}
	return (n + units.GiB - 1) / units.GiB, nil
}

// CanonicalSize renders a byte count as "<n>G" when it is a whole number of
// gibibytes and "<n>M" otherwise. Sizes below one mebibyte are rejected.
func CanonicalSize(bytes int64) (string, error) {
	if bytes < units.MiB {
		return "", fmt.Errorf("size %d bytes is below 1M", bytes)
	}
	if bytes%units.GiB == 0 {
		return fmt.Sprintf("%dG", bytes/units.GiB), nil
	}
	return fmt.Sprintf("%dM", bytes/units.MiB), nil
}
