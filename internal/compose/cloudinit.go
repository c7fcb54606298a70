package compose

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
	"gopkg.in/yaml.v3"

	"evalgo.org/vmcrate/models"
)

// CloudConfigHeader starts every rendered cloud-init document.
const CloudConfigHeader = "#cloud-config\n"

// CloudConfig is the subset of the cloud-init schema vmcrate renders. Field
// order here is the key order in the output.
type CloudConfig struct {
	PackageUpdate bool        `yaml:"package_update"`
	Packages      []string    `yaml:"packages"`
	WriteFiles    []WriteFile `yaml:"write_files,omitempty"`
	RunCmd        []string    `yaml:"runcmd,omitempty"`
}

// WriteFile is a cloud-init write_files entry.
type WriteFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions,omitempty"`
}

// BuildCloudConfig maps a spec onto the cloud-init structure.
func (c *Composer) BuildCloudConfig(spec *models.VMSpec, instanceName string) *CloudConfig {
	cc := &CloudConfig{
		PackageUpdate: true,
		Packages:      append([]string{}, spec.Dependencies...),
	}

	if c.Options.Motd {
		motd := fmt.Sprintf("Welcome to the VM for %s\n", instanceName)
		if spec.Version != "" {
			motd += fmt.Sprintf("Version: %s\n", spec.Version)
		}
		cc.WriteFiles = append(cc.WriteFiles, WriteFile{Path: "/etc/motd", Content: motd})
	}

	if spec.BootScript != "" {
		path := c.Options.BootScriptPath
		cc.WriteFiles = append(cc.WriteFiles, WriteFile{
			Path:        path,
			Content:     spec.BootScript,
			Permissions: "0755",
		})
		if strings.HasPrefix(spec.BootScript, "#!") {
			cc.RunCmd = append(cc.RunCmd, shellescape.Quote(path))
		} else {
			cc.RunCmd = append(cc.RunCmd, "sh "+shellescape.Quote(path))
		}
	}

	return cc
}

// RenderCloudInit renders the #cloud-config document for spec.
func (c *Composer) RenderCloudInit(spec *models.VMSpec, instanceName string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(CloudConfigHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c.BuildCloudConfig(spec, instanceName)); err != nil {
		return nil, models.NewError(models.KindRenderError, "cannot encode cloud-init document", err)
	}
	if err := enc.Close(); err != nil {
		return nil, models.NewError(models.KindRenderError, "cannot encode cloud-init document", err)
	}

	return buf.Bytes(), nil
}
