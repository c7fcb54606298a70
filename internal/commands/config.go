package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initConfigPath  string
	initConfigForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)

	initConfigCmd.Flags().StringVar(&initConfigPath, "path", "config.yaml", "file to write")
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "overwrite an existing file")
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

const defaultConfig = `# vmcrate configuration

# Applied when the description leaves a field out
defaults:
  cpus: 2
  memory: 2G
  disk: 10G
  image: "22.04"
  packages: []
  name_prefix: vm

backend:
  default: multipass

compose:
  motd: false
  boot_script_path: /var/lib/vmcrate/boot.sh
  unique_suffix: false

metadata:
  fetch_timeout: 30s
  strict_jsonld: false

multipass:
  binary: multipass
  timeout: 15m

qemu:
  arch: x86_64
  image_url: https://dl-cdn.alpinelinux.org/alpine/v3.18/releases/x86_64/alpine-virt-3.18.4-x86_64.iso
  download_timeout: 10m
  containerized: false
  container_image: linuxkit/qemu:18e9e252d670ed829ae13a358f4efcf5d7da6a24

aws:
  # region: eu-central-1
  # Map spec image tags to AMI ids for your region
  images: {}
  root_device: /dev/sda1
  timeout: 2m

server:
  host: 127.0.0.1
  port: 8096
  read_timeout: 30s
  write_timeout: 20m
  shutdown_timeout: 10s
  debug: false

security:
  rate_limit: 10
  allowed_origins: []

logging:
  level: info
  format: text
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	if !initConfigForce {
		if _, err := os.Stat(initConfigPath); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initConfigPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if err := os.WriteFile(initConfigPath, []byte(defaultConfig), 0644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", initConfigPath)
	return nil
}
