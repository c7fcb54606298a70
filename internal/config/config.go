// Package config provides configuration management for vmcrate.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with VMC_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.vmcrate/config.yaml, /etc/vmcrate/config.yaml)
//  3. .env files
//  4. Environment variables (VMC_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Default backend: %s\n", cfg.Backend.Default)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use VMC_ prefix and underscores for nested keys:
//   - VMC_BACKEND_DEFAULT=qemu
//   - VMC_DEFAULTS_MEMORY=4G
//   - VMC_AWS_REGION=eu-central-1
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"evalgo.org/vmcrate/models"
)

// Config is the root configuration structure for vmcrate.
// Everything the pipeline would otherwise hardcode (backend choice, default
// image, default sizes, endpoints) lives here and is passed in explicitly.
type Config struct {
	// Defaults are applied by the spec normalizer for absent metadata fields
	Defaults Defaults `mapstructure:"defaults"`

	// Backend selects the default provisioning backend
	Backend BackendConfig `mapstructure:"backend"`

	// Compose contains rendering options
	Compose ComposeConfig `mapstructure:"compose"`

	// Metadata contains document loading options
	Metadata MetadataConfig `mapstructure:"metadata"`

	// Multipass contains local hypervisor settings
	Multipass MultipassConfig `mapstructure:"multipass"`

	// Qemu contains emulator settings
	Qemu QemuConfig `mapstructure:"qemu"`

	// AWS contains EC2 settings
	AWS AWSConfig `mapstructure:"aws"`

	// ScratchDir is where transient rendered files are written (default: OS temp dir)
	ScratchDir string `mapstructure:"scratch_dir"`

	// Server contains HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Security contains rate limiting and CORS settings
	Security SecurityConfig `mapstructure:"security"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// Defaults are the fallback values for VM attributes missing from metadata.
type Defaults struct {
	// CPUs is the default vCPU count (default: 2)
	CPUs int `mapstructure:"cpus"`

	// Memory is the default memory size (default: 2G)
	Memory string `mapstructure:"memory"`

	// Disk is the default disk size (default: 10G)
	Disk string `mapstructure:"disk"`

	// Image is the default base image or release (default: 22.04)
	Image string `mapstructure:"image"`

	// Packages are installed when the description lists no requirements
	Packages []string `mapstructure:"packages"`

	// NamePrefix prefixes generated placeholder names (default: vm)
	NamePrefix string `mapstructure:"name_prefix"`
}

// BackendConfig selects the backend used when a request does not name one.
type BackendConfig struct {
	// Default is one of multipass, qemu, ec2
	Default string `mapstructure:"default"`
}

// ComposeConfig contains rendering options.
type ComposeConfig struct {
	// Motd adds an /etc/motd welcome file to cloud-init documents
	Motd bool `mapstructure:"motd"`

	// BootScriptPath is where the boot script is written inside the guest
	BootScriptPath string `mapstructure:"boot_script_path"`

	// UniqueSuffix appends a random token to instance names
	UniqueSuffix bool `mapstructure:"unique_suffix"`
}

// MetadataConfig contains document loading options.
type MetadataConfig struct {
	// FetchTimeout bounds fetching a description from an http(s) URL
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// StrictJSONLD rejects documents that do not expand as JSON-LD
	StrictJSONLD bool `mapstructure:"strict_jsonld"`
}

// MultipassConfig contains local hypervisor settings.
type MultipassConfig struct {
	// Binary is the multipass executable name or path
	Binary string `mapstructure:"binary"`

	// Timeout bounds a single launch call (0 disables)
	Timeout time.Duration `mapstructure:"timeout"`
}

// QemuConfig contains emulator settings.
type QemuConfig struct {
	// Binary overrides the emulator executable (default: qemu-system-<arch>)
	Binary string `mapstructure:"binary"`

	// Arch is the guest architecture (x86_64, aarch64, s390x)
	Arch string `mapstructure:"arch"`

	// Accel is the accelerator list passed to -machine (e.g. kvm:tcg)
	Accel string `mapstructure:"accel"`

	// ImageURL is the boot image downloaded into the cache
	ImageURL string `mapstructure:"image_url"`

	// CacheDir holds downloaded boot images
	CacheDir string `mapstructure:"cache_dir"`

	// DownloadTimeout bounds a boot image download
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`

	// Containerized runs the emulator inside a container via the Docker API
	Containerized bool `mapstructure:"containerized"`

	// ContainerImage is the image providing the emulator binaries
	ContainerImage string `mapstructure:"container_image"`

	// DockerHost overrides DOCKER_HOST for containerized runs
	DockerHost string `mapstructure:"docker_host"`
}

// AWSConfig contains EC2 settings.
type AWSConfig struct {
	// Region is the AWS region (falls back to the SDK's default chain)
	Region string `mapstructure:"region"`

	// Profile is the shared config profile
	Profile string `mapstructure:"profile"`

	// Images maps spec image tags (e.g. 22.04) to AMI ids
	Images map[string]string `mapstructure:"images"`

	// InstanceTypes is the size table, smallest first
	InstanceTypes []InstanceType `mapstructure:"instance_types"`

	// KeyName is the EC2 key pair to install
	KeyName string `mapstructure:"key_name"`

	// SecurityGroupIDs are attached to the instance
	SecurityGroupIDs []string `mapstructure:"security_group_ids"`

	// SubnetID places the instance in a subnet
	SubnetID string `mapstructure:"subnet_id"`

	// RootDevice is the AMI's root device name
	RootDevice string `mapstructure:"root_device"`

	// Timeout bounds the RunInstances call
	Timeout time.Duration `mapstructure:"timeout"`
}

// InstanceType is one entry of the EC2 size table.
type InstanceType struct {
	Name      string `mapstructure:"name"`
	VCPUs     int    `mapstructure:"vcpus"`
	MemoryMiB int64  `mapstructure:"memory_mib"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address
	Host string `mapstructure:"host"`

	// Port is the server listen port
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug exposes internal error details in responses
	Debug bool `mapstructure:"debug"`
}

// SecurityConfig contains rate limiting settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// DefaultInstanceTypes is the general-purpose t3 family, smallest first.
var DefaultInstanceTypes = []InstanceType{
	{Name: "t3.nano", VCPUs: 2, MemoryMiB: 512},
	{Name: "t3.micro", VCPUs: 2, MemoryMiB: 1024},
	{Name: "t3.small", VCPUs: 2, MemoryMiB: 2048},
	{Name: "t3.medium", VCPUs: 2, MemoryMiB: 4096},
	{Name: "t3.large", VCPUs: 2, MemoryMiB: 8192},
	{Name: "t3.xlarge", VCPUs: 4, MemoryMiB: 16384},
	{Name: "t3.2xlarge", VCPUs: 8, MemoryMiB: 32768},
}

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VMC_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.vmcrate")
		v.AddConfigPath("/etc/vmcrate")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("VMC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if len(cfg.AWS.InstanceTypes) == 0 {
		cfg.AWS.InstanceTypes = append([]InstanceType(nil), DefaultInstanceTypes...)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.AWS.InstanceTypes = append([]InstanceType(nil), DefaultInstanceTypes...)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.cpus", 2)
	v.SetDefault("defaults.memory", "2G")
	v.SetDefault("defaults.disk", "10G")
	v.SetDefault("defaults.image", "22.04")
	v.SetDefault("defaults.packages", []string{})
	v.SetDefault("defaults.name_prefix", "vm")

	v.SetDefault("backend.default", string(models.BackendMultipass))

	v.SetDefault("compose.motd", false)
	v.SetDefault("compose.boot_script_path", "/var/lib/vmcrate/boot.sh")
	v.SetDefault("compose.unique_suffix", false)

	v.SetDefault("metadata.fetch_timeout", "30s")
	v.SetDefault("metadata.strict_jsonld", false)

	v.SetDefault("multipass.binary", "multipass")
	v.SetDefault("multipass.timeout", "15m")

	v.SetDefault("qemu.arch", "x86_64")
	v.SetDefault("qemu.image_url", "https://dl-cdn.alpinelinux.org/alpine/v3.18/releases/x86_64/alpine-virt-3.18.4-x86_64.iso")
	v.SetDefault("qemu.cache_dir", defaultCacheDir())
	v.SetDefault("qemu.download_timeout", "10m")
	v.SetDefault("qemu.containerized", false)
	v.SetDefault("qemu.container_image", "linuxkit/qemu:18e9e252d670ed829ae13a358f4efcf5d7da6a24")

	v.SetDefault("aws.images", map[string]string{})
	v.SetDefault("aws.root_device", "/dev/sda1")
	v.SetDefault("aws.timeout", "2m")

	v.SetDefault("scratch_dir", "")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8096)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "20m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("security.rate_limit", 10)
	v.SetDefault("security.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "vmcrate", "images")
	}
	return filepath.Join(os.TempDir(), "vmcrate", "images")
}

func validate(cfg *Config) error {
	if cfg.Defaults.CPUs < 1 {
		return fmt.Errorf("defaults.cpus must be at least 1, got %d", cfg.Defaults.CPUs)
	}

	if _, err := units.RAMInBytes(cfg.Defaults.Memory); err != nil {
		return fmt.Errorf("invalid defaults.memory %q: %w", cfg.Defaults.Memory, err)
	}

	if _, err := units.RAMInBytes(cfg.Defaults.Disk); err != nil {
		return fmt.Errorf("invalid defaults.disk %q: %w", cfg.Defaults.Disk, err)
	}

	if cfg.Defaults.Image == "" {
		return fmt.Errorf("defaults.image is required")
	}

	if _, err := models.ParseBackendKind(cfg.Backend.Default); err != nil {
		return fmt.Errorf("backend.default: %w", err)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	for i, it := range cfg.AWS.InstanceTypes {
		if it.Name == "" || it.VCPUs < 1 || it.MemoryMiB < 1 {
			return fmt.Errorf("aws.instance_types[%d] is incomplete", i)
		}
	}

	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
