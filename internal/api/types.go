package api

import (
	"encoding/json"

	"evalgo.org/vmcrate/internal/imagecache"
	"evalgo.org/vmcrate/internal/version"
	"evalgo.org/vmcrate/models"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health check.
type HealthResponse struct {
	Status  string       `json:"status"`
	Service string       `json:"service"`
	Version version.Info `json:"version"`
}

// BackendsResponse lists the supported backends and the default.
type BackendsResponse struct {
	Default  models.BackendKind   `json:"default"`
	Backends []models.BackendKind `json:"backends"`

	// Active lists the backends that have served a request since startup
	Active []models.BackendKind `json:"active"`
}

// RenderResponse is the dry-run rendering of a document for one backend.
type RenderResponse struct {
	Backend      models.BackendKind     `json:"backend" yaml:"backend"`
	InstanceName string                 `json:"instanceName" yaml:"instance_name"`
	Spec         models.VMSpec          `json:"spec" yaml:"spec"`
	CloudInit    string                 `json:"cloudInit,omitempty" yaml:"cloud_init,omitempty"`
	Launch       *models.LaunchParams   `json:"launch,omitempty" yaml:"launch,omitempty"`
	Emulator     *models.EmulatorParams `json:"emulator,omitempty" yaml:"emulator,omitempty"`

	// Command is the shell-quoted command line the backend would run;
	// empty for API-driven backends
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// ProvisionRequest is the body of a provisioning request. Either Source or
// Document must be set.
type ProvisionRequest struct {
	// Source is a file path, crate directory or URL readable by the server
	Source string `json:"source" validate:"required_without=Document"`

	// Document is an inline description
	Document json.RawMessage `json:"document,omitempty"`

	// Backend overrides the configured default
	Backend string `json:"backend,omitempty" validate:"omitempty,oneof=multipass qemu ec2"`

	// Token is appended to the instance name
	Token string `json:"token,omitempty" validate:"omitempty,alphanum,max=16"`
}

// ImagesResponse represents a page of image cache entries.
type ImagesResponse struct {
	Count  int                `json:"count"`
	Total  int                `json:"total"`
	Images []imagecache.Entry `json:"images"`
}
