package models

import (
	"fmt"
	"strings"
	"time"
)

// BackendKind identifies a provisioning backend.
type BackendKind string

const (
	// BackendMultipass provisions through the multipass VM manager.
	BackendMultipass BackendKind = "multipass"

	// BackendQemu boots the image in a foreground qemu process.
	BackendQemu BackendKind = "qemu"

	// BackendEC2 creates an AWS EC2 instance.
	BackendEC2 BackendKind = "ec2"
)

// BackendKinds lists every supported backend in display order.
var BackendKinds = []BackendKind{BackendMultipass, BackendQemu, BackendEC2}

// ParseBackendKind validates a backend name.
func ParseBackendKind(s string) (BackendKind, error) {
	k := BackendKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range BackendKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backend %q (use multipass, qemu or ec2)", s)
}

// ProvisioningConfig is a backend-specific rendering of a VMSpec.
// It is read-only once produced and never outlives the provisioning call.
type ProvisioningConfig struct {
	// Backend is the target backend
	Backend BackendKind `json:"backend"`

	// InstanceName is the spec name plus the optional unique token
	InstanceName string `json:"instanceName"`

	// Spec is the canonical spec the rendering was produced from
	Spec VMSpec `json:"spec"`

	// CloudInit is the rendered #cloud-config document
	CloudInit []byte `json:"cloudInit,omitempty"`

	// Launch holds cloud API launch parameters (ec2 only)
	Launch *LaunchParams `json:"launch,omitempty"`

	// Emulator holds emulator parameters (qemu only)
	Emulator *EmulatorParams `json:"emulator,omitempty"`
}

// LaunchParams are the EC2 RunInstances parameters derived from a spec.
type LaunchParams struct {
	ImageID          string            `json:"imageId"`
	InstanceType     string            `json:"instanceType"`
	UserData         string            `json:"userData"`
	KeyName          string            `json:"keyName,omitempty"`
	SecurityGroupIDs []string          `json:"securityGroupIds,omitempty"`
	SubnetID         string            `json:"subnetId,omitempty"`
	RootDevice       string            `json:"rootDevice,omitempty"`
	VolumeGiB        int32             `json:"volumeGiB,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// EmulatorParams describe a foreground emulator boot.
type EmulatorParams struct {
	ImageURL  string `json:"imageUrl"`
	Arch      string `json:"arch"`
	Accel     string `json:"accel,omitempty"`
	CPUs      int    `json:"cpus"`
	MemoryMiB int64  `json:"memoryMiB"`
}

// Instance is a successfully provisioned instance handle.
type Instance struct {
	// ID is the backend-assigned identifier; empty for non-persistent runs
	ID string `json:"id,omitempty"`

	// ConnectHint is the command an operator runs to reach the instance
	ConnectHint string `json:"connectHint,omitempty"`
}

// Stage names a pipeline stage.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StageCompose   Stage = "compose"
	StageProvision Stage = "provision"
)

// ProvisionResult is the single terminal outcome of a provisioning request.
type ProvisionResult struct {
	OK          bool        `json:"ok"`
	Backend     BackendKind `json:"backend"`
	Name        string      `json:"name,omitempty"`
	InstanceID  string      `json:"instanceId,omitempty"`
	ConnectHint string      `json:"connectHint,omitempty"`
	Stage       Stage       `json:"stage,omitempty"`
	Kind        ErrorKind   `json:"kind,omitempty"`
	Diagnostic  string      `json:"diagnostic,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
}

// Succeeded builds a success result.
func Succeeded(backend BackendKind, name string, inst *Instance) *ProvisionResult {
	r := &ProvisionResult{OK: true, Backend: backend, Name: name}
	if inst != nil {
		r.InstanceID = inst.ID
		r.ConnectHint = inst.ConnectHint
	}
	return r
}

// Failed builds a failure result for the given stage. No instance identifier
// is ever attached to a failure.
func Failed(backend BackendKind, stage Stage, err error) *ProvisionResult {
	kind := KindOf(err)
	if kind == "" {
		kind = KindProvisionFailed
	}
	return &ProvisionResult{
		OK:         false,
		Backend:    backend,
		Stage:      stage,
		Kind:       kind,
		Diagnostic: DiagnosticOf(err),
	}
}

// String renders the result for operators.
func (r *ProvisionResult) String() string {
	if r.OK {
		var b strings.Builder
		if r.InstanceID != "" {
			fmt.Fprintf(&b, "VM '%s' is running on %s (instance %s)", r.Name, r.Backend, r.InstanceID)
		} else {
			fmt.Fprintf(&b, "VM '%s' session on %s finished", r.Name, r.Backend)
		}
		if r.ConnectHint != "" {
			fmt.Fprintf(&b, "\nConnect with: %s", r.ConnectHint)
		}
		return b.String()
	}
	return fmt.Sprintf("provisioning failed at %s stage (%s): %s", r.Stage, r.Kind, r.Diagnostic)
}
