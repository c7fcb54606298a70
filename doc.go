// Package vmcrate provisions virtual machines from software metadata.
//
// # Overview
//
// vmcrate reads a CodeMeta document or an RO-Crate and turns the software
// it describes into a running VM. The description says what the software
// needs (CPUs, memory, disk, base image, packages); vmcrate derives a
// VMSpec from it and hands that to a backend.
//
// The pipeline has four stages:
//   - Extract: load JSON-LD, JSONC or YAML metadata from a file, crate or URL
//   - Normalize: derive a VMSpec with defaults and unit conversion
//   - Compose: render cloud-init, EC2 launch parameters or emulator args
//   - Provision: run multipass, qemu or the EC2 API
//
// # Architecture
//
//	┌─────────────────┐       ┌─────────────────┐
//	│  CLI (cobra)    │       │  API Server     │
//	│                 │       │  (Echo REST)    │
//	└────────┬────────┘       └────────┬────────┘
//	         │                         │
//	┌────────▼─────────────────────────▼────────┐
//	│  Orchestrator                             │
//	│  extract → normalize → compose → provision│
//	└────────┬──────────────┬──────────────┬────┘
//	         │              │              │
//	┌────────▼──────┐ ┌─────▼───────┐ ┌────▼────────┐
//	│  multipass    │ │  qemu       │ │  EC2        │
//	│  (exec)       │ │  (exec or   │ │  (aws-sdk)  │
//	│               │ │   docker)   │ │             │
//	└───────────────┘ └─────────────┘ └─────────────┘
//
// # Usage
//
// Provision a VM for a project:
//
//	vmcrate provision ./codemeta.json --backend multipass
//
// Show what would be launched without touching a backend:
//
//	vmcrate render ./my-crate -o yaml
//
// Check a document:
//
//	vmcrate validate ./codemeta.json
//
// Start the API server:
//
//	vmcrate serve --config config.yaml
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (config.yaml, written by "vmcrate config init")
//   - Environment variables (VMC_ prefix, e.g. VMC_BACKEND_DEFAULT=qemu)
//
// Example configuration:
//
//	defaults:
//	  cpus: 2
//	  memory: 2G
//	  disk: 10G
//	  image: "22.04"
//	backend:
//	  default: multipass
//	aws:
//	  region: eu-central-1
//	  images:
//	    "22.04": ami-0123456789abcdef0
//
// # API Endpoints
//
//   - GET  /health                  - Health check
//   - GET  /api/v1/backends         - Supported and default backends
//   - POST /api/v1/render           - Dry-run a document (?backend=)
//   - POST /api/v1/provision        - Provision from a source or inline document
//   - POST /api/v1/validate         - Validate a document
//   - GET  /api/v1/images           - List cached boot images (paginated)
//   - GET  /api/v1/images/:name     - Get a cached boot image
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o vmcrate ./cmd/vmcrate
package vmcrate
