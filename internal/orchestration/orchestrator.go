// Package orchestration runs the provisioning pipeline: extract, normalize,
// compose and provision. A request either completes every stage or stops at
// the first failure, which is reported with its stage and unchanged kind.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/backend"
	"evalgo.org/vmcrate/internal/compose"
	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/metadata"
	"evalgo.org/vmcrate/internal/normalize"
	"evalgo.org/vmcrate/models"
)

// Extractor loads software descriptions.
type Extractor interface {
	Load(ctx context.Context, source string) (*models.SoftwareDescription, error)
	Parse(data []byte, source string) (*models.SoftwareDescription, error)
}

// Normalizer maps descriptions onto canonical specs.
type Normalizer interface {
	Normalize(desc *models.SoftwareDescription) (*models.VMSpec, error)
}

// Composer renders backend-specific configs.
type Composer interface {
	Compose(spec *models.VMSpec, kind models.BackendKind, token string) (*models.ProvisioningConfig, error)
}

// BackendResolver returns the adapter for a backend kind.
type BackendResolver interface {
	Get(kind models.BackendKind) (backend.Backend, error)
}

// Request is one provisioning request.
type Request struct {
	// Source is a file, crate directory or URL
	Source string

	// Document is an inline description used instead of Source when set
	Document []byte

	// Backend selects the target; the configured default when empty
	Backend models.BackendKind

	// Token is appended to the instance name when set
	Token string
}

// Plan is the result of the first three stages.
type Plan struct {
	Description *models.SoftwareDescription
	Spec        *models.VMSpec
	Config      *models.ProvisioningConfig
}

// StageError records the stage at which a request failed.
type StageError struct {
	Stage models.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage recorded in err, or "" when none is.
func StageOf(err error) models.Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Options are the orchestrator's collaborators.
type Options struct {
	Extractor      Extractor
	Normalizer     Normalizer
	Composer       Composer
	Backends       BackendResolver
	DefaultBackend models.BackendKind

	// UniqueSuffix appends a token from TokenFunc when a request has none
	UniqueSuffix bool
	TokenFunc    func() string

	Log log.FieldLogger
}

// Orchestrator drives requests through the pipeline. It holds no
// per-request state and may serve concurrent requests.
type Orchestrator struct {
	opts Options
	now  func() time.Time
}

// New creates an orchestrator from explicit collaborators.
func New(opts Options) *Orchestrator {
	if opts.TokenFunc == nil {
		opts.TokenFunc = models.GenerateToken
	}
	if opts.Log == nil {
		opts.Log = log.StandardLogger()
	}
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = models.BackendMultipass
	}
	return &Orchestrator{opts: opts, now: time.Now}
}

// FromConfig wires the standard collaborators from cfg.
func FromConfig(cfg *config.Config, deps backend.Deps, logger log.FieldLogger) (*Orchestrator, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	kind, err := models.ParseBackendKind(cfg.Backend.Default)
	if err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = logger
	}
	return New(Options{
		Extractor:      metadata.New(cfg.Metadata, logger),
		Normalizer:     normalize.New(cfg.Defaults, logger),
		Composer:       compose.New(compose.OptionsFromConfig(cfg)),
		Backends:       NewBackendRegistry(cfg, deps),
		DefaultBackend: kind,
		UniqueSuffix:   cfg.Compose.UniqueSuffix,
		Log:            logger,
	}), nil
}

// DefaultBackend returns the backend used when a request names none.
func (o *Orchestrator) DefaultBackend() models.BackendKind {
	return o.opts.DefaultBackend
}

// ActiveBackends returns the kinds whose adapters have been created so far.
func (o *Orchestrator) ActiveBackends() []models.BackendKind {
	if lister, ok := o.opts.Backends.(interface{ Kinds() []models.BackendKind }); ok {
		return lister.Kinds()
	}
	return []models.BackendKind{}
}

func (o *Orchestrator) backendFor(req Request) models.BackendKind {
	if req.Backend != "" {
		return req.Backend
	}
	return o.opts.DefaultBackend
}

// Plan runs the extract, normalize and compose stages without side effects
// on any backend.
func (o *Orchestrator) Plan(ctx context.Context, req Request) (*Plan, error) {
	kind := o.backendFor(req)
	logger := o.opts.Log.WithField("backend", kind)

	var (
		desc *models.SoftwareDescription
		err  error
	)
	if len(req.Document) > 0 {
		desc, err = o.opts.Extractor.Parse(req.Document, req.Source)
	} else {
		desc, err = o.opts.Extractor.Load(ctx, req.Source)
	}
	if err != nil {
		return nil, &StageError{Stage: models.StageExtract, Err: err}
	}
	logger.WithField("stage", models.StageExtract).Debugf("Loaded %d entities", len(desc.Entities))

	spec, err := o.opts.Normalizer.Normalize(desc)
	if err != nil {
		return &Plan{Description: desc}, &StageError{Stage: models.StageNormalize, Err: err}
	}
	logger.WithFields(log.Fields{
		"stage": models.StageNormalize,
		"name":  spec.Name,
	}).Debugf("Canonical spec: %d CPUs, %s memory, %s disk, image %s", spec.CPUs, spec.Memory, spec.Disk, spec.Image)

	token := req.Token
	if token == "" && o.opts.UniqueSuffix {
		token = o.opts.TokenFunc()
	}
	cfg, err := o.opts.Composer.Compose(spec, kind, token)
	if err != nil {
		return &Plan{Description: desc, Spec: spec}, &StageError{Stage: models.StageCompose, Err: err}
	}
	logger.WithFields(log.Fields{
		"stage":    models.StageCompose,
		"instance": cfg.InstanceName,
	}).Debug("Rendered provisioning config")

	return &Plan{Description: desc, Spec: spec, Config: cfg}, nil
}

// Provision runs every stage and returns the single terminal outcome.
// There are no retries at any stage.
func (o *Orchestrator) Provision(ctx context.Context, req Request) *models.ProvisionResult {
	started := o.now()
	kind := o.backendFor(req)

	finish := func(r *models.ProvisionResult) *models.ProvisionResult {
		r.StartedAt = started
		r.FinishedAt = o.now()
		logger := o.opts.Log.WithFields(log.Fields{
			"backend":  r.Backend,
			"duration": r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
		})
		if r.OK {
			logger.WithField("instance", r.InstanceID).Info("Provisioning succeeded")
		} else {
			logger.WithFields(log.Fields{
				"stage": r.Stage,
				"kind":  r.Kind,
			}).Error(r.Diagnostic)
		}
		return r
	}

	plan, err := o.Plan(ctx, req)
	if err != nil {
		stage := StageOf(err)
		var se *StageError
		if errors.As(err, &se) {
			err = se.Err
		}
		r := models.Failed(kind, stage, err)
		if plan != nil && plan.Spec != nil {
			r.Name = plan.Spec.Name
		}
		return finish(r)
	}

	b, err := o.opts.Backends.Get(kind)
	if err != nil {
		err = models.NewError(models.KindBackendUnavailable, fmt.Sprintf("backend %s unavailable", kind), err)
		r := models.Failed(kind, models.StageProvision, err)
		r.Name = plan.Config.InstanceName
		return finish(r)
	}

	o.opts.Log.WithFields(log.Fields{
		"stage":    models.StageProvision,
		"backend":  kind,
		"instance": plan.Config.InstanceName,
	}).Info("Provisioning")

	inst, err := backend.Provision(ctx, b, plan.Config)
	if err != nil {
		r := models.Failed(kind, models.StageProvision, err)
		r.Name = plan.Config.InstanceName
		return finish(r)
	}
	return finish(models.Succeeded(kind, plan.Config.InstanceName, inst))
}
