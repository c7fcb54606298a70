package api

import (
	"io"
	"net/http"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/backend"
	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/orchestration"
	"evalgo.org/vmcrate/internal/version"
	"evalgo.org/vmcrate/models"
)

var (
	requestValidator     *validator.Validate
	requestValidatorOnce sync.Once
)

func getRequestValidator() *validator.Validate {
	requestValidatorOnce.Do(func() {
		requestValidator = validator.New()
	})
	return requestValidator
}

// healthCheck handles health check requests.
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: "vmcrate",
		Version: version.Get(),
	})
}

// listBackends returns the supported backends and the configured default.
func (s *Server) listBackends(c echo.Context) error {
	return c.JSON(http.StatusOK, BackendsResponse{
		Default:  s.pipeline.DefaultBackend(),
		Backends: models.BackendKinds,
		Active:   s.pipeline.ActiveBackends(),
	})
}

// readDocument reads the request body and names it after its content type
// so the parser picks the right decoder.
func readDocument(c echo.Context) ([]byte, string, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, "", BadRequestError("Failed to read request body", err.Error())
	}
	if len(body) == 0 {
		return nil, "", BadRequestError("Empty request body", "A software description document is required")
	}
	source := "request.json"
	if isYAMLContentType(c.Request().Header.Get(echo.HeaderContentType)) {
		source = "request.yaml"
	}
	return body, source, nil
}

// render runs the pipeline up to the compose stage and returns what would
// be handed to the backend.
func (s *Server) render(c echo.Context) error {
	body, source, err := readDocument(c)
	if err != nil {
		return err
	}

	var kind models.BackendKind
	if b := c.QueryParam("backend"); b != "" {
		// Already checked by ValidateBackendParam
		kind, _ = models.ParseBackendKind(b)
	}

	plan, err := s.pipeline.Plan(c.Request().Context(), orchestration.Request{
		Source:   source,
		Document: body,
		Backend:  kind,
		Token:    c.QueryParam("token"),
	})
	if err != nil {
		apiErr := PipelineError(err)
		apiErr.Context["stage"] = orchestration.StageOf(err)
		return apiErr
	}

	resp, err := NewRenderResponse(s.config, plan.Config)
	if err != nil {
		return PipelineError(err)
	}

	return c.JSON(http.StatusOK, resp)
}

// NewRenderResponse describes p together with the command line its backend
// would run.
func NewRenderResponse(cfg *config.Config, p *models.ProvisioningConfig) (*RenderResponse, error) {
	resp := &RenderResponse{
		Backend:      p.Backend,
		InstanceName: p.InstanceName,
		Spec:         p.Spec,
		CloudInit:    string(p.CloudInit),
		Launch:       p.Launch,
		Emulator:     p.Emulator,
	}
	argv, err := backend.DryRunCommand(cfg, p)
	if err != nil {
		return nil, err
	}
	if len(argv) > 0 {
		resp.Command = shellescape.QuoteCommand(argv)
	}
	return resp, nil
}

// provision runs a full provisioning request.
func (s *Server) provision(c echo.Context) error {
	var req ProvisionRequest
	if err := c.Bind(&req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if err := getRequestValidator().Struct(&req); err != nil {
		fields := make(map[string]string)
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		return ValidationError("Invalid provisioning request", fields)
	}

	var kind models.BackendKind
	if req.Backend != "" {
		kind, _ = models.ParseBackendKind(req.Backend)
	}
	preq := orchestration.Request{
		Source:  req.Source,
		Backend: kind,
		Token:   req.Token,
	}
	if len(req.Document) > 0 {
		preq.Document = req.Document
		if preq.Source == "" {
			preq.Source = "request.json"
		}
	}

	s.log.WithFields(log.Fields{
		"source":     preq.Source,
		"backend":    kind,
		"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
	}).Info("Provisioning request")

	res := s.pipeline.Provision(c.Request().Context(), preq)
	if res.OK {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(StatusForKind(res.Kind), res)
}
