// Package client is a Go client for the vmcrate HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"evalgo.org/vmcrate/internal/api"
	"evalgo.org/vmcrate/internal/imagecache"
	"evalgo.org/vmcrate/internal/validation"
	"evalgo.org/vmcrate/internal/version"
	"evalgo.org/vmcrate/models"
)

type Client struct {
	http *resty.Client
}

func New(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("User-Agent", version.UserAgent()).
			SetHeader("Accept", "application/json"),
	}, nil
}

// Document is a software description sent inline.
type Document struct {
	Data []byte

	// YAML marks Data as YAML rather than JSON or JSON-LD
	YAML bool
}

func (d Document) contentType() string {
	if d.YAML {
		return "application/yaml"
	}
	return "application/ld+json"
}

// Page selects a slice of a list result.
type Page struct {
	Limit  int
	Offset int
}

// apiError converts an error response body into an error.
func apiError(resp *resty.Response) error {
	var apiErr api.APIError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Message != "" {
		if kind, ok := apiErr.Context["kind"].(string); ok {
			return models.Errorf(models.ErrorKind(kind), "%s", apiErr.Message).WithDiagnostic(apiErr.Details)
		}
		return fmt.Errorf("%s: %w", resp.Status(), &apiErr)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status())
}

// Health returns the server health and version.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/health")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Backends lists the backends the server supports.
func (c *Client) Backends(ctx context.Context) (*api.BackendsResponse, error) {
	var out api.BackendsResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/api/v1/backends")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Render renders doc for backend without provisioning. An empty backend
// selects the server default.
func (c *Client) Render(ctx context.Context, doc Document, backend models.BackendKind) (*api.RenderResponse, error) {
	var out api.RenderResponse
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", doc.contentType()).
		SetBody(doc.Data).
		SetResult(&out)
	if backend != "" {
		req.SetQueryParam("backend", string(backend))
	}
	resp, err := req.Post("/api/v1/render")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Provision runs a provisioning request. A failed run is reported in the
// result, not as an error; err is set only when no result was obtained.
func (c *Client) Provision(ctx context.Context, req api.ProvisionRequest) (*models.ProvisionResult, error) {
	var out models.ProvisionResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&out).
		Post("/api/v1/provision")
	if err != nil {
		return nil, err
	}
	if resp.IsError() && out.Kind == "" {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Validate validates doc on the server.
func (c *Client) Validate(ctx context.Context, doc Document) (*validation.ValidationResult, error) {
	var out validation.ValidationResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", doc.contentType()).
		SetBody(doc.Data).
		SetResult(&out).
		SetError(&out).
		Post("/api/v1/validate")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 500 {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Images lists the server's image cache.
func (c *Client) Images(ctx context.Context, page Page) (*api.ImagesResponse, error) {
	var out api.ImagesResponse
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if page.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		req.SetQueryParam("offset", strconv.Itoa(page.Offset))
	}
	resp, err := req.Get("/api/v1/images")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Image returns one cache entry by name.
func (c *Client) Image(ctx context.Context, name string) (*imagecache.Entry, error) {
	var out imagecache.Entry
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetResult(&out).
		Get("/api/v1/images/{name}")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}
