// Package metadata locates and parses software-description documents:
// bare CodeMeta JSON-LD files, RO-Crate packages and documents served over
// HTTP.
//
// The extractor is read-only. It never writes to the filesystem and every
// failure is reported as a *models.Error of kind MalformedDocument,
// MissingConfigEntity or FileNotFound.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/version"
	"evalgo.org/vmcrate/models"
)

// Extractor loads SoftwareDescriptions from paths, crate directories and URLs.
type Extractor struct {
	// Client fetches http(s) sources
	Client *resty.Client

	// Log receives debug output about what was loaded
	Log log.FieldLogger

	// StrictJSONLD rejects documents that do not expand as JSON-LD
	StrictJSONLD bool
}

// New creates an Extractor from the metadata configuration section.
func New(cfg config.MetadataConfig, logger log.FieldLogger) *Extractor {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", version.UserAgent()).
		SetHeader("Accept", "application/ld+json, application/json;q=0.9, */*;q=0.5")
	return &Extractor{
		Client:       client,
		Log:          logger,
		StrictJSONLD: cfg.StrictJSONLD,
	}
}

// Load reads the description at source. A directory is treated as an
// RO-Crate package, an http(s) URL is fetched, anything else is read as a
// bare document.
func (e *Extractor) Load(ctx context.Context, source string) (*models.SoftwareDescription, error) {
	if isURL(source) {
		return e.fetch(ctx, source)
	}

	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.Errorf(models.KindFileNotFound, "%s does not exist", source)
		}
		return nil, models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot access %s", source), err)
	}

	if info.IsDir() {
		return e.loadCrate(source)
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot read %s", source), err)
	}
	return e.Parse(data, source)
}

// Parse decodes already-read document bytes. The source only informs the
// format (YAML by extension, JSON otherwise) and error messages.
func (e *Extractor) Parse(data []byte, source string) (*models.SoftwareDescription, error) {
	desc, err := parseDocument(data, source)
	if err != nil {
		return nil, err
	}

	if e.StrictJSONLD {
		if err := CheckJSONLD(desc); err != nil {
			return nil, err
		}
	}

	e.logger().WithFields(log.Fields{
		"source":   source,
		"entities": len(desc.Entities),
	}).Debug("loaded software description")

	return desc, nil
}

func (e *Extractor) fetch(ctx context.Context, url string) (*models.SoftwareDescription, error) {
	client := e.Client
	if client == nil {
		client = resty.New().SetTimeout(30 * time.Second)
	}

	e.logger().WithField("url", url).Debug("fetching software description")

	resp, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot fetch %s", url), err)
	}
	if resp.IsError() {
		return nil, models.Errorf(models.KindFileNotFound, "fetching %s returned %s", url, resp.Status())
	}

	return e.Parse(resp.Body(), url)
}

func (e *Extractor) logger() log.FieldLogger {
	if e.Log == nil {
		return log.StandardLogger()
	}
	return e.Log
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
