package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"evalgo.org/vmcrate/internal/validation"
	"evalgo.org/vmcrate/models"
	"evalgo.org/vmcrate/pkg/vmcrate/client"
)

var (
	validateRemote bool
	validateAPIURL string
)

var validateCmd = &cobra.Command{
	Use:   "validate <source>",
	Short: "Validate a software description",
	Long: `Validate a CodeMeta document or RO-Crate package without provisioning.

The document must parse, expand as JSON-LD and normalize into a valid VM
spec. Missing @context or @type are reported as warnings.

Examples:
  vmcrate validate codemeta.json
  vmcrate validate ./my-crate
  vmcrate validate codemeta.json --remote --api-url http://vmcrate.internal:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateRemote, "remote", false, "validate through a running vmcrate server")
	validateCmd.Flags().StringVar(&validateAPIURL, "api-url", "", "server URL for --remote (default from server config)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	var (
		result *validation.ValidationResult
		err    error
	)
	if validateRemote {
		result, err = runAPIValidation(args[0])
	} else {
		result, err = runLocalValidation(args[0])
	}
	if err != nil {
		return err
	}
	return printValidation(cmd.OutOrStdout(), result)
}

// runLocalValidation validates the description in-process
func runLocalValidation(source string) (*validation.ValidationResult, error) {
	extractor, validator := newValidator()

	ctx, stop := signalContext()
	defer stop()

	desc, err := extractor.Load(ctx, source)
	if err != nil {
		return &validation.ValidationResult{
			Errors: []validation.ValidationError{{
				Field:   "document",
				Message: models.DiagnosticOf(err),
				Kind:    models.KindOf(err),
			}},
		}, nil
	}
	return validator.Validate(desc), nil
}

// runAPIValidation posts the document to a running server
func runAPIValidation(source string) (*validation.ValidationResult, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	apiURL := validateAPIURL
	if apiURL == "" {
		apiURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	c, err := client.New(apiURL)
	if err != nil {
		return nil, err
	}

	doc := client.Document{Data: data}
	switch filepath.Ext(source) {
	case ".yaml", ".yml":
		doc.YAML = true
	}

	ctx, stop := signalContext()
	defer stop()

	result, err := c.Validate(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to validate through %s: %w", apiURL, err)
	}
	return result, nil
}

func printValidation(out io.Writer, result *validation.ValidationResult) error {
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "! %s: %s\n", w.Field, w.Message)
	}

	if result.Valid {
		fmt.Fprintln(out, "✓ Document is valid")
		if result.Spec != nil {
			s := result.Spec
			fmt.Fprintf(out, "  %s: %d CPUs, %s memory, %s disk, image %s, %d packages\n",
				s.Name, s.CPUs, s.Memory, s.Disk, s.Image, len(s.Dependencies))
		}
		return nil
	}

	fmt.Fprintln(out, "✗ Validation failed:")
	for _, e := range result.Errors {
		if e.Kind != "" {
			fmt.Fprintf(out, "  - %s: %s (%s)\n", e.Field, e.Message, e.Kind)
		} else {
			fmt.Fprintf(out, "  - %s: %s\n", e.Field, e.Message)
		}
	}

	return fmt.Errorf("validation failed")
}
