// Package validation checks software descriptions before anything is
// provisioned from them.
//
// A description is validated in three passes:
//
//  1. JSON-LD structure - the document must expand with json-gold
//  2. Vocabulary hints - missing @context or @type are reported as warnings
//  3. Spec derivation - the description must normalize into a valid VMSpec
//
// # Usage Example
//
//	v := validation.New(normalizer)
//	result := v.Validate(desc)
//	if !result.Valid {
//	    for _, err := range result.Errors {
//	        fmt.Printf("%s: %s\n", err.Field, err.Message)
//	    }
//	}
package validation

import (
	"evalgo.org/vmcrate/internal/metadata"
	"evalgo.org/vmcrate/models"
)

// Normalizer derives a spec from a description.
type Normalizer interface {
	Normalize(desc *models.SoftwareDescription) (*models.VMSpec, error)
}

// Validator validates software descriptions.
type Validator struct {
	normalizer Normalizer
}

// ValidationError represents a single finding with field-level details.
type ValidationError struct {
	// Field is the name of the field the finding is about
	Field string `json:"field"`

	// Message describes the finding
	Message string `json:"message"`

	// Kind is the pipeline error kind, when the finding would fail a run
	Kind models.ErrorKind `json:"kind,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true when provisioning from the description can proceed
	Valid bool `json:"valid"`

	// Errors contains the findings that would fail a run
	Errors []ValidationError `json:"errors,omitempty"`

	// Warnings contains findings that do not block a run
	Warnings []ValidationError `json:"warnings,omitempty"`

	// Nodes is the number of nodes in the expanded JSON-LD graph
	Nodes int `json:"nodes"`

	// Spec is the derived spec when normalization succeeded
	Spec *models.VMSpec `json:"spec,omitempty"`
}

// New creates a validator using n for spec derivation.
func New(n Normalizer) *Validator {
	return &Validator{normalizer: n}
}

// Validate runs every pass over desc and collects the findings.
func (v *Validator) Validate(desc *models.SoftwareDescription) *ValidationResult {
	result := &ValidationResult{}
	if desc == nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "document",
			Message: "no document",
			Kind:    models.KindMalformedDocument,
		})
		return result
	}

	nodes, err := metadata.ExpandedNodeCount(desc)
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "document",
			Message: err.Error(),
			Kind:    models.KindOf(err),
		})
	}
	result.Nodes = nodes

	result.Warnings = append(result.Warnings, v.vocabularyHints(desc)...)

	spec, err := v.normalizer.Normalize(desc)
	if err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "spec",
			Message: models.DiagnosticOf(err),
			Kind:    models.KindOf(err),
		})
	} else {
		result.Spec = spec
		if len(spec.Dependencies) == 0 {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   "softwareRequirements",
				Message: "No dependencies declared; the VM gets no extra packages",
			})
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// vocabularyHints reports missing JSON-LD keywords. The pipeline tolerates
// them, but other JSON-LD consumers will not.
func (v *Validator) vocabularyHints(desc *models.SoftwareDescription) []ValidationError {
	var hints []ValidationError

	if desc.Context == nil {
		hints = append(hints, ValidationError{
			Field:   "@context",
			Message: "Missing @context field; terms resolve against schema.org only by convention",
		})
	}

	primary := desc.Primary()
	if primary == nil {
		hints = append(hints, ValidationError{
			Field:   "@graph",
			Message: "Document has no entities",
		})
		return hints
	}
	if len(primary.Types) == 0 {
		hints = append(hints, ValidationError{
			Field:   "@type",
			Message: "Missing @type on the primary entity (expected SoftwareSourceCode)",
		})
	}
	if desc.IsCrate() && desc.Config == nil {
		hints = append(hints, ValidationError{
			Field:   "@graph",
			Message: "Crate has no configuration entity",
			Kind:    models.KindMissingConfigEntity,
		})
	}

	return hints
}
