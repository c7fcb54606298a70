package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/vmcrate/internal/validation"
	"evalgo.org/vmcrate/models"
)

// validateDocument validates a software description document
func (s *Server) validateDocument(c echo.Context) error {
	body, source, err := readDocument(c)
	if err != nil {
		return err
	}

	desc, err := s.parser.Parse(body, source)
	if err != nil {
		// A document that does not parse is a failed validation, not a
		// failed request
		return c.JSON(http.StatusBadRequest, &validation.ValidationResult{
			Errors: []validation.ValidationError{{
				Field:   "document",
				Message: models.DiagnosticOf(err),
				Kind:    models.KindOf(err),
			}},
		})
	}

	result := s.validator.Validate(desc)

	// Return validation result
	if result.Valid {
		return c.JSON(http.StatusOK, result)
	}

	return c.JSON(http.StatusBadRequest, result)
}
