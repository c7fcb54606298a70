package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"evalgo.org/vmcrate/models"
)

// documentContentTypes are the request body types the API understands.
var documentContentTypes = []string{
	"application/json",
	"application/ld+json",
	"application/yaml",
	"application/x-yaml",
}

func isYAMLContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "application/yaml") ||
		strings.HasPrefix(contentType, "application/x-yaml")
}

// ValidateContentType middleware ensures that requests with a body have a JSON, JSON-LD or YAML Content-Type
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		method := c.Request().Method

		// Only check POST, PUT, PATCH requests
		if method == "POST" || method == "PUT" || method == "PATCH" {
			contentType := c.Request().Header.Get("Content-Type")

			// Allow empty body for some requests
			if c.Request().ContentLength == 0 {
				return next(c)
			}

			for _, allowed := range documentContentTypes {
				if strings.HasPrefix(contentType, allowed) {
					return next(c)
				}
			}
			return BadRequestError(
				"Invalid Content-Type",
				"Content-Type must be 'application/json', 'application/ld+json' or 'application/yaml'. Got: "+contentType,
			)
		}

		return next(c)
	}
}

// ValidateAcceptHeader middleware ensures that clients can accept JSON responses
func ValidateAcceptHeader(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		accept := c.Request().Header.Get("Accept")

		// If no Accept header, assume */*
		if accept == "" {
			return next(c)
		}

		// Check if Accept includes application/json or */*
		if !strings.Contains(accept, "application/json") &&
			!strings.Contains(accept, "*/*") &&
			!strings.Contains(accept, "application/*") {
			return BadRequestError(
				"Invalid Accept header",
				"API only returns JSON. Accept header must include 'application/json' or '*/*'. Got: "+accept,
			)
		}

		return next(c)
	}
}

// ValidateImageName middleware validates the :name path parameter of image routes
func ValidateImageName(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")

		// If no name param, skip validation
		if name == "" {
			return next(c)
		}

		if strings.ContainsAny(name, `/\ `) {
			return BadRequestError(
				"Invalid image name",
				"Image name cannot contain spaces or path separators",
			)
		}
		if strings.HasPrefix(name, ".") {
			return BadRequestError(
				"Invalid image name",
				"Image name cannot start with '.'",
			)
		}
		if len(name) > 256 {
			return BadRequestError(
				"Invalid image name",
				"Image name must not exceed 256 characters",
			)
		}

		return next(c)
	}
}

// ValidateBackendParam middleware validates the backend query parameter
func ValidateBackendParam(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if b := c.QueryParam("backend"); b != "" {
			if _, err := models.ParseBackendKind(b); err != nil {
				return BadRequestError("Invalid backend parameter", err.Error())
			}
		}

		return next(c)
	}
}

// SecurityHeaders middleware adds security headers to responses
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Add security headers
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
		c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		return next(c)
	}
}
