package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"evalgo.org/vmcrate/internal/imagecache"
)

// listImages returns a page of image cache entries.
func (s *Server) listImages(c echo.Context) error {
	entries, err := s.images.List()
	if err != nil {
		return InternalError("Failed to list image cache", err.Error())
	}

	limit, offset := parsePagination(c)
	page := paginate(entries, limit, offset)

	return c.JSON(http.StatusOK, ImagesResponse{
		Count:  len(page),
		Total:  len(entries),
		Images: page,
	})
}

// getImage returns a single cache entry by file name.
func (s *Server) getImage(c echo.Context) error {
	name := c.Param("name")

	entries, err := s.images.List()
	if err != nil {
		return InternalError("Failed to list image cache", err.Error())
	}

	entry, ok := lo.Find(entries, func(e imagecache.Entry) bool { return e.Name == name })
	if !ok {
		return NotFoundError("Image", name)
	}
	return c.JSON(http.StatusOK, entry)
}
