package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/ollama"
	"github.com/zulandar/switchyard/internal/registry"
	"github.com/zulandar/switchyard/internal/store"
)

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidMessageSequence):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConstraintViolation):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNoPortAvailable),
		errors.Is(err, registry.ErrProcessSpawnFailed),
		errors.Is(err, registry.ErrRegistrationFailed),
		errors.Is(err, ollama.ErrEndpointUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func notFound(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": msg})
}

// idParam parses a positive numeric path parameter.
func idParam(c *gin.Context, name string) (uint, bool) {
	return parseID(c, name, c.Param(name))
}

// idQuery parses a positive numeric query parameter.
func idQuery(c *gin.Context, name string) (uint, bool) {
	return parseID(c, name, c.Query(name))
}

func parseID(c *gin.Context, name, raw string) (uint, bool) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
