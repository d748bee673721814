package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/sourcegraph/conc/iter"
	"github.com/zulandar/switchyard/internal/ollama"
	"github.com/zulandar/switchyard/internal/registry"
)

// handleEndpoints lists endpoint records, or live process details with
// verbose=1. The endpoint query narrows the result to one.
func (s *Server) handleEndpoints(c *gin.Context) {
	address := c.Query("endpoint")
	verbose := c.Query("verbose") == "1" || c.Query("verbose") == "true"

	if verbose {
		if address != "" {
			ep, ok := s.registry.Get(address)
			if !ok {
				notFound(c, "endpoint not found: "+address)
				return
			}
			c.JSON(http.StatusOK, ep)
			return
		}
		list := s.registry.List()
		if list == nil {
			list = []registry.Endpoint{}
		}
		c.JSON(http.StatusOK, gin.H{"endpoints": list})
		return
	}

	if address != "" {
		ep, err := s.store.GetEndpoint(c.Request.Context(), address)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ep)
		return
	}
	eps, err := s.store.ListEndpoints(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps})
}

// handleModels lists the models of one endpoint, or of every live endpoint
// de-duplicated by name. Endpoints that fail to answer are left out of the
// combined list.
func (s *Server) handleModels(c *gin.Context) {
	ctx := c.Request.Context()
	if address := c.Query("endpoint"); address != "" {
		if _, ok := s.registry.Get(address); !ok {
			notFound(c, "endpoint not found: "+address)
			return
		}
		list, err := s.registry.Models(ctx, address)
		if err != nil {
			s.fail(c, err)
			return
		}
		if list == nil {
			list = []ollama.ModelInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"models": list})
		return
	}

	addresses := s.registry.Addresses()
	perEndpoint := iter.Map(addresses, func(addr *string) []ollama.ModelInfo {
		list, err := s.registry.Models(ctx, *addr)
		if err != nil {
			s.logger.Warn("api: list models", "endpoint", *addr, "error", err)
			return nil
		}
		return list
	})
	c.JSON(http.StatusOK, gin.H{"models": dedupeModels(perEndpoint)})
}

func dedupeModels(perEndpoint [][]ollama.ModelInfo) []ollama.ModelInfo {
	seen := make(map[string]bool)
	out := []ollama.ModelInfo{}
	for _, list := range perEndpoint {
		for _, m := range list {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) handleStartEndpoint(c *gin.Context) {
	address, err := s.registry.Start(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"endpoint": address})
}

type stopBody struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleStopEndpoint(c *gin.Context) {
	var body stopBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Endpoint == "" {
		badRequest(c, "endpoint is required")
		return
	}
	// Stopping must finish even if the client goes away.
	stopped, err := s.registry.Stop(context.WithoutCancel(c.Request.Context()), body.Endpoint)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !stopped {
		notFound(c, "endpoint not found: "+body.Endpoint)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
