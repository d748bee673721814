package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/assign"
)

type chatBody struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChat(c *gin.Context) {
	var body chatBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid body: "+err.Error())
			return
		}
	}
	chat, err := s.store.CreateChat(c.Request.Context(), body.Title)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) handleListChats(c *gin.Context) {
	chats, err := s.store.ListChats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) handleGetChat(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	chat, err := s.store.GetChat(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) handleRenameChat(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var body chatBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" {
		badRequest(c, "title is required")
		return
	}
	if err := s.store.UpdateChatTitle(c.Request.Context(), id, body.Title); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteChat(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type assignBody struct {
	Endpoints []string `json:"endpoints"`
}

// handleAssign matches the chat's unassigned conversations against the
// requested endpoints, or every live one when none are given. Endpoints
// that are not live are ignored.
func (s *Server) handleAssign(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var body assignBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid body: "+err.Error())
			return
		}
	}
	if _, err := s.store.GetChat(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	live := s.registry.Addresses()
	if body.Endpoints != nil {
		isLive := make(map[string]bool, len(live))
		for _, a := range live {
			isLive[a] = true
		}
		requested := make([]string, 0, len(body.Endpoints))
		for _, a := range body.Endpoints {
			if isLive[a] {
				requested = append(requested, a)
			}
		}
		live = requested
	}

	assigned, err := s.assigner.Assign(c.Request.Context(), id, live)
	if err != nil {
		s.fail(c, err)
		return
	}
	if assigned == nil {
		assigned = []assign.Assignment{}
	}
	c.JSON(http.StatusOK, gin.H{"conversationsWithAssignedEndpoints": assigned})
}
