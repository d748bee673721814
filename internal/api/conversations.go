package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/store"
)

type messageBody struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
	Image   []byte      `json:"image,omitempty"`
}

type conversationBody struct {
	Model      string        `json:"model"`
	ChatID     uint          `json:"chatId"`
	EndpointID *uint         `json:"endpointId"`
	Messages   []messageBody `json:"messages"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var body conversationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	if body.Model == "" || body.ChatID == 0 {
		badRequest(c, "model and chatId are required")
		return
	}
	nc := store.NewConversation{
		ChatID:     body.ChatID,
		Model:      body.Model,
		EndpointID: body.EndpointID,
	}
	for _, m := range body.Messages {
		nc.Messages = append(nc.Messages, store.NewMessage{Role: m.Role, Content: m.Content, Image: m.Image})
	}
	conv, err := s.store.CreateConversation(c.Request.Context(), nc)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleListConversations(c *gin.Context) {
	chatID, ok := idQuery(c, "chatId")
	if !ok {
		return
	}
	convs, err := s.store.ListConversations(c.Request.Context(), chatID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// handleGetConversation returns a conversation by id. With chatId and
// endpoint it only matches a conversation of that chat currently on that
// endpoint.
func (s *Server) handleGetConversation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	endpoint := c.Query("endpoint")
	if c.Query("chatId") == "" && endpoint == "" {
		conv, err := s.store.GetConversation(c.Request.Context(), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, conv)
		return
	}

	chatID, ok := idQuery(c, "chatId")
	if !ok {
		return
	}
	if endpoint == "" {
		badRequest(c, "endpoint is required with chatId")
		return
	}
	conv, err := s.store.CheckedConversation(c.Request.Context(), id, chatID, endpoint)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	conv, err := s.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if conv.EndpointID == nil {
		notFound(c, "Endpoint not found. Conversation needs an endpoint")
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleGetMessage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	msg, err := s.store.GetMessage(c.Request.Context(), id, c.Param("msgId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
