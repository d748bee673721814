package store

import (
	"context"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ConversationView is a conversation with its endpoint address resolved.
// Endpoint is nil while the conversation is unassigned.
type ConversationView struct {
	ID         uint      `json:"conversation_id"`
	Model      string    `json:"model"`
	ChatID     uint      `json:"chat_id"`
	EndpointID *uint     `json:"endpoint_id"`
	Endpoint   *string   `json:"endpoint"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewConversation describes a conversation to create, optionally seeded
// with an ordered transcript.
type NewConversation struct {
	ChatID     uint
	Model      string
	EndpointID *uint
	Messages   []NewMessage
}

func (s *Store) conversationQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("conversations").
		Select("conversations.id, conversations.model, conversations.chat_id, conversations.endpoint_id, endpoints.address AS endpoint, conversations.created_at").
		Joins("LEFT JOIN endpoints ON endpoints.id = conversations.endpoint_id")
}

// CreateConversation creates a conversation and its initial messages in one
// transaction. The transcript is validated before anything is written.
func (s *Store) CreateConversation(ctx context.Context, nc NewConversation) (*models.Conversation, error) {
	roles := make([]models.Role, len(nc.Messages))
	for i, m := range nc.Messages {
		roles[i] = m.Role
	}
	if err := ValidateSequence(roles); err != nil {
		return nil, wrap("create conversation", err)
	}

	conv := models.Conversation{ChatID: nc.ChatID, Model: nc.Model, EndpointID: nc.EndpointID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		if len(nc.Messages) == 0 {
			return nil
		}
		base := s.timestamp()
		msgs := make([]models.Message, len(nc.Messages))
		for i, m := range nc.Messages {
			msgs[i] = m.model(conv.ID, base.Add(time.Duration(i)*time.Microsecond))
		}
		return tx.Create(&msgs).Error
	})
	if err != nil {
		return nil, wrap("create conversation", err)
	}
	return &conv, nil
}

// GetConversation returns one conversation.
func (s *Store) GetConversation(ctx context.Context, id uint) (*ConversationView, error) {
	var views []ConversationView
	if err := s.conversationQuery(ctx).Where("conversations.id = ?", id).Limit(1).Scan(&views).Error; err != nil {
		return nil, wrap("get conversation", err)
	}
	if len(views) == 0 {
		return nil, wrap("get conversation", ErrNotFound)
	}
	return &views[0], nil
}

// ListConversations returns a chat's conversations in creation order.
func (s *Store) ListConversations(ctx context.Context, chatID uint) ([]ConversationView, error) {
	views := []ConversationView{}
	if err := s.conversationQuery(ctx).Where("conversations.chat_id = ?", chatID).Order("conversations.id").Scan(&views).Error; err != nil {
		return nil, wrap("list conversations", err)
	}
	return views, nil
}

// ConversationFor resolves the conversation a chat holds with the endpoint
// at address.
func (s *Store) ConversationFor(ctx context.Context, chatID uint, address string) (*ConversationView, error) {
	var views []ConversationView
	err := s.conversationQuery(ctx).
		Where("conversations.chat_id = ? AND endpoints.address = ?", chatID, address).
		Limit(1).Scan(&views).Error
	if err != nil {
		return nil, wrap("conversation for endpoint", err)
	}
	if len(views) == 0 {
		return nil, wrap("conversation for endpoint", ErrNotFound)
	}
	return &views[0], nil
}

// CheckedConversation returns conversation id only if it belongs to chatID
// and is currently assigned to the endpoint at address.
func (s *Store) CheckedConversation(ctx context.Context, id, chatID uint, address string) (*ConversationView, error) {
	var views []ConversationView
	err := s.conversationQuery(ctx).
		Where("conversations.id = ? AND conversations.chat_id = ? AND endpoints.address = ?", id, chatID, address).
		Limit(1).Scan(&views).Error
	if err != nil {
		return nil, wrap("checked conversation", err)
	}
	if len(views) == 0 {
		return nil, wrap("checked conversation", ErrNotFound)
	}
	return &views[0], nil
}

// AssignEndpoint points a conversation at an endpoint. Fails with
// ErrConstraintViolation if the chat already has a conversation on it.
func (s *Store) AssignEndpoint(ctx context.Context, conversationID, endpointID uint) error {
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("endpoint_id", endpointID)
	if res.Error != nil {
		return wrap("assign endpoint", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("assign endpoint", ErrNotFound)
	}
	return nil
}

// UnassignedConversations returns a chat's conversations without an
// endpoint, in creation order.
func (s *Store) UnassignedConversations(ctx context.Context, chatID uint) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND endpoint_id IS NULL", chatID).
		Order("id").Find(&convs).Error
	if err != nil {
		return nil, wrap("unassigned conversations", err)
	}
	return convs, nil
}

// UnassignedEndpoints returns the recorded endpoints that no conversation
// of chatID is using, ordered by id.
func (s *Store) UnassignedEndpoints(ctx context.Context, chatID uint) ([]models.Endpoint, error) {
	used := s.db.Model(&models.Conversation{}).
		Select("endpoint_id").
		Where("chat_id = ? AND endpoint_id IS NOT NULL", chatID)
	var eps []models.Endpoint
	if err := s.db.WithContext(ctx).Where("id NOT IN (?)", used).Order("id").Find(&eps).Error; err != nil {
		return nil, wrap("unassigned endpoints", err)
	}
	return eps, nil
}
