package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// NewMessage is a message to append to a transcript.
type NewMessage struct {
	Role       models.Role
	Content    string
	Image      []byte
	Incomplete bool
}

func (m NewMessage) model(conversationID uint, at time.Time) models.Message {
	return models.Message{
		ConversationID: conversationID,
		Role:           m.Role,
		Content:        m.Content,
		Image:          m.Image,
		Incomplete:     m.Incomplete,
		CreatedAt:      at,
	}
}

// timestamp returns the current time at the precision the schema stores.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// AppendMessage appends one message to a conversation. The role must keep
// the transcript valid and created_at is kept strictly increasing.
func (s *Store) AppendMessage(ctx context.Context, conversationID uint, nm NewMessage) (*models.Message, error) {
	if !nm.Role.Valid() {
		return nil, wrap("append message", fmt.Errorf("%w: unknown role %q", ErrInvalidMessageSequence, nm.Role))
	}

	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Select("id").First(&conv, conversationID).Error; err != nil {
			return err
		}

		var last models.Message
		err := tx.Select("role", "created_at").
			Where("conversation_id = ?", conversationID).
			Order("created_at DESC").Limit(1).
			Take(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !validNext(last.Role, nm.Role) {
			return fmt.Errorf("%w: %q cannot follow %q", ErrInvalidMessageSequence, nm.Role, describe(last.Role))
		}

		at := s.timestamp()
		if !last.CreatedAt.IsZero() && !at.After(last.CreatedAt) {
			at = last.CreatedAt.UTC().Add(time.Microsecond)
		}
		msg = nm.model(conversationID, at)
		return tx.Create(&msg).Error
	})
	if err != nil {
		return nil, wrap("append message", err)
	}
	return &msg, nil
}

// UpdateMetrics records the metrics of an assistant message. It is the only
// mutation allowed after insertion.
func (s *Store) UpdateMetrics(ctx context.Context, messageID string, m models.MessageMetrics) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND role = ?", messageID, models.RoleAssistant).
		Updates(map[string]interface{}{
			"total_duration":       m.TotalDuration,
			"load_duration":        m.LoadDuration,
			"prompt_eval_count":    m.PromptEvalCount,
			"prompt_eval_duration": m.PromptEvalDuration,
			"prompt_eval_rate":     m.PromptEvalRate,
			"eval_count":           m.EvalCount,
			"eval_duration":        m.EvalDuration,
			"eval_rate":            m.EvalRate,
		})
	if res.Error != nil {
		return wrap("update metrics", res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap("update metrics", ErrNotFound)
	}
	return nil
}

// ListMessages returns a conversation's transcript ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, conversationID uint) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at").Order("id").
		Find(&msgs).Error
	if err != nil {
		return nil, wrap("list messages", err)
	}
	return msgs, nil
}

// GetMessage returns one message of a conversation.
func (s *Store) GetMessage(ctx context.Context, conversationID uint, messageID string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, messageID).
		First(&msg).Error
	if err != nil {
		return nil, wrap("get message", err)
	}
	return &msg, nil
}
