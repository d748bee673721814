package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one turn of a conversation. Messages are append-only; only the
// embedded metrics are written after insertion.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"message_id"`
	ConversationID uint      `gorm:"not null;index:idx_conversation_created" json:"conversation_id"`
	Role           Role      `gorm:"size:16;not null;check:role IN ('system','user','assistant')" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Image          []byte    `json:"image,omitempty"`
	Incomplete     bool      `gorm:"default:false" json:"incomplete"`
	CreatedAt      time.Time `gorm:"precision:6;index:idx_conversation_created" json:"created_at"`

	MessageMetrics `gorm:"embedded"`
}

// BeforeCreate assigns the opaque message identifier.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// MessageMetrics holds the normalized performance figures of an assistant
// turn. Durations are in seconds, rates in tokens per second. All fields are
// nil until the turn completes.
type MessageMetrics struct {
	TotalDuration      *float64 `json:"total_duration"`
	LoadDuration       *float64 `json:"load_duration"`
	PromptEvalCount    *int     `json:"prompt_eval_count"`
	PromptEvalDuration *float64 `json:"prompt_eval_duration"`
	PromptEvalRate     *float64 `json:"prompt_eval_rate"`
	EvalCount          *int     `json:"eval_count"`
	EvalDuration       *float64 `json:"eval_duration"`
	EvalRate           *float64 `json:"eval_rate"`
}

// Complete reports whether every metric has been recorded.
func (m MessageMetrics) Complete() bool {
	return m.TotalDuration != nil && m.LoadDuration != nil &&
		m.PromptEvalCount != nil && m.PromptEvalDuration != nil && m.PromptEvalRate != nil &&
		m.EvalCount != nil && m.EvalDuration != nil && m.EvalRate != nil
}
