package models

import "time"

// Conversation pairs one chat with one endpoint and the model used there.
// EndpointID is nil until an endpoint is assigned, and is reset to nil when
// the endpoint goes away.
type Conversation struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"conversation_id"`
	Model      string    `gorm:"size:128;not null" json:"model"`
	ChatID     uint      `gorm:"not null;uniqueIndex:idx_chat_endpoint" json:"chat_id"`
	EndpointID *uint     `gorm:"uniqueIndex:idx_chat_endpoint" json:"endpoint_id"`
	CreatedAt  time.Time `json:"created_at"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}
