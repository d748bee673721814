package models

import "time"

// Chat is a named container for the conversations held with each endpoint.
type Chat struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"chat_id"`
	Title     string    `gorm:"size:256;not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Conversations []Conversation `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
}
