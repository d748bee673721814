package models

import "time"

// Endpoint is the durable record of one live model-server process. The row
// exists only while the process does; deleting it clears the endpoint
// reference of every conversation that pointed at it.
type Endpoint struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"endpoint_id"`
	Address   string    `gorm:"size:255;not null;uniqueIndex" json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`

	Conversations []Conversation `gorm:"foreignKey:EndpointID;constraint:OnDelete:SET NULL" json:"-"`
}
