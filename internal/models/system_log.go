package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SystemLog is an ERROR+ slog record persisted for later inspection. Provider
// failures carry meeting_id and subscription_id so they can be joined against
// meet_subscriptions.
type SystemLog struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp      time.Time      `gorm:"not null;index" json:"timestamp"`
	Level          string         `gorm:"size:10;not null;index" json:"level"`
	Message        string         `gorm:"type:text" json:"message"`
	MeetingID      string         `gorm:"size:140;index" json:"meeting_id"`
	SubscriptionID string         `gorm:"size:255;index" json:"subscription_id"`
	RequestID      string         `gorm:"size:36;index" json:"request_id"`
	Actor          *string        `gorm:"size:255" json:"actor"`
	Error          string         `gorm:"type:text" json:"error"`
	Extra          datatypes.JSON `gorm:"type:jsonb" json:"extra"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (SystemLog) TableName() string {
	return "system_logs"
}
