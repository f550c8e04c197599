package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventStatus string

const (
	EventAccepted  EventStatus = "ACCEPTED"
	EventDuplicate EventStatus = "DUPLICATE"
	EventRejected  EventStatus = "REJECTED"
)

// RejectReason is recorded on REJECTED rows only; it is never returned to the
// caller of the webhook.
type RejectReason string

const (
	RejectUnknownSubscription  RejectReason = "UnknownSubscription"
	RejectInvalidToken         RejectReason = "InvalidToken"
	RejectInactiveSubscription RejectReason = "InactiveSubscription"
)

// MeetEventLog is one inbound webhook delivery. Fingerprint is only set on
// ACCEPTED rows so the unique index enforces a single acceptance per event.
type MeetEventLog struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Fingerprint      *string        `gorm:"size:64;uniqueIndex" json:"-"`
	EventKey         string         `gorm:"size:64;index" json:"event_key"`
	SubscriptionID   string         `gorm:"size:255;index" json:"subscription_id"`
	MeetingID        string         `gorm:"size:140;index" json:"meeting_id"`
	ConferenceID     string         `gorm:"size:255;index" json:"conference_id,omitempty"`
	ProviderEventID  string         `gorm:"size:255" json:"provider_event_id"`
	ResourceRevision string         `gorm:"size:255" json:"resource_revision"`
	EventType        string         `gorm:"size:140" json:"event_type"`
	ReceivedAt       time.Time      `gorm:"not null;index" json:"received_at"`
	Status           EventStatus    `gorm:"size:20;not null;index" json:"status"`
	Reason           RejectReason   `gorm:"size:40" json:"reason,omitempty"`
	StatusCode       int            `json:"status_code"`
	DuplicateCount   int            `gorm:"not null;default:0" json:"duplicate_count"`
	Headers          datatypes.JSON `gorm:"type:jsonb" json:"headers,omitempty"`
	RawPayload       string         `gorm:"type:text" json:"-"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (MeetEventLog) TableName() string {
	return "meet_event_logs"
}

func (e *MeetEventLog) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
