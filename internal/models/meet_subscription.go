package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionState is the lifecycle state of a meeting's push channel.
type SubscriptionState string

const (
	StateNone      SubscriptionState = "NONE"
	StatePending   SubscriptionState = "PENDING"
	StateActive    SubscriptionState = "ACTIVE"
	StateExpired   SubscriptionState = "EXPIRED"
	StateCancelled SubscriptionState = "CANCELLED"
	StateFailed    SubscriptionState = "FAILED"
)

// HoldsChannel reports whether a subscription in this state owns a live
// provider channel id.
func (s SubscriptionState) HoldsChannel() bool {
	return s == StatePending || s == StateActive || s == StateExpired
}

// MeetSubscription is the single push-notification subscription of a meeting.
type MeetSubscription struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	MeetingID      string            `gorm:"size:140;not null;uniqueIndex" json:"meeting_id"`
	SubscriptionID *string           `gorm:"size:255;uniqueIndex" json:"subscription_id"`
	State          SubscriptionState `gorm:"size:20;not null;default:'NONE';index" json:"state"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	ChannelSecret  string            `gorm:"size:128;not null" json:"-"`
	Resource       string            `gorm:"size:512" json:"resource"`
	ResourceID     string            `gorm:"size:255" json:"resource_id"`
	SpaceID        string            `gorm:"size:20" json:"space_id"`

	LastSubscriptionID     *string    `gorm:"size:255;index" json:"last_subscription_id,omitempty"`
	PreviousSubscriptionID *string    `gorm:"size:255;index" json:"-"`
	PreviousChannelSecret  string     `gorm:"size:128" json:"-"`
	RenewedAt              *time.Time `json:"renewed_at,omitempty"`
	LastError              string     `gorm:"type:text" json:"last_error,omitempty"`

	Version   int       `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MeetSubscription) TableName() string {
	return "meet_subscriptions"
}

func (s *MeetSubscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// ExpiredAt reports whether an ACTIVE subscription has passed expires_at.
func (s *MeetSubscription) ExpiredAt(now time.Time) bool {
	return s.State == StateActive && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Detach moves the live channel id into the audit column. Used when the
// subscription enters CANCELLED or FAILED.
func (s *MeetSubscription) Detach() {
	if s.SubscriptionID != nil {
		id := *s.SubscriptionID
		s.LastSubscriptionID = &id
	}
	s.SubscriptionID = nil
	s.PreviousSubscriptionID = nil
	s.PreviousChannelSecret = ""
}

// CurrentID returns the live channel id, or the audit id when detached.
func (s *MeetSubscription) CurrentID() string {
	if s.SubscriptionID != nil {
		return *s.SubscriptionID
	}
	if s.LastSubscriptionID != nil {
		return *s.LastSubscriptionID
	}
	return ""
}
