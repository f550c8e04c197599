package dto

import "time"

type CreateSubscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
	State          string `json:"state"`
}

type SubscriptionStatusResponse struct {
	MeetingID      string     `json:"meeting_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	State          string     `json:"state"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type RenewSubscriptionResponse struct {
	SubscriptionID string     `json:"subscription_id,omitempty"`
	State          string     `json:"state"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Renewed        bool       `json:"renewed"`
}

type CancelSubscriptionResponse struct {
	State   string `json:"state"`
	Warning string `json:"warning,omitempty"`
}

type WebhookTestResponse struct {
	Success    bool   `json:"success"`
	EventLogID string `json:"event_log_id,omitempty"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type RecentEvent struct {
	ReceivedAt time.Time `json:"received_at"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status"`
}

type EventsStatusResponse struct {
	TotalEvents   int64         `json:"total_events"`
	LastEventTime *time.Time    `json:"last_event_time"`
	RecentEvents  []RecentEvent `json:"recent_events"`
}

// MeetingParams is validated before any lifecycle call.
type MeetingParams struct {
	Meeting string `validate:"required,max=140"`
}

type RenewParams struct {
	Meeting   string        `validate:"required,max=140"`
	Threshold time.Duration `validate:"gte=0"`
}
