// Package store persists meet subscriptions and the inbound event log.
//
// Two backends implement the same interfaces: Gorm (Postgres) for production
// and Memory for tests and single-process development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap on the subscription
	// version fails or a second subscription row is created for a meeting.
	ErrConflict = errors.New("concurrent update conflict")
)

type SubscriptionStore interface {
	GetByMeeting(ctx context.Context, meetingID string) (*models.MeetSubscription, error)
	// GetByReference resolves a channel id against the live, previous and
	// audit id columns.
	GetByReference(ctx context.Context, subscriptionID string) (*models.MeetSubscription, error)
	LatestActive(ctx context.Context) (*models.MeetSubscription, error)
	ListByStates(ctx context.Context, states ...models.SubscriptionState) ([]models.MeetSubscription, error)
	Create(ctx context.Context, sub *models.MeetSubscription) error
	// Update writes sub only if the stored version still equals sub.Version,
	// then bumps sub.Version.
	Update(ctx context.Context, sub *models.MeetSubscription) error
}

type EventLogStore interface {
	// InsertIfAbsent stores an ACCEPTED entry keyed by entry.Fingerprint.
	// It returns false without writing when the fingerprint already exists.
	InsertIfAbsent(ctx context.Context, entry *models.MeetEventLog) (bool, error)
	// RecordDuplicate appends a DUPLICATE row and bumps the duplicate counter
	// of the ACCEPTED row with the same event key.
	RecordDuplicate(ctx context.Context, entry *models.MeetEventLog) error
	Append(ctx context.Context, entry *models.MeetEventLog) error
	CountByStatus(ctx context.Context, status models.EventStatus) (int64, error)
	Recent(ctx context.Context, limit int) ([]models.MeetEventLog, error)
	LastReceivedAt(ctx context.Context) (*time.Time, error)
	// MeetingByConference returns the meeting id most recently recorded for
	// a conference, or ErrNotFound.
	MeetingByConference(ctx context.Context, conferenceID string) (string, error)
}

type MeetingStore interface {
	GetMeeting(ctx context.Context, name string) (*models.Meeting, error)
}

// Stores bundles one backend's implementations.
type Stores struct {
	Subscriptions SubscriptionStore
	Events        EventLogStore
	Meetings      MeetingStore
}
