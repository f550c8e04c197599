package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultQueryTimeout = 5 * time.Second

// Gorm implements every store interface on top of a *gorm.DB.
type Gorm struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewGorm(db *gorm.DB, timeout time.Duration) *Gorm {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Gorm{db: db, timeout: timeout}
}

func (g *Gorm) Stores() Stores {
	return Stores{Subscriptions: g, Events: g, Meetings: g}
}

func (g *Gorm) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return g.db.WithContext(ctx), cancel
}

func (g *Gorm) GetByMeeting(ctx context.Context, meetingID string) (*models.MeetSubscription, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var sub models.MeetSubscription
	if err := db.Where("meeting_id = ?", meetingID).First(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (g *Gorm) GetByReference(ctx context.Context, subscriptionID string) (*models.MeetSubscription, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var sub models.MeetSubscription
	err := db.Where("subscription_id = ? OR previous_subscription_id = ? OR last_subscription_id = ?",
		subscriptionID, subscriptionID, subscriptionID).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (g *Gorm) LatestActive(ctx context.Context) (*models.MeetSubscription, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var sub models.MeetSubscription
	if err := db.Where("state = ?", models.StateActive).Order("updated_at DESC").First(&sub).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (g *Gorm) ListByStates(ctx context.Context, states ...models.SubscriptionState) ([]models.MeetSubscription, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var subs []models.MeetSubscription
	if err := db.Where("state IN ?", states).Order("expires_at ASC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (g *Gorm) Create(ctx context.Context, sub *models.MeetSubscription) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	if err := db.Create(sub).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (g *Gorm) Update(ctx context.Context, sub *models.MeetSubscription) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	result := db.Model(&models.MeetSubscription{}).
		Where("id = ? AND version = ?", sub.ID, sub.Version).
		Updates(map[string]interface{}{
			"subscription_id":          sub.SubscriptionID,
			"state":                    sub.State,
			"expires_at":               sub.ExpiresAt,
			"channel_secret":           sub.ChannelSecret,
			"resource":                 sub.Resource,
			"resource_id":              sub.ResourceID,
			"space_id":                 sub.SpaceID,
			"last_subscription_id":     sub.LastSubscriptionID,
			"previous_subscription_id": sub.PreviousSubscriptionID,
			"previous_channel_secret":  sub.PreviousChannelSecret,
			"renewed_at":               sub.RenewedAt,
			"last_error":               sub.LastError,
			"version":                  sub.Version + 1,
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("failed to update subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	sub.Version++
	return nil
}

func (g *Gorm) InsertIfAbsent(ctx context.Context, entry *models.MeetEventLog) (bool, error) {
	if entry.Fingerprint == nil {
		return false, errors.New("insert-if-absent requires a fingerprint")
	}
	db, cancel := g.conn(ctx)
	defer cancel()

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoNothing: true,
	}).Create(entry)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert event: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (g *Gorm) RecordDuplicate(ctx context.Context, entry *models.MeetEventLog) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to record duplicate: %w", err)
		}
		return tx.Model(&models.MeetEventLog{}).
			Where("fingerprint = ?", entry.EventKey).
			UpdateColumn("duplicate_count", gorm.Expr("duplicate_count + 1")).Error
	})
}

func (g *Gorm) Append(ctx context.Context, entry *models.MeetEventLog) error {
	db, cancel := g.conn(ctx)
	defer cancel()

	if err := db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (g *Gorm) CountByStatus(ctx context.Context, status models.EventStatus) (int64, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var total int64
	if err := db.Model(&models.MeetEventLog{}).Where("status = ?", status).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (g *Gorm) Recent(ctx context.Context, limit int) ([]models.MeetEventLog, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var entries []models.MeetEventLog
	if err := db.Order("received_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (g *Gorm) LastReceivedAt(ctx context.Context) (*time.Time, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var entry models.MeetEventLog
	err := db.Select("received_at").Order("received_at DESC").Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry.ReceivedAt, nil
}

func (g *Gorm) MeetingByConference(ctx context.Context, conferenceID string) (string, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var entry models.MeetEventLog
	err := db.Select("meeting_id").
		Where("conference_id = ? AND meeting_id <> ''", conferenceID).
		Order("received_at DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve conference: %w", err)
	}
	return entry.MeetingID, nil
}

func (g *Gorm) GetMeeting(ctx context.Context, name string) (*models.Meeting, error) {
	db, cancel := g.conn(ctx)
	defer cancel()

	var meeting models.Meeting
	if err := db.Where("name = ?", name).First(&meeting).Error; err != nil {
		return nil, translate(err)
	}
	return &meeting, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// SQLSTATE 23505 when the dialector does not translate errors.
	return strings.Contains(err.Error(), "23505")
}
