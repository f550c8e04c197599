package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/locker"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/provider"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
	"github.com/google/uuid"
)

const (
	persistTimeout = 5 * time.Second
	// conflictRetries bounds re-reads after a CAS conflict with lazy expiry.
	conflictRetries = 3
)

type ManagerOptions struct {
	Subscriptions    store.SubscriptionStore
	Meetings         store.MeetingStore
	Channels         provider.ChannelClient
	Locker           locker.Locker
	Settings         SettingsSource
	Retry            RetryPolicy
	OperationTimeout time.Duration
	Now              func() time.Time
}

// SubscriptionManager owns the lifecycle of every meeting's push channel.
// Create, Renew and Cancel on one meeting run under the meeting's lock and
// every write is a compare-and-swap on the row version.
type SubscriptionManager struct {
	subs      store.SubscriptionStore
	meetings  store.MeetingStore
	channels  provider.ChannelClient
	locks     locker.Locker
	settings  SettingsSource
	retry     RetryPolicy
	opTimeout time.Duration
	now       func() time.Time
	newID     func() string
}

func NewSubscriptionManager(opts ManagerOptions) *SubscriptionManager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	opTimeout := opts.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = 45 * time.Second
	}
	locks := opts.Locker
	if locks == nil {
		locks = locker.NewMemory()
	}
	return &SubscriptionManager{
		subs:      opts.Subscriptions,
		meetings:  opts.Meetings,
		channels:  opts.Channels,
		locks:     locks,
		settings:  opts.Settings,
		retry:     opts.Retry,
		opTimeout: opTimeout,
		now:       now,
		newID:     uuid.NewString,
	}
}

type RenewResult struct {
	Subscription *models.MeetSubscription
	Renewed      bool
}

// CancelResult carries the provider-side failure of a cancel as a warning.
// The local transition to CANCELLED has happened either way.
type CancelResult struct {
	Subscription *models.MeetSubscription
	Warning      error
}

type SweepReport struct {
	Checked int
	Renewed int
	Failed  int
	Skipped bool
}

// CreateSubscription opens a new channel for the meeting. It fails with
// ErrAlreadyActive while an unexpired ACTIVE channel exists.
func (m *SubscriptionManager) CreateSubscription(ctx context.Context, meetingID string) (*models.MeetSubscription, error) {
	settings := m.settings.Settings()
	if !settings.EnableMeetEvents {
		return nil, ErrEventsDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	meeting, err := m.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMeetingMissing
		}
		return nil, fmt.Errorf("failed to load meeting: %w", err)
	}
	spaceID, ok := ExtractSpaceID(meeting.GoogleMeetLink)
	if !ok {
		return nil, &ValidationError{Field: "google_meet_link", Reason: "is not a Google Meet link"}
	}

	unlock, err := m.locks.Lock(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock meeting: %w", err)
	}
	defer unlock()

	sub, err := m.subs.GetByMeeting(ctx, meetingID)
	exists := err == nil
	switch {
	case errors.Is(err, store.ErrNotFound):
		sub = &models.MeetSubscription{MeetingID: meetingID, State: models.StateNone}
	case err != nil:
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	if sub.State == models.StateActive && !sub.ExpiredAt(m.now()) {
		return nil, ErrAlreadyActive
	}

	secret, err := generateChannelSecret()
	if err != nil {
		return nil, err
	}
	channelID := m.newID()
	calendarID := meeting.CalendarID
	if calendarID == "" {
		calendarID = settings.CalendarID
	}

	sub.State = models.StatePending
	sub.SubscriptionID = &channelID
	sub.ChannelSecret = secret
	sub.ExpiresAt = nil
	sub.Resource = calendarResource(calendarID)
	sub.ResourceID = ""
	sub.SpaceID = spaceID
	sub.PreviousSubscriptionID = nil
	sub.PreviousChannelSecret = ""
	sub.RenewedAt = nil
	sub.LastError = ""

	if exists {
		err = m.subs.Update(ctx, sub)
	} else {
		err = m.subs.Create(ctx, sub)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist pending subscription: %w", err)
	}

	channel, err := m.register(ctx, provider.ChannelRequest{
		ID:       channelID,
		Resource: sub.Resource,
		Address:  settings.CallbackURL,
		Token:    secret,
		TTL:      settings.ChannelTTL,
	})
	if err != nil {
		m.markFailed(ctx, sub, err)
		return nil, fmt.Errorf("failed to register channel: %w", err)
	}

	expiresAt := channel.ExpiresAt.UTC()
	sub.SubscriptionID = &channel.ID
	sub.ResourceID = channel.ResourceID
	sub.ExpiresAt = &expiresAt
	sub.State = models.StateActive
	if err := m.subs.Update(ctx, sub); err != nil {
		m.stopQuietly(channel, meetingID)
		m.markFailed(ctx, sub, err)
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}

	slog.Info("meet subscription created",
		"meeting_id", meetingID,
		"subscription_id", channel.ID,
		"expires_at", expiresAt,
	)
	return sub, nil
}

// CheckStatus returns the stored subscription, first moving a lapsed ACTIVE
// row to EXPIRED.
func (m *SubscriptionManager) CheckStatus(ctx context.Context, meetingID string) (*models.MeetSubscription, error) {
	sub, err := m.subs.GetByMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return expireIfDue(ctx, m.subs, sub, m.now())
}

// RenewIfExpiring replaces the channel when it expires within threshold.
// Otherwise it is a no-op and Renewed is false.
func (m *SubscriptionManager) RenewIfExpiring(ctx context.Context, meetingID string, threshold time.Duration) (*RenewResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	unlock, err := m.locks.Lock(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock meeting: %w", err)
	}
	defer unlock()

	sub, err := m.CheckStatus(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if sub.State != models.StateActive && sub.State != models.StateExpired {
		return &RenewResult{Subscription: sub}, nil
	}
	if sub.ExpiresAt != nil && sub.ExpiresAt.Sub(now) > threshold {
		return &RenewResult{Subscription: sub}, nil
	}

	settings := m.settings.Settings()
	secret := sub.ChannelSecret
	if settings.RotateSecretOnRenewal {
		if secret, err = generateChannelSecret(); err != nil {
			return nil, err
		}
	}

	old := provider.Channel{ID: sub.CurrentID(), ResourceID: sub.ResourceID}
	oldLive := sub.State == models.StateActive

	channel, err := m.register(ctx, provider.ChannelRequest{
		ID:       m.newID(),
		Resource: sub.Resource,
		Address:  settings.CallbackURL,
		Token:    secret,
		TTL:      settings.ChannelTTL,
	})
	if err != nil {
		m.markFailed(ctx, sub, err)
		return nil, fmt.Errorf("failed to renew channel: %w", err)
	}

	previousID := old.ID
	renewedAt := now
	expiresAt := channel.ExpiresAt.UTC()

	previousSecret := sub.ChannelSecret
	sub, err = m.persist(ctx, sub, func(s *models.MeetSubscription) {
		s.PreviousSubscriptionID = &previousID
		s.PreviousChannelSecret = previousSecret
		s.RenewedAt = &renewedAt
		s.SubscriptionID = &channel.ID
		s.ResourceID = channel.ResourceID
		s.ChannelSecret = secret
		s.ExpiresAt = &expiresAt
		s.State = models.StateActive
		s.LastError = ""
	})
	if err != nil {
		m.stopQuietly(channel, meetingID)
		return nil, fmt.Errorf("failed to persist renewed subscription: %w", err)
	}

	if oldLive {
		m.stopQuietly(old, meetingID)
	}

	slog.Info("meet subscription renewed",
		"meeting_id", meetingID,
		"subscription_id", channel.ID,
		"previous_subscription_id", previousID,
		"expires_at", expiresAt,
	)
	return &RenewResult{Subscription: sub, Renewed: true}, nil
}

// Cancel stops the provider channel on a best-effort basis and always leaves
// the subscription CANCELLED.
func (m *SubscriptionManager) Cancel(ctx context.Context, meetingID string) (*CancelResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	unlock, err := m.locks.Lock(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock meeting: %w", err)
	}
	defer unlock()

	sub, err := m.subs.GetByMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.State == models.StateCancelled {
		return &CancelResult{Subscription: sub}, nil
	}

	var warning error
	if sub.SubscriptionID != nil && sub.State.HoldsChannel() {
		channel := provider.Channel{ID: *sub.SubscriptionID, ResourceID: sub.ResourceID}
		warning = m.retry.do(ctx, func(ctx context.Context) error {
			return m.channels.Stop(ctx, channel)
		})
		if warning != nil {
			slog.Warn("provider channel stop failed",
				"meeting_id", meetingID,
				"subscription_id", channel.ID,
				"error", warning,
			)
		}
	}

	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer persistCancel()
	sub, err = m.persist(persistCtx, sub, func(s *models.MeetSubscription) {
		s.State = models.StateCancelled
		s.Detach()
		s.LastError = ""
		if warning != nil {
			s.LastError = warning.Error()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist cancelled subscription: %w", err)
	}

	slog.Info("meet subscription cancelled", "meeting_id", meetingID, "subscription_id", sub.CurrentID())
	return &CancelResult{Subscription: sub, Warning: warning}, nil
}

// RenewDue renews every ACTIVE or EXPIRED subscription that expires within
// threshold. It is driven by an external schedule.
func (m *SubscriptionManager) RenewDue(ctx context.Context, threshold time.Duration) (*SweepReport, error) {
	report := &SweepReport{}
	if !m.settings.Settings().EnableMeetEvents {
		report.Skipped = true
		return report, nil
	}

	due, err := m.DueForRenewal(ctx, threshold)
	if err != nil {
		return nil, err
	}

	for _, sub := range due {
		report.Checked++
		result, err := m.RenewIfExpiring(ctx, sub.MeetingID, threshold)
		if err != nil {
			report.Failed++
			slog.Error("meet subscription renewal failed",
				"meeting_id", sub.MeetingID,
				"subscription_id", sub.CurrentID(),
				"error", err,
			)
			continue
		}
		if result.Renewed {
			report.Renewed++
		}
	}
	return report, nil
}

// DueForRenewal lists the ACTIVE or EXPIRED subscriptions expiring within
// threshold without touching them.
func (m *SubscriptionManager) DueForRenewal(ctx context.Context, threshold time.Duration) ([]models.MeetSubscription, error) {
	subs, err := m.subs.ListByStates(ctx, models.StateActive, models.StateExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	now := m.now()
	due := subs[:0]
	for _, sub := range subs {
		if sub.ExpiresAt != nil && sub.ExpiresAt.Sub(now) > threshold {
			continue
		}
		due = append(due, sub)
	}
	return due, nil
}

func (m *SubscriptionManager) register(ctx context.Context, req provider.ChannelRequest) (provider.Channel, error) {
	var channel provider.Channel
	err := m.retry.do(ctx, func(ctx context.Context) error {
		var err error
		channel, err = m.channels.Register(ctx, req)
		return err
	})
	return channel, err
}

// markFailed persists FAILED on a context detached from the caller so a
// timed-out operation never leaves the row PENDING.
func (m *SubscriptionManager) markFailed(ctx context.Context, sub *models.MeetSubscription, cause error) {
	failedID := sub.CurrentID()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	_, err := m.persist(persistCtx, sub, func(s *models.MeetSubscription) {
		s.State = models.StateFailed
		s.LastError = cause.Error()
		s.Detach()
	})
	if err != nil {
		slog.Error("failed to persist FAILED state",
			"meeting_id", sub.MeetingID,
			"subscription_id", failedID,
			"error", err,
		)
		return
	}
	slog.Error("meet subscription failed",
		"meeting_id", sub.MeetingID,
		"subscription_id", failedID,
		"error", cause,
	)
}

// persist applies mutate and writes the row. Callers hold the meeting lock,
// so the only competing writer is lazy expiry: on a conflict the row is
// re-read and mutate applied again.
func (m *SubscriptionManager) persist(ctx context.Context, sub *models.MeetSubscription, mutate func(*models.MeetSubscription)) (*models.MeetSubscription, error) {
	mutate(sub)
	err := m.subs.Update(ctx, sub)
	for attempt := 0; errors.Is(err, store.ErrConflict) && attempt < conflictRetries; attempt++ {
		latest, getErr := m.subs.GetByMeeting(ctx, sub.MeetingID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload subscription: %w", getErr)
		}
		mutate(latest)
		sub = latest
		err = m.subs.Update(ctx, sub)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *SubscriptionManager) stopQuietly(channel provider.Channel, meetingID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.channels.Stop(ctx, channel); err != nil {
		slog.Warn("provider channel stop failed",
			"meeting_id", meetingID,
			"subscription_id", channel.ID,
			"error", err,
		)
	}
}

// expireIfDue applies lazy expiry. A lost CAS race re-reads the row and
// returns the winner's view.
func expireIfDue(ctx context.Context, subs store.SubscriptionStore, sub *models.MeetSubscription, now time.Time) (*models.MeetSubscription, error) {
	if !sub.ExpiredAt(now) {
		return sub, nil
	}
	expired := *sub
	expired.State = models.StateExpired
	err := subs.Update(ctx, &expired)
	if err == nil {
		return &expired, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("failed to mark subscription expired: %w", err)
	}
	latest, err := subs.GetByMeeting(ctx, sub.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload subscription: %w", err)
	}
	if latest.ExpiredAt(now) {
		latest.State = models.StateExpired
	}
	return latest, nil
}

func generateChannelSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate channel secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}
