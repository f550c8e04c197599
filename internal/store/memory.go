package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/google/uuid"
)

// Memory keeps all records in process. Values are copied on the way in and
// out so callers never share mutable state with the store.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[string]*models.MeetSubscription
	events        []models.MeetEventLog
	fingerprints  map[string]int
	meetings      map[string]*models.Meeting
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subscriptions: make(map[string]*models.MeetSubscription),
		fingerprints:  make(map[string]int),
		meetings:      make(map[string]*models.Meeting),
		now:           time.Now,
	}
}

func (m *Memory) Stores() Stores {
	return Stores{Subscriptions: m, Events: m, Meetings: m}
}

// PutMeeting seeds the meeting directory.
func (m *Memory) PutMeeting(meeting models.Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meetings[meeting.Name] = &meeting
}

func (m *Memory) GetMeeting(_ context.Context, name string) (*models.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meeting, ok := m.meetings[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *meeting
	return &clone, nil
}

func (m *Memory) GetByMeeting(_ context.Context, meetingID string) (*models.MeetSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[meetingID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (m *Memory) GetByReference(_ context.Context, subscriptionID string) (*models.MeetSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.MeetSubscription
	for _, sub := range m.subscriptions {
		if !matchesReference(sub, subscriptionID) {
			continue
		}
		if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneSubscription(found), nil
}

func (m *Memory) LatestActive(_ context.Context) (*models.MeetSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.MeetSubscription
	for _, sub := range m.subscriptions {
		if sub.State != models.StateActive {
			continue
		}
		if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
			found = sub
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneSubscription(found), nil
}

func (m *Memory) ListByStates(_ context.Context, states ...models.SubscriptionState) ([]models.MeetSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[models.SubscriptionState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	result := make([]models.MeetSubscription, 0)
	for _, sub := range m.subscriptions {
		if wanted[sub.State] {
			result = append(result, *cloneSubscription(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MeetingID < result[j].MeetingID
	})
	return result, nil
}

func (m *Memory) Create(_ context.Context, sub *models.MeetSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subscriptions[sub.MeetingID]; exists {
		return ErrConflict
	}
	if sub.SubscriptionID != nil && m.referenceTakenLocked(*sub.SubscriptionID, sub.MeetingID) {
		return ErrConflict
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := m.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.subscriptions[sub.MeetingID] = cloneSubscription(sub)
	return nil
}

func (m *Memory) Update(_ context.Context, sub *models.MeetSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subscriptions[sub.MeetingID]
	if !ok || stored.ID != sub.ID || stored.Version != sub.Version {
		return ErrConflict
	}
	if sub.SubscriptionID != nil && m.referenceTakenLocked(*sub.SubscriptionID, sub.MeetingID) {
		return ErrConflict
	}
	sub.Version++
	sub.UpdatedAt = m.now()
	m.subscriptions[sub.MeetingID] = cloneSubscription(sub)
	return nil
}

func (m *Memory) referenceTakenLocked(subscriptionID, meetingID string) bool {
	for id, other := range m.subscriptions {
		if id == meetingID {
			continue
		}
		if other.SubscriptionID != nil && *other.SubscriptionID == subscriptionID {
			return true
		}
	}
	return false
}

func (m *Memory) InsertIfAbsent(_ context.Context, entry *models.MeetEventLog) (bool, error) {
	if entry.Fingerprint == nil {
		return false, errors.New("insert-if-absent requires a fingerprint")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fingerprints[*entry.Fingerprint]; exists {
		return false, nil
	}
	m.appendLocked(entry)
	m.fingerprints[*entry.Fingerprint] = len(m.events) - 1
	return true, nil
}

func (m *Memory) RecordDuplicate(_ context.Context, entry *models.MeetEventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(entry)
	if idx, ok := m.fingerprints[entry.EventKey]; ok {
		m.events[idx].DuplicateCount++
	}
	return nil
}

func (m *Memory) Append(_ context.Context, entry *models.MeetEventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(entry)
	return nil
}

func (m *Memory) appendLocked(entry *models.MeetEventLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = m.now()
	m.events = append(m.events, *entry)
}

func (m *Memory) CountByStatus(_ context.Context, status models.EventStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.events {
		if e.Status == status {
			total++
		}
	}
	return total, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]models.MeetEventLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]models.MeetEventLog, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		result = append(result, m.events[i])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) LastReceivedAt(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for i := range m.events {
		t := m.events[i].ReceivedAt
		if last == nil || t.After(*last) {
			last = &t
		}
	}
	return last, nil
}

func matchesReference(sub *models.MeetSubscription, ref string) bool {
	for _, id := range []*string{sub.SubscriptionID, sub.PreviousSubscriptionID, sub.LastSubscriptionID} {
		if id != nil && *id == ref {
			return true
		}
	}
	return false
}

func cloneSubscription(sub *models.MeetSubscription) *models.MeetSubscription {
	clone := *sub
	clone.SubscriptionID = cloneString(sub.SubscriptionID)
	clone.LastSubscriptionID = cloneString(sub.LastSubscriptionID)
	clone.PreviousSubscriptionID = cloneString(sub.PreviousSubscriptionID)
	clone.ExpiresAt = cloneTime(sub.ExpiresAt)
	clone.RenewedAt = cloneTime(sub.RenewedAt)
	return &clone
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (m *Memory) MeetingByConference(_ context.Context, conferenceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		meetingID string
		latest    time.Time
	)
	for _, e := range m.events {
		if e.ConferenceID != conferenceID || e.MeetingID == "" {
			continue
		}
		if meetingID == "" || !e.ReceivedAt.Before(latest) {
			meetingID, latest = e.MeetingID, e.ReceivedAt
		}
	}
	if meetingID == "" {
		return "", ErrNotFound
	}
	return meetingID, nil
}
