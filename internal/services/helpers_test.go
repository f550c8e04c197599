package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/locker"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/provider"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
	"github.com/stretchr/testify/require"
)

const testCallbackURL = "https://hooks.example.com/api/webhooks/meet"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeChannels is a scripted provider. Queued ids are handed out first, then
// the id proposed by the caller is echoed.
type fakeChannels struct {
	mu           sync.Mutex
	clock        *fakeClock
	ttl          time.Duration
	ids          []string
	registerErrs []error
	stopErr      error
	block        bool
	// beforeRegister and beforeStop run outside the lock while the call is
	// in flight, e.g. to fire lazy expiry concurrently.
	beforeRegister func()
	beforeStop     func()
	registered   []provider.ChannelRequest
	stopped      []provider.Channel
}

func (f *fakeChannels) Register(ctx context.Context, req provider.ChannelRequest) (provider.Channel, error) {
	f.mu.Lock()
	block, hook := f.block, f.beforeRegister
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return provider.Channel{}, &provider.ProviderError{Kind: provider.Transient, Op: "register", Message: "timeout", Err: ctx.Err()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, req)
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		if err != nil {
			return provider.Channel{}, err
		}
	}
	id := req.ID
	if len(f.ids) > 0 {
		id = f.ids[0]
		f.ids = f.ids[1:]
	}
	return provider.Channel{
		ID:         id,
		ResourceID: "res-" + id,
		ExpiresAt:  f.clock.Now().Add(f.ttl),
	}, nil
}

func (f *fakeChannels) Stop(_ context.Context, channel provider.Channel) error {
	f.mu.Lock()
	hook := f.beforeStop
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channel)
	return f.stopErr
}

func (f *fakeChannels) registerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered)
}

type testEnv struct {
	mem      *store.Memory
	clock    *fakeClock
	channels *fakeChannels
	settings StaticSettings
	manager  *SubscriptionManager
	receiver *WebhookReceiver
	service  *MeetService
}

func defaultTestSettings() StaticSettings {
	return StaticSettings{
		EnableMeetEvents:  true,
		CallbackURL:       testCallbackURL,
		CalendarID:        "primary",
		ChannelTTL:        time.Hour,
		LateDeliveryGrace: 15 * time.Minute,
		MaxPayloadBytes:   64,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*StaticSettings)) *testEnv {
	t.Helper()
	settings := defaultTestSettings()
	for _, fn := range mutate {
		fn(&settings)
	}

	clock := newFakeClock()
	mem := store.NewMemory()
	mem.PutMeeting(models.Meeting{Name: "M-1", Title: "Weekly sync", GoogleMeetLink: "https://meet.google.com/abc-defg-hij"})
	mem.PutMeeting(models.Meeting{Name: "M-2", Title: "Retro", GoogleMeetLink: "https://meet.google.com/xyz-wxyz-xyz"})
	mem.PutMeeting(models.Meeting{Name: "M-nolink", Title: "Phone call"})

	channels := &fakeChannels{clock: clock, ttl: time.Hour}
	manager := NewSubscriptionManager(ManagerOptions{
		Subscriptions:    mem,
		Meetings:         mem,
		Channels:         channels,
		Locker:           locker.NewMemory(),
		Settings:         settings,
		Retry:            RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		OperationTimeout: 2 * time.Second,
		Now:              clock.Now,
	})
	receiver := NewWebhookReceiver(mem, mem, settings, clock.Now)

	env := &testEnv{
		mem:      mem,
		clock:    clock,
		channels: channels,
		settings: settings,
		manager:  manager,
		receiver: receiver,
	}
	env.service = NewMeetService(manager, NewSelfTest(mem, settings, receiverDoer{receiver: receiver}), mem)
	return env
}

func (e *testEnv) create(t *testing.T, meetingID string) *models.MeetSubscription {
	t.Helper()
	sub, err := e.manager.CreateSubscription(context.Background(), meetingID)
	require.NoError(t, err)
	return sub
}

func (e *testEnv) stored(t *testing.T, meetingID string) *models.MeetSubscription {
	t.Helper()
	sub, err := e.mem.GetByMeeting(context.Background(), meetingID)
	require.NoError(t, err)
	return sub
}

func (e *testEnv) notification(sub *models.MeetSubscription, eventID string) Notification {
	return Notification{
		SubscriptionRef:  *sub.SubscriptionID,
		Token:            sub.ChannelSecret,
		EventID:          eventID,
		ResourceRevision: "rev-1",
		EventType:        "exists",
		Headers:          map[string]string{HeaderMessageNumber: eventID},
	}
}

// assertChannelInvariant checks that a live channel id is held exactly in
// the states that own one.
func assertChannelInvariant(t *testing.T, sub *models.MeetSubscription) {
	t.Helper()
	holds := sub.SubscriptionID != nil
	require.Equal(t, sub.State.HoldsChannel(), holds,
		fmt.Sprintf("state %s with subscription_id set=%v", sub.State, holds))
}
