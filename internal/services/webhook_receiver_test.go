package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastEntry(t *testing.T, env *testEnv) models.MeetEventLog {
	t.Helper()
	recent, err := env.mem.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	return recent[0]
}

func TestExpiredSubscriptionThenWebhookScenario(t *testing.T) {
	env := newTestEnv(t)
	env.channels.ids = []string{"sub-1"}
	ctx := context.Background()

	_, err := env.service.CreateMeetSubscription(ctx, "M-1")
	require.NoError(t, err)

	status, err := env.service.CheckSubscriptionStatus(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", status.State)
	assert.Equal(t, "sub-1", status.SubscriptionID)

	env.clock.Advance(3601 * time.Second)
	status, err = env.service.CheckSubscriptionStatus(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, "EXPIRED", status.State)

	result, err := env.receiver.Ingest(ctx, env.notification(env.stored(t, "M-1"), "1"))
	require.NoError(t, err)
	assert.Equal(t, models.EventAccepted, result.Status)
	assert.Equal(t, 200, result.StatusCode)

	events, err := env.service.GetRecentEventsStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, events.TotalEvents)
	require.NotNil(t, events.LastEventTime)
	require.Len(t, events.RecentEvents, 1)
	assert.Equal(t, "ACCEPTED", events.RecentEvents[0].Status)
	assert.Equal(t, "exists", events.RecentEvents[0].EventType)
}

func TestUnknownSubscriptionIsRejectedWith200(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.receiver.Ingest(ctx, Notification{SubscriptionRef: "sub-unknown", Token: "whatever", EventID: "1"})
	require.NoError(t, err)
	assert.Equal(t, models.EventRejected, result.Status)
	assert.Equal(t, 200, result.StatusCode)

	entry := lastEntry(t, env)
	assert.Equal(t, models.RejectUnknownSubscription, entry.Reason)
	assert.Nil(t, entry.Fingerprint)

	events, err := env.service.GetRecentEventsStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, events.TotalEvents)
}

func TestWrongTokenIsAlwaysRejected(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")

	n := env.notification(sub, "1")
	n.Token = sub.ChannelSecret + "x"
	result, err := env.receiver.Ingest(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, models.EventRejected, result.Status)
	assert.Equal(t, 200, result.StatusCode)

	entry := lastEntry(t, env)
	assert.Equal(t, models.RejectInvalidToken, entry.Reason)
	assert.Equal(t, "M-1", entry.MeetingID)
}

func TestMalformedNotificationIsValidationError(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")

	n := env.notification(sub, "1")
	n.Token = ""
	_, err := env.receiver.Ingest(context.Background(), n)
	assert.True(t, IsValidation(err))

	n = env.notification(sub, "1")
	n.SubscriptionRef = "  "
	_, err = env.receiver.Ingest(context.Background(), n)
	assert.True(t, IsValidation(err))

	recent, err := env.mem.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestDuplicateDeliveryIsRecordedOnce(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")
	ctx := context.Background()

	first, err := env.receiver.Ingest(ctx, env.notification(sub, "7"))
	require.NoError(t, err)
	assert.Equal(t, models.EventAccepted, first.Status)

	second, err := env.receiver.Ingest(ctx, env.notification(sub, "7"))
	require.NoError(t, err)
	assert.Equal(t, models.EventDuplicate, second.Status)
	assert.NotEqual(t, first.EventLogID, second.EventLogID)

	accepted, err := env.mem.CountByStatus(ctx, models.EventAccepted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, accepted)

	recent, err := env.mem.Recent(ctx, 10)
	require.NoError(t, err)
	for _, e := range recent {
		if e.Status == models.EventAccepted {
			assert.Equal(t, 1, e.DuplicateCount)
		}
	}
}

func TestConcurrentDuplicateDeliveriesAcceptOnce(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")
	ctx := context.Background()

	const deliveries = 16
	var wg sync.WaitGroup
	statuses := make(chan models.EventStatus, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.receiver.Ingest(ctx, env.notification(sub, "42"))
			if assert.NoError(t, err) {
				statuses <- result.Status
			}
		}()
	}
	wg.Wait()
	close(statuses)

	counts := map[models.EventStatus]int{}
	for s := range statuses {
		counts[s]++
	}
	assert.Equal(t, 1, counts[models.EventAccepted])
	assert.Equal(t, deliveries-1, counts[models.EventDuplicate])
}

func TestDistinctRevisionsAreDistinctEvents(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")
	ctx := context.Background()

	n := env.notification(sub, "1")
	_, err := env.receiver.Ingest(ctx, n)
	require.NoError(t, err)

	n.ResourceRevision = "rev-2"
	result, err := env.receiver.Ingest(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, models.EventAccepted, result.Status)
}

func TestInactiveSubscriptionIsRejected(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv)
	}{
		{
			name: "cancelled",
			setup: func(t *testing.T, env *testEnv) {
				_, err := env.manager.Cancel(context.Background(), "M-1")
				require.NoError(t, err)
			},
		},
		{
			name: "expired beyond grace",
			setup: func(t *testing.T, env *testEnv) {
				env.clock.Advance(time.Hour + 16*time.Minute)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			sub := env.create(t, "M-1")
			tt.setup(t, env)

			result, err := env.receiver.Ingest(context.Background(), env.notification(sub, "1"))
			require.NoError(t, err)
			assert.Equal(t, models.EventRejected, result.Status)
			assert.Equal(t, models.RejectInactiveSubscription, lastEntry(t, env).Reason)
		})
	}
}

func TestFailedSubscriptionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")
	env.channels.registerErrs = []error{assert.AnError}

	env.clock.Advance(55 * time.Minute)
	_, err := env.manager.RenewIfExpiring(context.Background(), "M-1", 10*time.Minute)
	require.Error(t, err)

	result, err := env.receiver.Ingest(context.Background(), env.notification(sub, "1"))
	require.NoError(t, err)
	assert.Equal(t, models.EventRejected, result.Status)
	assert.Equal(t, models.RejectInactiveSubscription, lastEntry(t, env).Reason)
}

func TestPreviousChannelAcceptedWithinGraceAfterRenewal(t *testing.T) {
	env := newTestEnv(t, func(s *StaticSettings) { s.RotateSecretOnRenewal = true })
	old := env.create(t, "M-1")
	ctx := context.Background()

	env.clock.Advance(55 * time.Minute)
	_, err := env.manager.RenewIfExpiring(ctx, "M-1", 10*time.Minute)
	require.NoError(t, err)

	result, err := env.receiver.Ingest(ctx, env.notification(old, "late-1"))
	require.NoError(t, err)
	assert.Equal(t, models.EventAccepted, result.Status)

	renewed := env.stored(t, "M-1")
	result, err = env.receiver.Ingest(ctx, env.notification(renewed, "new-1"))
	require.NoError(t, err)
	assert.Equal(t, models.EventAccepted, result.Status)

	env.clock.Advance(16 * time.Minute)
	result, err = env.receiver.Ingest(ctx, env.notification(old, "late-2"))
	require.NoError(t, err)
	assert.Equal(t, models.EventRejected, result.Status)
}

func TestPayloadIsBoundedAndTokenNotStored(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")

	n := env.notification(sub, "1")
	n.Payload = []byte(strings.Repeat("a", 200))
	n.Headers[HeaderChannelToken] = sub.ChannelSecret
	n.Headers[HeaderChannelID] = *sub.SubscriptionID
	_, err := env.receiver.Ingest(context.Background(), n)
	require.NoError(t, err)

	entry := lastEntry(t, env)
	assert.Len(t, entry.RawPayload, 64)

	var headers map[string]string
	require.NoError(t, json.Unmarshal(entry.Headers, &headers))
	assert.NotContains(t, headers, HeaderChannelToken)
	assert.Equal(t, *sub.SubscriptionID, headers[HeaderChannelID])
}

func TestTruncatePayloadKeepsValidText(t *testing.T) {
	got := truncatePayload([]byte("héllo\x00"), 2)
	assert.Equal(t, "h", got)
	assert.Equal(t, "ok", truncatePayload([]byte("o\x00k"), 0))
}

func TestFingerprintSeparatesFields(t *testing.T) {
	assert.Equal(t, Fingerprint("sub-1", "7", "rev"), Fingerprint("sub-1", "7", "rev"))
	assert.NotEqual(t, Fingerprint("ab", "c", ""), Fingerprint("a", "bc", ""))
	assert.Len(t, Fingerprint("sub-1", "7", "rev"), 64)
}

func TestConferenceIDFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "conference record", payload: `{"conferenceRecord":{"name":"conferenceRecords/abc"}}`, want: "abc"},
		{name: "participant session", payload: `{"participantSession":{"name":"conferenceRecords/abc/participants/p/participantSessions/s"}}`, want: "abc"},
		{name: "other resource", payload: `{"space":{"name":"spaces/xyz"}}`, want: ""},
		{name: "empty id", payload: `{"conferenceRecord":{"name":"conferenceRecords/"}}`, want: ""},
		{name: "not json", payload: `exists`, want: ""},
		{name: "empty", payload: ``, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConferenceID([]byte(tt.payload)))
		})
	}
}

func TestUnknownChannelTakesMeetingFromConference(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t, "M-1")
	ctx := context.Background()

	n := env.notification(sub, "1")
	n.Payload = []byte(`{"conferenceRecord":{"name":"conferenceRecords/conf-1"}}`)
	result, err := env.receiver.Ingest(ctx, n)
	require.NoError(t, err)
	require.Equal(t, models.EventAccepted, result.Status)
	accepted := lastEntry(t, env)
	assert.Equal(t, "conf-1", accepted.ConferenceID)
	assert.Equal(t, "M-1", accepted.MeetingID)

	result, err = env.receiver.Ingest(ctx, Notification{
		SubscriptionRef: "sub-unknown",
		Token:           "whatever",
		EventID:         "2",
		ConferenceID:    "conf-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventRejected, result.Status)
	rejected := lastEntry(t, env)
	assert.Equal(t, models.RejectUnknownSubscription, rejected.Reason)
	assert.Equal(t, "M-1", rejected.MeetingID)

	result, err = env.receiver.Ingest(ctx, Notification{
		SubscriptionRef: "sub-unknown",
		Token:           "whatever",
		EventID:         "3",
		ConferenceID:    "conf-other",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventRejected, result.Status)
	assert.Empty(t, lastEntry(t, env).MeetingID)
}
