package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/dto"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChannelID = "chan-1"
	testSecret    = "channel-secret"
)

func setupWebhookApp(t *testing.T) (*fiber.App, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	ref := testChannelID
	expires := time.Now().Add(time.Hour)
	require.NoError(t, mem.Create(context.Background(), &models.MeetSubscription{
		MeetingID:      "M-1",
		SubscriptionID: &ref,
		State:          models.StateActive,
		ExpiresAt:      &expires,
		ChannelSecret:  testSecret,
	}))

	settings := services.StaticSettings{
		EnableMeetEvents:  true,
		LateDeliveryGrace: 15 * time.Minute,
		MaxPayloadBytes:   1024,
	}
	receiver := services.NewWebhookReceiver(mem, mem, settings, nil)
	handler, err := NewWebhookHandler(receiver)
	require.NoError(t, err)

	app := fiber.New()
	app.Post("/api/webhooks/meet", handler.Receive)
	return app, mem
}

func headerRequest(channelID, token, messageNumber string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/meet", strings.NewReader(`{"kind":"api#channel"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(services.HeaderChannelID, channelID)
	if token != "" {
		req.Header.Set(services.HeaderChannelToken, token)
	}
	req.Header.Set(services.HeaderMessageNumber, messageNumber)
	req.Header.Set(services.HeaderResourceState, "exists")
	req.Header.Set(services.HeaderResourceID, "res-1")
	return req
}

func decodeAck(t *testing.T, resp *http.Response) dto.WebhookAckResponse {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var ack dto.WebhookAckResponse
	require.NoError(t, json.Unmarshal(body, &ack))
	return ack
}

func TestWebhookHeaderDeliveryAccepted(t *testing.T) {
	app, mem := setupWebhookApp(t)

	resp, err := app.Test(headerRequest(testChannelID, testSecret, "7"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ack := decodeAck(t, resp)
	assert.Equal(t, "ACCEPTED", ack.Status)
	assert.True(t, ack.Received)
	assert.NotEmpty(t, ack.EventLogID)

	total, err := mem.CountByStatus(context.Background(), models.EventAccepted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestWebhookRedeliveryIsDuplicate(t *testing.T) {
	app, mem := setupWebhookApp(t)

	_, err := app.Test(headerRequest(testChannelID, testSecret, "7"))
	require.NoError(t, err)
	resp, err := app.Test(headerRequest(testChannelID, testSecret, "7"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DUPLICATE", decodeAck(t, resp).Status)

	total, err := mem.CountByStatus(context.Background(), models.EventAccepted)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestWebhookRejectionsStillAnswer200(t *testing.T) {
	tests := []struct {
		name      string
		channelID string
		token     string
	}{
		{name: "wrong token", channelID: testChannelID, token: "nope"},
		{name: "unknown channel", channelID: "chan-unknown", token: testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupWebhookApp(t)

			resp, err := app.Test(headerRequest(tt.channelID, tt.token, "1"))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "REJECTED", decodeAck(t, resp).Status)
		})
	}
}

func TestWebhookMissingTokenIsMalformed(t *testing.T) {
	app, _ := setupWebhookApp(t)

	resp, err := app.Test(headerRequest(testChannelID, "", "1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookEnvelopeDelivery(t *testing.T) {
	app, mem := setupWebhookApp(t)

	envelope := map[string]any{
		"message": map[string]any{
			"data":        base64.StdEncoding.EncodeToString([]byte(`{"conferenceRecord":{"name":"conferenceRecords/abc"}}`)),
			"messageId":   "m-1",
			"publishTime": "2026-10-18T10:00:00Z",
			"attributes": map[string]string{
				"ce-source": testChannelID,
				"ce-id":     "evt-1",
				"ce-type":   "google.workspace.meet.conference.v2.started",
				"ce-time":   "2026-10-18T10:00:00Z",
			},
		},
		"subscription": "projects/p/subscriptions/meet",
	}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/meet?token="+testSecret, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACCEPTED", decodeAck(t, resp).Status)

	recent, err := mem.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "evt-1", recent[0].ProviderEventID)
	assert.Equal(t, "google.workspace.meet.conference.v2.started", recent[0].EventType)
	assert.Contains(t, recent[0].RawPayload, "conferenceRecords/abc")
	assert.Equal(t, "abc", recent[0].ConferenceID)
	assert.Equal(t, "M-1", recent[0].MeetingID)
}

func envelopeRequest(t *testing.T, source, eventID, data string) *http.Request {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString([]byte(data)),
			"messageId": "m-" + eventID,
			"attributes": map[string]string{
				"ce-source": source,
				"ce-id":     eventID,
				"ce-type":   "google.workspace.meet.participant.v2.joined",
			},
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/meet?token="+testSecret, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebhookUnknownChannelAttributedByConference(t *testing.T) {
	app, mem := setupWebhookApp(t)

	resp, err := app.Test(envelopeRequest(t, testChannelID, "evt-1",
		`{"conferenceRecord":{"name":"conferenceRecords/conf-9"}}`))
	require.NoError(t, err)
	require.Equal(t, "ACCEPTED", decodeAck(t, resp).Status)

	resp, err = app.Test(envelopeRequest(t, "chan-gone", "evt-2",
		`{"participantSession":{"name":"conferenceRecords/conf-9/participants/p1/participantSessions/s1"}}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REJECTED", decodeAck(t, resp).Status)

	recent, err := mem.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.RejectUnknownSubscription, recent[0].Reason)
	assert.Equal(t, "conf-9", recent[0].ConferenceID)
	assert.Equal(t, "M-1", recent[0].MeetingID)
}

func TestWebhookMalformedEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "not json", body: "{"},
		{name: "missing source", body: `{"message":{"attributes":{"ce-id":"1"}}}`},
		{name: "missing message", body: `{"subscription":"s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupWebhookApp(t)

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/meet?token="+testSecret, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}
