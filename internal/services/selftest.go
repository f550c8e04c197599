package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/dto"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
	"github.com/google/uuid"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SelfTest posts a correctly signed synthetic notification to the webhook
// endpoint through the same HTTP path a provider would use.
type SelfTest struct {
	subs     store.SubscriptionStore
	settings SettingsSource
	client   HTTPDoer
}

func NewSelfTest(subs store.SubscriptionStore, settings SettingsSource, client HTTPDoer) *SelfTest {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SelfTest{subs: subs, settings: settings, client: client}
}

// Run targets meetingID's subscription, or the most recently updated ACTIVE
// one when meetingID is empty. Transport failures are reported in the
// response, not as errors.
func (s *SelfTest) Run(ctx context.Context, meetingID string) (*dto.WebhookTestResponse, error) {
	sub, err := s.target(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	messageNumber := uuid.NewString()
	body, _ := json.Marshal(map[string]any{"selftest": true, "meeting_id": sub.MeetingID})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.Settings().CallbackURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build self-test request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderChannelID, *sub.SubscriptionID)
	req.Header.Set(HeaderChannelToken, sub.ChannelSecret)
	req.Header.Set(HeaderMessageNumber, messageNumber)
	req.Header.Set(HeaderResourceState, "selftest")
	req.Header.Set(HeaderResourceID, "selftest-"+messageNumber)

	resp, err := s.client.Do(req)
	if err != nil {
		return &dto.WebhookTestResponse{
			Success: false,
			Message: "Webhook endpoint unreachable: " + err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ack dto.WebhookAckResponse
	if resp.StatusCode != http.StatusOK || json.Unmarshal(raw, &ack) != nil {
		return &dto.WebhookTestResponse{
			Success:    false,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("Webhook endpoint responded with status %d", resp.StatusCode),
		}, nil
	}

	result := &dto.WebhookTestResponse{
		Success:    ack.Status == string(models.EventAccepted),
		EventLogID: ack.EventLogID,
		StatusCode: resp.StatusCode,
	}
	if result.Success {
		result.Message = "Webhook endpoint accepted the test event"
	} else {
		result.Message = "Webhook endpoint recorded the test event as " + ack.Status
	}
	return result, nil
}

func (s *SelfTest) target(ctx context.Context, meetingID string) (*models.MeetSubscription, error) {
	var (
		sub *models.MeetSubscription
		err error
	)
	if meetingID == "" {
		sub, err = s.subs.LatestActive(ctx)
	} else {
		sub, err = s.subs.GetByMeeting(ctx, meetingID)
	}
	if errors.Is(err, store.ErrNotFound) {
		if meetingID == "" {
			return nil, ErrNoActive
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.State != models.StateActive || sub.SubscriptionID == nil {
		return nil, ErrNoActive
	}
	return sub, nil
}
