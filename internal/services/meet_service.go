package services

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/dto"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
)

const recentEventsLimit = 10

// MeetAPI is the RPC surface the meeting UI calls.
type MeetAPI interface {
	CreateMeetSubscription(ctx context.Context, meeting string) (*dto.CreateSubscriptionResponse, error)
	CheckSubscriptionStatus(ctx context.Context, meeting string) (*dto.SubscriptionStatusResponse, error)
	TestWebhookEndpoint(ctx context.Context, meeting string) (*dto.WebhookTestResponse, error)
	GetRecentEventsStatus(ctx context.Context) (*dto.EventsStatusResponse, error)
}

// SubscriptionAdmin covers the operator actions beside the UI surface.
type SubscriptionAdmin interface {
	RenewSubscription(ctx context.Context, meeting string, threshold time.Duration) (*dto.RenewSubscriptionResponse, error)
	CancelSubscription(ctx context.Context, meeting string) (*dto.CancelSubscriptionResponse, error)
}

type MeetService struct {
	manager  *SubscriptionManager
	selfTest *SelfTest
	events   store.EventLogStore
}

var (
	_ MeetAPI           = (*MeetService)(nil)
	_ SubscriptionAdmin = (*MeetService)(nil)
)

func NewMeetService(manager *SubscriptionManager, selfTest *SelfTest, events store.EventLogStore) *MeetService {
	return &MeetService{manager: manager, selfTest: selfTest, events: events}
}

func (s *MeetService) CreateMeetSubscription(ctx context.Context, meeting string) (*dto.CreateSubscriptionResponse, error) {
	sub, err := s.manager.CreateSubscription(ctx, meeting)
	if err != nil {
		return nil, err
	}
	return &dto.CreateSubscriptionResponse{
		SubscriptionID: sub.CurrentID(),
		State:          string(sub.State),
	}, nil
}

func (s *MeetService) CheckSubscriptionStatus(ctx context.Context, meeting string) (*dto.SubscriptionStatusResponse, error) {
	sub, err := s.manager.CheckStatus(ctx, meeting)
	if err != nil {
		return nil, err
	}
	return statusResponse(sub), nil
}

func (s *MeetService) TestWebhookEndpoint(ctx context.Context, meeting string) (*dto.WebhookTestResponse, error) {
	return s.selfTest.Run(ctx, meeting)
}

func (s *MeetService) GetRecentEventsStatus(ctx context.Context) (*dto.EventsStatusResponse, error) {
	total, err := s.events.CountByStatus(ctx, models.EventAccepted)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	last, err := s.events.LastReceivedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load last event time: %w", err)
	}
	entries, err := s.events.Recent(ctx, recentEventsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events: %w", err)
	}

	recent := make([]dto.RecentEvent, 0, len(entries))
	for _, e := range entries {
		recent = append(recent, dto.RecentEvent{
			ReceivedAt: e.ReceivedAt,
			EventType:  e.EventType,
			Status:     string(e.Status),
		})
	}
	return &dto.EventsStatusResponse{
		TotalEvents:   total,
		LastEventTime: last,
		RecentEvents:  recent,
	}, nil
}

func (s *MeetService) RenewSubscription(ctx context.Context, meeting string, threshold time.Duration) (*dto.RenewSubscriptionResponse, error) {
	result, err := s.manager.RenewIfExpiring(ctx, meeting, threshold)
	if err != nil {
		return nil, err
	}
	sub := result.Subscription
	resp := &dto.RenewSubscriptionResponse{
		State:     string(sub.State),
		ExpiresAt: sub.ExpiresAt,
		Renewed:   result.Renewed,
	}
	if sub.SubscriptionID != nil {
		resp.SubscriptionID = *sub.SubscriptionID
	}
	return resp, nil
}

func (s *MeetService) CancelSubscription(ctx context.Context, meeting string) (*dto.CancelSubscriptionResponse, error) {
	result, err := s.manager.Cancel(ctx, meeting)
	if err != nil {
		return nil, err
	}
	resp := &dto.CancelSubscriptionResponse{State: string(result.Subscription.State)}
	if result.Warning != nil {
		resp.Warning = "provider channel stop failed: " + result.Warning.Error()
	}
	return resp, nil
}

func statusResponse(sub *models.MeetSubscription) *dto.SubscriptionStatusResponse {
	resp := &dto.SubscriptionStatusResponse{
		MeetingID: sub.MeetingID,
		State:     string(sub.State),
		ExpiresAt: sub.ExpiresAt,
	}
	if sub.SubscriptionID != nil {
		resp.SubscriptionID = *sub.SubscriptionID
	}
	return resp
}
