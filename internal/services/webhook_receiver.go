package services

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"gorm.io/datatypes"
)

// Notification is one inbound delivery, already lifted out of its wire shape.
type Notification struct {
	SubscriptionRef  string
	Token            string
	EventID          string
	ResourceRevision string
	EventType        string
	// ConferenceID is the conference record named in the payload, if any.
	ConferenceID     string
	Headers          map[string]string
	Payload          []byte
}

type IngestResult struct {
	Status     models.EventStatus
	EventLogID uuid.UUID
	StatusCode int
}

// WebhookReceiver verifies, deduplicates and records inbound notifications.
// It never mutates a subscription beyond lazy expiry.
type WebhookReceiver struct {
	subs     store.SubscriptionStore
	events   store.EventLogStore
	settings SettingsSource
	now      func() time.Time
}

func NewWebhookReceiver(subs store.SubscriptionStore, events store.EventLogStore, settings SettingsSource, now func() time.Time) *WebhookReceiver {
	if now == nil {
		now = time.Now
	}
	return &WebhookReceiver{subs: subs, events: events, settings: settings, now: now}
}

// Ingest records the notification and reports how it was classified.
// Only a malformed notification returns a *ValidationError; every
// well-formed one is recorded and answered with 200.
func (r *WebhookReceiver) Ingest(ctx context.Context, n Notification) (*IngestResult, error) {
	n.SubscriptionRef = strings.TrimSpace(n.SubscriptionRef)
	if n.SubscriptionRef == "" {
		return nil, &ValidationError{Field: "subscription reference", Reason: "is required"}
	}
	if n.Token == "" {
		return nil, &ValidationError{Field: "token", Reason: "is required"}
	}

	if n.ConferenceID == "" {
		n.ConferenceID = ConferenceID(n.Payload)
	}

	settings := r.settings.Settings()
	now := r.now()
	entry := &models.MeetEventLog{
		ID:               uuid.New(),
		EventKey:         Fingerprint(n.SubscriptionRef, n.EventID, n.ResourceRevision),
		SubscriptionID:   n.SubscriptionRef,
		ProviderEventID:  n.EventID,
		ResourceRevision: n.ResourceRevision,
		EventType:        n.EventType,
		ConferenceID:     n.ConferenceID,
		ReceivedAt:       now.UTC(),
		StatusCode:       http.StatusOK,
		Headers:          encodeHeaders(n.Headers),
		RawPayload:       truncatePayload(n.Payload, settings.MaxPayloadBytes),
	}

	sub, err := r.subs.GetByReference(ctx, n.SubscriptionRef)
	if errors.Is(err, store.ErrNotFound) {
		entry.MeetingID = r.meetingForConference(ctx, n.ConferenceID)
		return r.reject(ctx, entry, models.RejectUnknownSubscription)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription: %w", err)
	}
	entry.MeetingID = sub.MeetingID

	if subtle.ConstantTimeCompare([]byte(n.Token), []byte(expectedToken(sub, n.SubscriptionRef))) != 1 {
		return r.reject(ctx, entry, models.RejectInvalidToken)
	}

	sub, err = expireIfDue(ctx, r.subs, sub, now)
	if err != nil {
		slog.Warn("lazy expiry failed during webhook", "meeting_id", entry.MeetingID, "error", err)
		return nil, err
	}
	if !acceptsDelivery(sub, n.SubscriptionRef, now, settings.LateDeliveryGrace) {
		return r.reject(ctx, entry, models.RejectInactiveSubscription)
	}

	fingerprint := entry.EventKey
	entry.Fingerprint = &fingerprint
	entry.Status = models.EventAccepted
	inserted, err := r.events.InsertIfAbsent(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		entry.ID = uuid.New()
		entry.Fingerprint = nil
		entry.Status = models.EventDuplicate
		if err := r.events.RecordDuplicate(ctx, entry); err != nil {
			return nil, err
		}
		slog.Info("duplicate meet event", "meeting_id", entry.MeetingID, "subscription_id", n.SubscriptionRef, "event_id", n.EventID)
	}

	return &IngestResult{Status: entry.Status, EventLogID: entry.ID, StatusCode: entry.StatusCode}, nil
}

func (r *WebhookReceiver) reject(ctx context.Context, entry *models.MeetEventLog, reason models.RejectReason) (*IngestResult, error) {
	entry.Status = models.EventRejected
	entry.Reason = reason
	if err := r.events.Append(ctx, entry); err != nil {
		return nil, err
	}
	slog.Info("meet event rejected",
		"meeting_id", entry.MeetingID,
		"subscription_id", entry.SubscriptionID,
		"reason", reason,
	)
	return &IngestResult{Status: entry.Status, EventLogID: entry.ID, StatusCode: entry.StatusCode}, nil
}

// meetingForConference attributes a delivery on an unknown channel to the
// meeting an earlier event of the same conference was recorded against.
func (r *WebhookReceiver) meetingForConference(ctx context.Context, conferenceID string) string {
	if conferenceID == "" {
		return ""
	}
	meetingID, err := r.events.MeetingByConference(ctx, conferenceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("conference lookup failed", "conference_id", conferenceID, "error", err)
		}
		return ""
	}
	return meetingID
}

// expectedToken picks the secret that was handed to the provider for the
// channel id the delivery claims.
func expectedToken(sub *models.MeetSubscription, ref string) string {
	if sub.PreviousSubscriptionID != nil && *sub.PreviousSubscriptionID == ref &&
		(sub.SubscriptionID == nil || *sub.SubscriptionID != ref) {
		return sub.PreviousChannelSecret
	}
	return sub.ChannelSecret
}

// acceptsDelivery allows the live channel while ACTIVE, and for grace after
// expiry or after a renewal replaced the channel the delivery was sent on.
func acceptsDelivery(sub *models.MeetSubscription, ref string, now time.Time, grace time.Duration) bool {
	live := sub.SubscriptionID != nil && *sub.SubscriptionID == ref
	switch {
	case live && sub.State == models.StateActive:
		return true
	case live && sub.State == models.StateExpired:
		return sub.ExpiresAt != nil && now.Before(sub.ExpiresAt.Add(grace))
	case sub.State == models.StateActive && sub.PreviousSubscriptionID != nil && *sub.PreviousSubscriptionID == ref:
		return sub.RenewedAt != nil && now.Before(sub.RenewedAt.Add(grace))
	default:
		return false
	}
}

const conferencePrefix = "conferenceRecords/"

// ConferenceID extracts the conference record id from a Meet event payload.
// Both conference and participant session events carry it as the first
// segment after conferenceRecords/ in the resource name.
func ConferenceID(payload []byte) string {
	var event struct {
		ConferenceRecord struct {
			Name string `json:"name"`
		} `json:"conferenceRecord"`
		ParticipantSession struct {
			Name string `json:"name"`
		} `json:"participantSession"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &event) != nil {
		return ""
	}
	for _, name := range []string{event.ConferenceRecord.Name, event.ParticipantSession.Name} {
		rest, ok := strings.CutPrefix(name, conferencePrefix)
		if !ok {
			continue
		}
		if id, _, _ := strings.Cut(rest, "/"); id != "" {
			return id
		}
	}
	return ""
}

// Fingerprint is the dedup key of a delivery: blake2b-256 over the
// NUL-separated subscription id, provider event id and resource revision.
func Fingerprint(subscriptionID, eventID, revision string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(subscriptionID))
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	h.Write([]byte{0})
	h.Write([]byte(revision))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeHeaders stores the delivery headers minus the channel token.
func encodeHeaders(headers map[string]string) datatypes.JSON {
	kept := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, HeaderChannelToken) || strings.EqualFold(k, "Authorization") {
			continue
		}
		kept[k] = v
	}
	if len(kept) == 0 {
		return nil
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// truncatePayload bounds the stored body and keeps it valid UTF-8 text.
func truncatePayload(payload []byte, limit int) string {
	if limit > 0 && len(payload) > limit {
		payload = payload[:limit]
	}
	s := strings.ToValidUTF8(string(payload), "")
	return strings.ReplaceAll(s, "\x00", "")
}
