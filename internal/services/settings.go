package services

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/config"
)

// Settings is the per-operation snapshot of the feature flags and channel
// parameters. It is read once at the start of every operation.
type Settings struct {
	EnableMeetEvents      bool
	CallbackURL           string
	CalendarID            string
	ChannelTTL            time.Duration
	RotateSecretOnRenewal bool
	LateDeliveryGrace     time.Duration
	MaxPayloadBytes       int
}

type SettingsSource interface {
	Settings() Settings
}

// StaticSettings always returns the same snapshot.
type StaticSettings Settings

func (s StaticSettings) Settings() Settings {
	return Settings(s)
}

func SettingsFromConfig(cfg *config.Config) StaticSettings {
	return StaticSettings{
		EnableMeetEvents:      cfg.EnableMeetEvents,
		CallbackURL:           cfg.WebhookCallbackURL,
		CalendarID:            cfg.CalendarID,
		ChannelTTL:            cfg.ChannelTTL,
		RotateSecretOnRenewal: cfg.RotateSecretOnRenewal,
		LateDeliveryGrace:     cfg.LateDeliveryGrace,
		MaxPayloadBytes:       cfg.WebhookMaxPayload,
	}
}
