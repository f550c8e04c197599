// Package bootstrap builds the storage, locking and provider dependencies
// shared by the server and the renew command.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/config"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/database"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/locker"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/models"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/provider"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/store"
	"github.com/redis/go-redis/v9"
)

// Deps holds everything a SubscriptionManager needs plus the handles that
// must be closed on shutdown.
type Deps struct {
	Stores   store.Stores
	Locker   locker.Locker
	Redis    *redis.Client
	Channels provider.ChannelClient
	Settings services.StaticSettings
}

// Open connects the configured store backend and, when configured, Redis.
func Open(cfg *config.Config) (*Deps, error) {
	deps := &Deps{Settings: services.SettingsFromConfig(cfg)}

	switch cfg.StoreBackend {
	case "postgres":
		if err := database.Connect(cfg); err != nil {
			return nil, err
		}
		if err := database.Migrate(); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		deps.Stores = store.NewGorm(database.DB, 0).Stores()
	case "memory":
		mem := store.NewMemory()
		for _, m := range ParseMeetings(cfg.MemoryMeetings, cfg.CalendarID) {
			mem.PutMeeting(m)
		}
		deps.Stores = mem.Stores()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		slog.Info("redis connected", "addr", cfg.RedisAddr())
		deps.Redis = client
		deps.Locker = locker.NewRedis(client, cfg.LockTTL)
	} else {
		deps.Locker = locker.NewMemory()
	}

	deps.Channels = provider.NewHTTPClient(provider.ClientOptions{
		BaseURL:     cfg.ProviderBaseURL,
		TokenSource: provider.StaticToken(cfg.ProviderAccessToken),
		Timeout:     cfg.ProviderTimeout,
		UserAgent:   "meetsub/1.0",
	})
	return deps, nil
}

// Manager builds the subscription manager over deps.
func (d *Deps) Manager(cfg *config.Config) *services.SubscriptionManager {
	return services.NewSubscriptionManager(services.ManagerOptions{
		Subscriptions: d.Stores.Subscriptions,
		Meetings:      d.Stores.Meetings,
		Channels:      d.Channels,
		Locker:        d.Locker,
		Settings:      d.Settings,
		Retry: services.RetryPolicy{
			MaxRetries: cfg.ProviderMaxRetries,
			BaseDelay:  cfg.ProviderBaseDelay,
			MaxDelay:   cfg.ProviderMaxDelay,
		},
		OperationTimeout: cfg.OperationTimeout,
	})
}

func (d *Deps) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := database.Close(); err != nil {
		slog.Error("database close error", "error", err)
	}
}

// ParseMeetings reads "name=link" pairs separated by commas. Malformed
// pairs are skipped.
func ParseMeetings(raw, calendarID string) []models.Meeting {
	var meetings []models.Meeting
	for _, pair := range strings.Split(raw, ",") {
		name, link, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name, link = strings.TrimSpace(name), strings.TrimSpace(link)
		if !ok || name == "" {
			continue
		}
		meetings = append(meetings, models.Meeting{
			Name:           name,
			Title:          name,
			CalendarID:     calendarID,
			GoogleMeetLink: link,
		})
	}
	return meetings
}
