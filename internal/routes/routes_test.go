package routes

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookLimiterKey(t *testing.T) {
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error { return c.SendString(webhookLimiterKey(c)) })

	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{name: "channel header", channel: "chan-1", want: "webhook:channel:chan-1"},
		{name: "envelope", want: "webhook:ip:0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.channel != "" {
				req.Header.Set(services.HeaderChannelID, tt.channel)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestWebhookLimiterSeparatesChannels(t *testing.T) {
	app := fiber.New()
	app.Use(limiter.New(limiter.Config{
		Max:          2,
		Expiration:   time.Minute,
		KeyGenerator: webhookLimiterKey,
	}))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	send := func(channel string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(services.HeaderChannelID, channel)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, send("busy"))
	assert.Equal(t, http.StatusOK, send("busy"))
	assert.Equal(t, http.StatusTooManyRequests, send("busy"))
	assert.Equal(t, http.StatusOK, send("quiet"))
}
