package routes

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/config"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

const webhookRateLimit = 6000

// webhookLimiterKey counts header deliveries per channel so one busy meeting
// cannot starve the others behind the provider's shared egress addresses.
// Pub/Sub envelopes carry the channel in the body and fall back to the IP.
func webhookLimiterKey(c *fiber.Ctx) string {
	if channel := c.Get(services.HeaderChannelID); channel != "" {
		return "webhook:channel:" + channel
	}
	return "webhook:ip:" + c.IP()
}

// Setup registers every route. limiterStorage may be nil, in which case the
// limiters keep their counters in process memory.
func Setup(
	app *fiber.App,
	cfg *config.Config,
	limiterStorage fiber.Storage,
	healthHandler *handlers.HealthHandler,
	webhookHandler *handlers.WebhookHandler,
	meetHandler *handlers.MeetHandler,
) {
	api := app.Group("/api")

	// Health (public)
	api.Get("/health", healthHandler.Check)

	// Provider push notifications: authenticated per channel by token (no JWT).
	// A 429 makes the provider retry, so the ceiling only guards against floods.
	webhooks := api.Group("/webhooks")
	webhooks.Use(limiter.New(limiter.Config{
		Max:               webhookRateLimit,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      webhookLimiterKey,
		Storage:           limiterStorage,
	}))
	webhooks.Post("/meet", webhookHandler.Receive)

	// Meet RPC surface (JWT required): 60 req/min per IP
	meet := api.Group("/meet", middleware.JWTProtected(cfg))
	meet.Use(limiter.New(limiter.Config{
		Max:               60,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return "meet:" + c.IP() },
		Storage:           limiterStorage,
	}))
	meet.Post("/subscriptions/:meeting", meetHandler.CreateSubscription)
	meet.Get("/subscriptions/:meeting", meetHandler.CheckStatus)
	meet.Post("/subscriptions/:meeting/renew", meetHandler.Renew)
	meet.Delete("/subscriptions/:meeting", meetHandler.Cancel)
	meet.Post("/webhook/test", meetHandler.TestWebhook)
	meet.Get("/events/status", meetHandler.EventsStatus)
}
