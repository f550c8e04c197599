package handlers

import (
	"context"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/dto"
	"github.com/gofiber/fiber/v2"
)

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	backend   string
	storePing Pinger
	redisPing Pinger
}

func NewHealthHandler(backend string, storePing, redisPing Pinger) *HealthHandler {
	return &HealthHandler{backend: backend, storePing: storePing, redisPing: redisPing}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	resp := dto.HealthResponse{
		Status:       "ok",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Store:        "ok",
		StoreBackend: h.backend,
	}
	if h.storePing != nil {
		if err := h.storePing(ctx); err != nil {
			resp.Status = "degraded"
			resp.Store = "unhealthy: " + err.Error()
		}
	}
	if h.redisPing != nil {
		resp.Redis = "ok"
		if err := h.redisPing(ctx); err != nil {
			resp.Status = "degraded"
			resp.Redis = "unhealthy: " + err.Error()
		}
	}
	return c.JSON(resp)
}
