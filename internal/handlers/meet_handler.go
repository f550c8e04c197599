package handlers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/dto"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/provider"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

type MeetHandler struct {
	api              services.MeetAPI
	admin            services.SubscriptionAdmin
	defaultThreshold time.Duration
}

func NewMeetHandler(api services.MeetAPI, admin services.SubscriptionAdmin, defaultThreshold time.Duration) *MeetHandler {
	return &MeetHandler{api: api, admin: admin, defaultThreshold: defaultThreshold}
}

func (h *MeetHandler) CreateSubscription(c *fiber.Ctx) error {
	params := dto.MeetingParams{Meeting: c.Params("meeting")}
	if err := validate.Struct(params); err != nil {
		return badRequest(c, "Invalid meeting name")
	}

	resp, err := h.api.CreateMeetSubscription(c.UserContext(), params.Meeting)
	if err != nil {
		return h.fail(c, params.Meeting, err)
	}

	slog.Info("meet subscription requested", "meeting_id", params.Meeting, "actor", middleware.Actor(c))
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *MeetHandler) CheckStatus(c *fiber.Ctx) error {
	params := dto.MeetingParams{Meeting: c.Params("meeting")}
	if err := validate.Struct(params); err != nil {
		return badRequest(c, "Invalid meeting name")
	}

	resp, err := h.api.CheckSubscriptionStatus(c.UserContext(), params.Meeting)
	if err != nil {
		return h.fail(c, params.Meeting, err)
	}
	return c.JSON(resp)
}

func (h *MeetHandler) Renew(c *fiber.Ctx) error {
	params := dto.RenewParams{Meeting: c.Params("meeting"), Threshold: h.defaultThreshold}
	if raw := c.Query("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return badRequest(c, "Invalid threshold duration")
		}
		params.Threshold = d
	}
	if err := validate.Struct(params); err != nil {
		return badRequest(c, "Invalid renew request")
	}

	resp, err := h.admin.RenewSubscription(c.UserContext(), params.Meeting, params.Threshold)
	if err != nil {
		return h.fail(c, params.Meeting, err)
	}
	return c.JSON(resp)
}

func (h *MeetHandler) Cancel(c *fiber.Ctx) error {
	params := dto.MeetingParams{Meeting: c.Params("meeting")}
	if err := validate.Struct(params); err != nil {
		return badRequest(c, "Invalid meeting name")
	}

	resp, err := h.admin.CancelSubscription(c.UserContext(), params.Meeting)
	if err != nil {
		return h.fail(c, params.Meeting, err)
	}

	slog.Info("meet subscription cancel requested",
		"meeting_id", params.Meeting,
		"actor", middleware.Actor(c),
		"warning", resp.Warning != "",
	)
	return c.JSON(resp)
}

func (h *MeetHandler) TestWebhook(c *fiber.Ctx) error {
	meeting := c.Query("meeting")
	resp, err := h.api.TestWebhookEndpoint(c.UserContext(), meeting)
	if err != nil {
		return h.fail(c, meeting, err)
	}
	return c.JSON(resp)
}

func (h *MeetHandler) EventsStatus(c *fiber.Ctx) error {
	resp, err := h.api.GetRecentEventsStatus(c.UserContext())
	if err != nil {
		return h.fail(c, "", err)
	}
	return c.JSON(resp)
}

// fail maps service errors to HTTP statuses. Anything unrecognised is
// returned to the app error handler, which reports it to Sentry.
func (h *MeetHandler) fail(c *fiber.Ctx, meeting string, err error) error {
	var pe *provider.ProviderError
	switch {
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrMeetingMissing),
		errors.Is(err, services.ErrNoActive):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: true, Message: err.Error()})
	case errors.Is(err, services.ErrAlreadyActive):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: true, Message: err.Error()})
	case errors.Is(err, services.ErrEventsDisabled):
		return c.Status(fiber.StatusPreconditionFailed).JSON(dto.ErrorResponse{Error: true, Message: err.Error()})
	case services.IsValidation(err):
		return badRequest(c, err.Error())
	case errors.As(err, &pe):
		slog.Warn("provider call failed", "meeting_id", meeting, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{
			Error: true, Message: "Provider error: " + pe.Message,
		})
	default:
		slog.Error("meet operation failed", "meeting_id", meeting, "request_id", requestID(c), "error", err)
		return err
	}
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: true, Message: message})
}
