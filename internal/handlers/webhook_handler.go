package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/dto"
	"github.com/ahmetcoskunkizilkaya/meetsub/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pubSubSchemaURL = "https://meetsub.local/schemas/pubsub_push.json"

// pubSubSchema describes the Pub/Sub push envelope. The channel reference
// travels in the CloudEvents ce-source attribute.
const pubSubSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {
			"type": "object",
			"required": ["attributes"],
			"properties": {
				"data": {"type": "string"},
				"messageId": {"type": "string"},
				"publishTime": {"type": "string"},
				"attributes": {
					"type": "object",
					"required": ["ce-source"],
					"properties": {
						"ce-source": {"type": "string", "minLength": 1}
					},
					"additionalProperties": {"type": "string"}
				}
			}
		},
		"subscription": {"type": "string"}
	}
}`

type Ingester interface {
	Ingest(ctx context.Context, n services.Notification) (*services.IngestResult, error)
}

type WebhookHandler struct {
	receiver Ingester
	envelope *jsonschema.Schema
}

func NewWebhookHandler(receiver Ingester) (*WebhookHandler, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pubSubSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(pubSubSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add envelope schema: %w", err)
	}
	schema, err := compiler.Compile(pubSubSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}
	return &WebhookHandler{receiver: receiver, envelope: schema}, nil
}

// Receive answers 200 for every well-formed notification, including rejected
// and duplicate ones, so the provider never retries them. Only structurally
// malformed requests get 400.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	n, err := h.parse(c)
	if err != nil {
		slog.Warn("malformed meet webhook", "error", err, "request_id", requestID(c))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Malformed notification",
		})
	}

	result, err := h.receiver.Ingest(c.UserContext(), n)
	if err != nil {
		if services.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error: true, Message: "Malformed notification",
			})
		}
		slog.Error("webhook processing failed",
			"subscription_id", n.SubscriptionRef,
			"request_id", requestID(c),
			"error", err,
		)
		return err
	}

	return c.Status(result.StatusCode).JSON(dto.WebhookAckResponse{
		Status:     string(result.Status),
		EventLogID: result.EventLogID.String(),
		Received:   true,
	})
}

func (h *WebhookHandler) parse(c *fiber.Ctx) (services.Notification, error) {
	if ref := c.Get(services.HeaderChannelID); ref != "" {
		return services.Notification{
			SubscriptionRef:  ref,
			Token:            c.Get(services.HeaderChannelToken),
			EventID:          c.Get(services.HeaderMessageNumber),
			ResourceRevision: c.Get(services.HeaderResourceID),
			EventType:        c.Get(services.HeaderResourceState),
			ConferenceID:     services.ConferenceID(c.Body()),
			Headers:          notificationHeaders(c),
			Payload:          append([]byte(nil), c.Body()...),
		}, nil
	}
	return h.parseEnvelope(c)
}

func (h *WebhookHandler) parseEnvelope(c *fiber.Ctx) (services.Notification, error) {
	body := c.Body()
	if len(body) == 0 {
		return services.Notification{}, errors.New("no channel headers and empty body")
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return services.Notification{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := h.envelope.Validate(inst); err != nil {
		return services.Notification{}, fmt.Errorf("invalid envelope: %w", err)
	}

	var push dto.PubSubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return services.Notification{}, fmt.Errorf("invalid envelope: %w", err)
	}

	attrs := push.Message.Attributes
	eventID := attrs["ce-id"]
	if eventID == "" {
		eventID = push.Message.MessageID
	}
	payload := []byte(push.Message.Data)
	if decoded, err := base64.StdEncoding.DecodeString(push.Message.Data); err == nil {
		payload = decoded
	}

	headers := notificationHeaders(c)
	if push.Subscription != "" {
		headers["pubsub-subscription"] = push.Subscription
	}
	return services.Notification{
		SubscriptionRef:  attrs["ce-source"],
		Token:            c.Query("token"),
		EventID:          eventID,
		ResourceRevision: attrs["ce-time"],
		EventType:        attrs["ce-type"],
		ConferenceID:     services.ConferenceID(payload),
		Headers:          headers,
		Payload:          payload,
	}, nil
}

// notificationHeaders keeps the provider headers worth auditing.
func notificationHeaders(c *fiber.Ctx) map[string]string {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if strings.HasPrefix(strings.ToLower(k), "x-goog-") || strings.EqualFold(k, "User-Agent") || strings.EqualFold(k, "Content-Type") {
			headers[k] = string(value)
		}
	})
	return headers
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}
