package dto

// PubSubPush is the envelope a Pub/Sub push subscription POSTs to the
// webhook endpoint. CloudEvents attributes carry the channel reference.
type PubSubPush struct {
	Message      PubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

type PubSubMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
	Attributes  map[string]string `json:"attributes"`
}

type WebhookAckResponse struct {
	Status     string `json:"status"`
	EventLogID string `json:"event_log_id,omitempty"`
	Received   bool   `json:"received"`
}
