package services

// Channel push headers set by the provider on every notification.
const (
	HeaderChannelID      = "X-Goog-Channel-ID"
	HeaderChannelToken   = "X-Goog-Channel-Token"
	HeaderMessageNumber  = "X-Goog-Message-Number"
	HeaderResourceState  = "X-Goog-Resource-State"
	HeaderResourceID     = "X-Goog-Resource-ID"
	HeaderChannelExpires = "X-Goog-Channel-Expiration"
)
