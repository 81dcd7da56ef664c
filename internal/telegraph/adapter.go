// Package telegraph posts conversation events to operator chat channels
// (Slack, Discord, etc.).
package telegraph

import "context"

// Adapter is the interface that platform-specific implementations must satisfy.
// Adapters are send-only: operators answer in the dashboard, not in chat.
type Adapter interface {
	// Platform names the chat platform, e.g. "slack".
	Platform() string

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close releases the adapter's connection.
	Close() error
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // target channel; empty uses the adapter default
	Text      string           // message text (platform-native formatting)
	Events    []FormattedEvent // structured event attachments
}

// FormattedEvent represents a conversation event formatted for display in chat.
type FormattedEvent struct {
	Title    string  // event headline (e.g. "Ana is waiting for an operator")
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint (e.g. "#36a64f" for success)
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}
