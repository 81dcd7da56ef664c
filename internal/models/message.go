package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who wrote a message.
type Sender string

const (
	FromVisitor  Sender = "visitor"
	FromOperator Sender = "operator"
	FromSystem   Sender = "system"
)

// MessageMeta carries the flags that drive idempotent transitions.
// IsTransitionMessage and IsClosingMessage each appear at most once per
// conversation.
type MessageMeta struct {
	FromAIChat          bool `json:"fromAiChat,omitempty"`
	IsOperatorReply     bool `json:"isOperatorReply,omitempty"`
	IsTransitionMessage bool `json:"isTransitionMessage,omitempty"`
	IsClosingMessage    bool `json:"isClosingMessage,omitempty"`
}

// Message is a single entry in a conversation.
type Message struct {
	From      Sender      `json:"from"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
	Read      bool        `json:"read"`
	Meta      MessageMeta `json:"metadata"`
}

// Messages is the ordered message list, stored as a JSON column.
type Messages []Message

// Value implements driver.Valuer.
func (m Messages) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]Message(m))
	if err != nil {
		return nil, fmt.Errorf("models: marshal messages: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *Messages) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("models: scan messages: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	var out []Message
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("models: unmarshal messages: %w", err)
	}
	*m = out
	return nil
}

// Clone returns a copy of the list.
func (m Messages) Clone() Messages {
	if m == nil {
		return nil
	}
	out := make(Messages, len(m))
	copy(out, m)
	return out
}

// HasTransition reports whether a transition message is present, either by
// flag or by an exact text match against text.
func (m Messages) HasTransition(text string) bool {
	for _, msg := range m {
		if msg.Meta.IsTransitionMessage {
			return true
		}
		if text != "" && msg.From == FromSystem && msg.Text == text {
			return true
		}
	}
	return false
}

// HasClosing reports whether a closing message is present.
func (m Messages) HasClosing() bool {
	for _, msg := range m {
		if msg.Meta.IsClosingMessage {
			return true
		}
	}
	return false
}

// HasAIExchange reports whether the list holds at least one AI-chat question
// from the visitor and one AI-chat answer.
func (m Messages) HasAIExchange() bool {
	var q, a bool
	for _, msg := range m {
		if !msg.Meta.FromAIChat {
			continue
		}
		if msg.From == FromVisitor {
			q = true
		} else {
			a = true
		}
	}
	return q && a
}
