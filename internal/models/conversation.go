package models

import "time"

// Status is the lifecycle status of a conversation record.
type Status string

const (
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
	StatusPending  Status = "pending"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusPending, StatusArchived:
		return true
	}
	return false
}

// Conversation is the shared record a visitor and an operator both write to.
// Messages are append-only; the document as a whole is last-write-wins, so
// every writer appends against the latest stored snapshot.
type Conversation struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	GuideSlug        string    `gorm:"size:64;not null;index" json:"guide_slug"`
	VisitorName      string    `gorm:"size:80" json:"visitor_name,omitempty"`
	VisitorContact   string    `gorm:"size:128" json:"visitor_contact,omitempty"`
	Status           Status    `gorm:"size:16;default:active;index" json:"status"`
	ViewedByOperator bool      `gorm:"default:false" json:"viewed_by_operator"`
	Messages         Messages  `gorm:"type:mediumtext" json:"messages"`
	Version          int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone returns a deep copy, so snapshots handed to subscribers cannot alias
// the stored message slice.
func (c Conversation) Clone() Conversation {
	c.Messages = c.Messages.Clone()
	return c
}

// StatusChange records who changed a conversation's status and why.
type StatusChange struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"size:36;not null;index"`
	FromStatus     Status    `gorm:"size:16"`
	ToStatus       Status    `gorm:"size:16;not null"`
	Actor          string    `gorm:"size:64;not null"` // "visitor", "operator:<name>", "system"
	Reason         string    `gorm:"size:256"`
	CreatedAt      time.Time
}
