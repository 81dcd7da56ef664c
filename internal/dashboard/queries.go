package dashboard

import (
	"fmt"
	"time"

	"github.com/zulandar/guidepost/internal/models"
	"gorm.io/gorm"
)

// StatusCount holds the number of a guide's conversations in one status.
type StatusCount struct {
	Status models.Status `json:"status"`
	Count  int64         `json:"count"`
}

// Summary is the guide-level overview shown on the operator console.
type Summary struct {
	Guide    string        `json:"guide"`
	Total    int64         `json:"total"`
	Unviewed int64         `json:"unviewed"`
	ByStatus []StatusCount `json:"by_status"`
}

// ConversationSummary returns per-status conversation counts for guideSlug.
func ConversationSummary(db *gorm.DB, guideSlug string) (Summary, error) {
	var rows []StatusCount
	if err := db.Model(&models.Conversation{}).
		Select("status, COUNT(*) AS count").
		Where("guide_slug = ?", guideSlug).
		Group("status").
		Order("status ASC").
		Scan(&rows).Error; err != nil {
		return Summary{}, fmt.Errorf("dashboard: summary: %w", err)
	}

	out := Summary{Guide: guideSlug, ByStatus: rows}
	for _, r := range rows {
		out.Total += r.Count
	}
	if err := db.Model(&models.Conversation{}).
		Where("guide_slug = ? AND status = ? AND viewed_by_operator = ?", guideSlug, models.StatusActive, false).
		Count(&out.Unviewed).Error; err != nil {
		return Summary{}, fmt.Errorf("dashboard: summary unviewed: %w", err)
	}
	if out.ByStatus == nil {
		out.ByStatus = []StatusCount{}
	}
	return out, nil
}

// StatusChangeRow is one entry of a conversation's status audit trail.
type StatusChangeRow struct {
	From   models.Status `json:"from"`
	To     models.Status `json:"to"`
	Actor  string        `json:"actor"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// StatusHistory returns the audit trail for one conversation, oldest first.
func StatusHistory(db *gorm.DB, conversationID string) ([]StatusChangeRow, error) {
	var changes []models.StatusChange
	if err := db.Where("conversation_id = ?", conversationID).
		Order("id ASC").Find(&changes).Error; err != nil {
		return nil, fmt.Errorf("dashboard: status history: %w", err)
	}

	rows := make([]StatusChangeRow, len(changes))
	for i, c := range changes {
		rows[i] = StatusChangeRow{
			From:   c.FromStatus,
			To:     c.ToStatus,
			Actor:  c.Actor,
			Reason: c.Reason,
			At:     c.CreatedAt,
		}
	}
	return rows, nil
}
