package models

import (
	"time"

	"github.com/google/uuid"
)

type Channel struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	PlatformID          string        `json:"platform_id" db:"platform_id"`
	Name                string        `json:"name" db:"name"`
	URL                 string        `json:"url" db:"url"`
	Active              bool          `json:"active" db:"active"`
	PollInterval        time.Duration `json:"poll_interval" db:"poll_interval_seconds"`
	RetentionDays       *int          `json:"retention_days,omitempty" db:"retention_days"`
	LastCheckedAt       *time.Time    `json:"last_checked_at,omitempty" db:"last_checked_at"`
	LastLiveAt          *time.Time    `json:"last_live_at,omitempty" db:"last_live_at"`
	ConsecutiveFailures int           `json:"consecutive_failures" db:"consecutive_failures"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// RetentionFor returns the channel override when set, otherwise def.
func (c *Channel) RetentionFor(def int) int {
	if c != nil && c.RetentionDays != nil && *c.RetentionDays > 0 {
		return *c.RetentionDays
	}
	return def
}

type CreateChannelRequest struct {
	URL           string `json:"url" binding:"required"`
	PollInterval  string `json:"poll_interval,omitempty"`
	RetentionDays *int   `json:"retention_days,omitempty"`
}

type UpdateChannelRequest struct {
	Active        *bool   `json:"active,omitempty"`
	PollInterval  *string `json:"poll_interval,omitempty"`
	RetentionDays *int    `json:"retention_days,omitempty"`
}
