package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Campaign is a multi-step outbound sequence owned by an organization.
type Campaign struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`
	UserID         uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Scheduling
	Status      string     `gorm:"not null;default:'draft';index" json:"status"` // draft, scheduled, active, paused, completed
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Sending policy
	DailyLimit        int      `gorm:"default:0" json:"daily_limit"` // 0 means only the account limits apply
	SendingDays       Weekdays `gorm:"type:varchar(64)" json:"sending_days"`
	SendingHoursStart int      `gorm:"default:0" json:"sending_hours_start"`
	SendingHoursEnd   int      `gorm:"not null" json:"sending_hours_end"`
	Timezone          string   `gorm:"default:'UTC'" json:"timezone"`

	StopOnReply             bool `gorm:"not null" json:"stop_on_reply"`
	StopOnBounce            bool `gorm:"not null" json:"stop_on_bounce"`
	TrackOpens              bool `gorm:"not null" json:"track_opens"`
	TrackClicks             bool `gorm:"not null" json:"track_clicks"`
	SkipStepOnTemplateError bool `gorm:"not null" json:"skip_step_on_template_error"`

	// Statistics (denormalized, only ever incremented)
	TotalRecipients  int `gorm:"default:0" json:"total_recipients"`
	SentCount        int `gorm:"default:0" json:"sent_count"`
	OpenCount        int `gorm:"default:0" json:"open_count"`
	UniqueOpenCount  int `gorm:"default:0" json:"unique_open_count"`
	ClickCount       int `gorm:"default:0" json:"click_count"`
	UniqueClickCount int `gorm:"default:0" json:"unique_click_count"`
	ReplyCount       int `gorm:"default:0" json:"reply_count"`
	BounceCount      int `gorm:"default:0" json:"bounce_count"`
	UnsubscribeCount int `gorm:"default:0" json:"unsubscribe_count"`
	FailedCount      int `gorm:"default:0" json:"failed_count"`

	// Relations
	Steps   []SequenceStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	Senders []Sender       `gorm:"many2many:campaign_senders;" json:"senders,omitempty"`
}

// Schedulable reports whether the scheduler may dispatch for this campaign at now.
func (c *Campaign) Schedulable(now time.Time) bool {
	switch c.Status {
	case CampaignActive:
		return true
	case CampaignScheduled:
		return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
	}
	return false
}
