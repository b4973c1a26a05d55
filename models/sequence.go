package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceStep is one email of a campaign sequence. Step numbers are 1-based
// and contiguous within a campaign.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_step_campaign_number" json:"campaign_id"`
	StepNumber int  `gorm:"not null;uniqueIndex:idx_step_campaign_number" json:"step_number"`

	// An empty subject threads the step under the previous one as "Re: ..."
	Subject    string `json:"subject"`
	Body       string `gorm:"type:text" json:"body"`
	DelayDays  int    `gorm:"not null;default:0" json:"delay_days"`
	DelayHours int    `gorm:"not null;default:0" json:"delay_hours"`

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`

	// Relations
	Variants []StepVariant `gorm:"foreignKey:StepID" json:"variants,omitempty"`
}

// Delay is the wait between the reference time and this step's send.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// StepVariant is an A/B alternative of a step with its own counters.
type StepVariant struct {
	gorm.Model
	StepID uint   `gorm:"not null;index" json:"step_id"`
	Label  string `gorm:"not null" json:"label"`

	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`
	Weight  int    `gorm:"default:0" json:"weight"` // 0 means equal share

	SentCount   int `gorm:"default:0" json:"sent_count"`
	OpenCount   int `gorm:"default:0" json:"open_count"`
	ClickCount  int `gorm:"default:0" json:"click_count"`
	ReplyCount  int `gorm:"default:0" json:"reply_count"`
	BounceCount int `gorm:"default:0" json:"bounce_count"`
}
