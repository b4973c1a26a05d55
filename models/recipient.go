package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	RecipientActive       = "active"
	RecipientPaused       = "paused"
	RecipientReplied      = "replied"
	RecipientBounced      = "bounced"
	RecipientUnsubscribed = "unsubscribed"
	RecipientCompleted    = "completed"
)

// TerminalRecipientStatuses never transition back to active.
var TerminalRecipientStatuses = []string{
	RecipientReplied,
	RecipientBounced,
	RecipientUnsubscribed,
	RecipientCompleted,
}

// Recipient is the enrollment of one lead in one campaign.
type Recipient struct {
	gorm.Model
	CampaignID     uint   `gorm:"not null;uniqueIndex:idx_recipient_campaign_lead;index:idx_recipient_due,priority:1" json:"campaign_id"`
	LeadID         uint   `gorm:"not null;uniqueIndex:idx_recipient_campaign_lead" json:"lead_id"`
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`
	Email          string `gorm:"not null" json:"email"`
	SenderID       *uint  `gorm:"index" json:"sender_id"`

	Status      string     `gorm:"not null;default:'active';index:idx_recipient_due,priority:2" json:"status"` // active, paused, replied, bounced, unsubscribed, completed
	CurrentStep int        `gorm:"not null;default:1" json:"current_step"`                                      // next step to send
	NextDueAt   *time.Time `gorm:"index:idx_recipient_due,priority:3" json:"next_due_at"`

	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	LastSentAt  *time.Time `json:"last_sent_at"`
	CompletedAt *time.Time `json:"completed_at"`
	StoppedAt   *time.Time `json:"stopped_at"`

	FailedAttempts int    `gorm:"default:0" json:"failed_attempts"`
	LastError      string `json:"last_error,omitempty"`

	// Scheduler lease; a recipient with a live lease is not selected again
	ClaimToken   string     `gorm:"index" json:"-"`
	ClaimedUntil *time.Time `json:"-"`

	// Relations
	Campaign   Campaign    `json:"-"`
	SentEmails []SentEmail `gorm:"foreignKey:RecipientID" json:"sent_emails,omitempty"`
}

// IsTerminal reports whether the recipient reached a final state.
func (r *Recipient) IsTerminal() bool {
	return IsTerminalRecipientStatus(r.Status)
}

func IsTerminalRecipientStatus(status string) bool {
	for _, s := range TerminalRecipientStatuses {
		if s == status {
			return true
		}
	}
	return false
}
