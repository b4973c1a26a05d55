package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SentEmailSent    = "sent"
	SentEmailOpened  = "opened"
	SentEmailClicked = "clicked"
	SentEmailReplied = "replied"
	SentEmailBounced = "bounced"
)

// SentEmail is one dispatched message of a recipient's sequence.
type SentEmail struct {
	gorm.Model
	RecipientID uint  `gorm:"not null;index" json:"recipient_id"`
	CampaignID  uint  `gorm:"not null;index" json:"campaign_id"`
	StepID      uint  `gorm:"not null;index" json:"step_id"`
	StepNumber  int   `gorm:"not null" json:"step_number"`
	VariantID   *uint `gorm:"index" json:"variant_id"`
	SenderID    uint  `gorm:"not null;index" json:"sender_id"`
	LeadID      uint  `gorm:"not null;index" json:"lead_id"`

	TrackingID        string `gorm:"not null;uniqueIndex" json:"tracking_id"`
	MessageID         string `gorm:"not null;uniqueIndex" json:"message_id"`
	ProviderMessageID string `gorm:"index" json:"provider_message_id,omitempty"`
	ToEmail           string `gorm:"not null" json:"to_email"`
	Subject           string `json:"subject"`

	SentAt         time.Time  `gorm:"not null" json:"sent_at"`
	OpenedAt       *time.Time `json:"opened_at"`
	OpenCount      int        `gorm:"default:0" json:"open_count"`
	ClickedAt      *time.Time `json:"clicked_at"`
	ClickCount     int        `gorm:"default:0" json:"click_count"`
	RepliedAt      *time.Time `json:"replied_at"`
	BouncedAt      *time.Time `json:"bounced_at"`
	BounceType     string     `json:"bounce_type,omitempty"` // hard, soft
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`
	Status         string     `gorm:"not null;default:'sent'" json:"status"` // sent, opened, clicked, replied, bounced

	// Relations
	ClickEvents []ClickEvent `gorm:"foreignKey:SentEmailID" json:"click_events,omitempty"`
}

// ClickEvent is one recorded click; rows are append-only.
type ClickEvent struct {
	gorm.Model
	SentEmailID uint      `gorm:"not null;index" json:"sent_email_id"`
	URL         string    `gorm:"not null" json:"url"`
	ClickedAt   time.Time `gorm:"not null" json:"clicked_at"`
	IPAddress   string    `json:"ip_address"`
	UserAgent   string    `json:"user_agent"`
}

const (
	ErrorKindTemplate   = "TEMPLATE_ERROR"
	ErrorKindTransport  = "TRANSPORT_ERROR"
	ErrorKindUnverified = "ACCOUNT_UNVERIFIED"
)

// SendAttempt logs a dispatch that did not produce a SentEmail.
type SendAttempt struct {
	gorm.Model
	RecipientID uint      `gorm:"not null;index" json:"recipient_id"`
	CampaignID  uint      `gorm:"not null;index" json:"campaign_id"`
	SenderID    *uint     `gorm:"index" json:"sender_id"`
	StepNumber  int       `gorm:"not null" json:"step_number"`
	ErrorKind   string    `gorm:"not null;index" json:"error_kind"` // TEMPLATE_ERROR, TRANSPORT_ERROR, ACCOUNT_UNVERIFIED
	Error       string    `gorm:"type:text" json:"error"`
	AttemptedAt time.Time `gorm:"not null;index" json:"attempted_at"`
}

// Unsubscribe represents unsubscribe requests
type Unsubscribe struct {
	gorm.Model
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`
	Email          string `gorm:"not null;index" json:"email"`
	LeadID         *uint  `gorm:"index" json:"lead_id,omitempty"`
	CampaignID     *uint  `json:"campaign_id,omitempty"`
	SenderID       *uint  `json:"sender_id,omitempty"`

	Reason    string `json:"reason"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Bounce represents email bounce records
type Bounce struct {
	gorm.Model
	Email       string `gorm:"not null;index" json:"email"`
	CampaignID  *uint  `json:"campaign_id,omitempty"`
	SenderID    uint   `gorm:"not null;index" json:"sender_id"`
	SentEmailID uint   `gorm:"not null;uniqueIndex" json:"sent_email_id"`

	Type           string `gorm:"not null" json:"type"` // hard, soft
	Code           string `json:"code"`
	Message        string `gorm:"type:text" json:"message"`
	DiagnosticCode string `json:"diagnostic_code"`
}
