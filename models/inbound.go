package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	InboundReply     = "reply"
	InboundBounce    = "bounce"
	InboundAutoReply = "auto_reply"
	InboundUnknown   = "unknown"
)

// InboundEmail logs every message handed to reply/bounce ingestion.
type InboundEmail struct {
	gorm.Model
	Source    string `gorm:"not null;index" json:"source"` // imap, mailgun, sendgrid, postmark
	SourceKey string `gorm:"not null;uniqueIndex" json:"source_key"`
	SenderID  *uint  `gorm:"index" json:"sender_id,omitempty"`

	MessageID  string    `gorm:"index" json:"message_id"`
	InReplyTo  string    `json:"in_reply_to"`
	References string    `gorm:"type:text" json:"references"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `gorm:"not null" json:"received_at"`

	Classification string `gorm:"not null;index" json:"classification"` // reply, bounce, auto_reply, unknown
	SentEmailID    *uint  `gorm:"index" json:"sent_email_id,omitempty"`
	Outcome        string `json:"outcome"`
}
