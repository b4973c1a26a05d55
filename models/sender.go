package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`
	UserID         uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// Connection Type
	ProviderType string `gorm:"not null;default:'smtp'" json:"provider_type"` // smtp, sendgrid

	// ========= SMTP Configuration =========
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // Encrypted; holds the API key for sendgrid senders
	Encryption   string `json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= OAuth Configuration =========
	OAuthProvider     string     `gorm:"column:oauth_provider" json:"oauth_provider"` // google, microsoft
	OAuthToken        string     `gorm:"column:oauth_token" json:"-"`                 // Encrypted
	OAuthRefreshToken string     `gorm:"column:oauth_refresh_token" json:"-"`         // Encrypted
	OAuthExpiry       *time.Time `gorm:"column:oauth_expiry" json:"oauth_expiry"`

	// ========= Status & Verification =========
	SMTPVerified bool       `json:"smtp_verified" gorm:"default:false"`
	IMAPVerified bool       `json:"imap_verified" gorm:"default:false"`
	LastTestedAt *time.Time `json:"last_tested_at"`
	LastError    *string    `json:"last_error"`

	// ========= Usage Metrics =========
	DailyLimit  int `gorm:"not null" json:"daily_limit"` // 0 means unlimited
	TotalSent   int `gorm:"default:0" json:"total_sent"`
	ReplyCount  int `gorm:"default:0" json:"reply_count"`
	BounceCount int `gorm:"default:0" json:"bounce_count"`

	// ========= Inbox Sync Cursor =========
	// SyncCursor is the highest IMAP UID fully processed under SyncUIDValidity.
	// It only moves through a compare-and-set on SyncVersion.
	SyncUIDValidity uint32     `gorm:"default:0" json:"sync_uid_validity"`
	SyncCursor      uint32     `gorm:"default:0" json:"sync_cursor"`
	SyncVersion     int64      `gorm:"default:0" json:"-"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
}

// Sanitize strips secrets before the sender leaves the API.
func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
	s.OAuthToken = ""
	s.OAuthRefreshToken = ""
}

// HasInbox reports whether the account can be polled for replies.
func (s *Sender) HasInbox() bool {
	return s.IMAPHost != "" && s.IMAPUsername != ""
}
