package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`

	// Status
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContact *time.Time `json:"last_contact"`

	// Relations
	CustomFields []LeadCustomField `gorm:"foreignKey:LeadID" json:"custom_fields,omitempty"`
	Activities   []LeadActivity    `gorm:"foreignKey:LeadID" json:"activities,omitempty"`
}

// LeadCustomField represents custom fields for leads
type LeadCustomField struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Name   string `gorm:"not null;index" json:"name"`
	Value  string `gorm:"type:text" json:"value"`
}

// LeadActivity tracks all activities for a lead across campaigns
type LeadActivity struct {
	gorm.Model
	LeadID      uint  `gorm:"not null;index" json:"lead_id"`
	CampaignID  *uint `gorm:"index" json:"campaign_id,omitempty"`
	RecipientID *uint `json:"recipient_id,omitempty"`
	SenderID    *uint `json:"sender_id,omitempty"`

	ActivityType string    `gorm:"not null" json:"activity_type"` // sent, opened, clicked, replied, bounced, unsubscribed, completed
	ActivityAt   time.Time `gorm:"not null" json:"activity_at"`
	Details      string    `gorm:"type:text" json:"details"`
}
