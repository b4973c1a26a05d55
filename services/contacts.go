package services

import (
	"context"
	"strings"
	"time"

	"outreach/models"
	"outreach/utils"

	"gorm.io/gorm"
)

// ContactSource reads contact data for merge fields.
type ContactSource interface {
	MergeData(ctx context.Context, leadID uint) (utils.MergeData, error)
}

// HistoryWriter appends to a contact's activity trail.
type HistoryWriter interface {
	Record(ctx context.Context, activity models.LeadActivity) error
}

// LeadStore serves both collaborators from the leads tables.
type LeadStore struct {
	DB *gorm.DB
}

func NewLeadStore(db *gorm.DB) *LeadStore {
	return &LeadStore{DB: db}
}

func (s *LeadStore) MergeData(ctx context.Context, leadID uint) (utils.MergeData, error) {
	var lead models.Lead
	if err := s.DB.WithContext(ctx).Preload("CustomFields").First(&lead, leadID).Error; err != nil {
		return nil, err
	}

	data := utils.MergeData{
		"email":      lead.Email,
		"first_name": lead.FirstName,
		"last_name":  lead.LastName,
		"full_name":  strings.TrimSpace(lead.FirstName + " " + lead.LastName),
		"company":    lead.Company,
		"position":   lead.Position,
		"phone":      lead.Phone,
		"website":    lead.Website,
	}
	for _, f := range lead.CustomFields {
		key := strings.ToLower(strings.TrimSpace(f.Name))
		if key == "" {
			continue
		}
		if _, builtin := data[key]; builtin {
			continue
		}
		data[key] = f.Value
	}
	return data, nil
}

func (s *LeadStore) Record(ctx context.Context, activity models.LeadActivity) error {
	if activity.ActivityAt.IsZero() {
		activity.ActivityAt = time.Now().UTC()
	}
	return s.DB.WithContext(ctx).Create(&activity).Error
}
