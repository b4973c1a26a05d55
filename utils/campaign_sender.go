package utils

import (
	"context"
	"errors"
	"math"

	"outreach/models"

	"gorm.io/gorm"
)

var (
	ErrNoSenders        = errors.New("campaign has no verified senders")
	ErrNoSenderCapacity = errors.New("no senders with available capacity")
)

// SenderRotator assigns sending accounts to recipients of a campaign.
type SenderRotator struct {
	DB    *gorm.DB
	Quota QuotaCounter
}

func NewSenderRotator(db *gorm.DB, quota QuotaCounter) *SenderRotator {
	return &SenderRotator{DB: db, Quota: quota}
}

// CampaignSenders returns the verified accounts attached to a campaign.
func (r *SenderRotator) CampaignSenders(ctx context.Context, campaignID uint) ([]models.Sender, error) {
	var senders []models.Sender
	err := r.DB.WithContext(ctx).
		Joins("JOIN campaign_senders ON campaign_senders.sender_id = senders.id").
		Where("campaign_senders.campaign_id = ? AND senders.smtp_verified = ?", campaignID, true).
		Order("senders.id").
		Find(&senders).Error
	return senders, err
}

// RotateSender selects the campaign sender with the most capacity left on
// day. Accounts without a daily limit rank first; ties go to the lowest id.
// exclude lists accounts already known to be unusable this tick.
func (r *SenderRotator) RotateSender(ctx context.Context, campaignID uint, day string, exclude map[uint]bool) (*models.Sender, error) {
	senders, err := r.CampaignSenders(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, ErrNoSenders
	}

	var best *models.Sender
	bestAvailable := 0
	for i := range senders {
		s := &senders[i]
		if exclude[s.ID] {
			continue
		}

		available := math.MaxInt
		if s.DailyLimit > 0 {
			used, err := r.Quota.Count(ctx, SenderQuotaKey(s.ID, day))
			if err != nil {
				return nil, err
			}
			available = s.DailyLimit - used
		}
		if available > bestAvailable {
			bestAvailable = available
			best = s
		}
	}

	if best == nil {
		return nil, ErrNoSenderCapacity
	}
	return best, nil
}
