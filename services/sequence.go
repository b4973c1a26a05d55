package services

import (
	"context"
	"fmt"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sequence owns every status and step transition of a recipient. All
// writes are conditional updates; a zero rows-affected result means another
// actor got there first.
type Sequence struct {
	DB       *gorm.DB
	Notifier *Notifier
	Now      func() time.Time
}

func NewSequence(db *gorm.DB, notifier *Notifier) *Sequence {
	return &Sequence{DB: db, Notifier: notifier, Now: time.Now}
}

func (s *Sequence) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// NextDue is reference plus the step delay.
func NextDue(reference time.Time, step *models.SequenceStep) time.Time {
	return reference.Add(step.Delay()).UTC()
}

// LoadSteps returns the campaign's steps ordered by number, variants included.
func LoadSteps(ctx context.Context, db *gorm.DB, campaignID uint) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := db.WithContext(ctx).
		Preload("Variants", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Where("campaign_id = ?", campaignID).
		Order("step_number").
		Find(&steps).Error
	return steps, err
}

type EnrollResult struct {
	Enrolled   int    `json:"enrolled"`
	Duplicates int    `json:"duplicates"`
	Suppressed []uint `json:"suppressed"`
	Invalid    []uint `json:"invalid"`
}

// Enroll creates one active recipient per lead. Leads already enrolled are
// skipped; unsubscribed, bounced and do-not-contact leads are suppressed.
func (s *Sequence) Enroll(ctx context.Context, campaign *models.Campaign, leadIDs []uint) (*EnrollResult, error) {
	if campaign.Status == models.CampaignCompleted {
		return nil, fmt.Errorf("%w: campaign is completed", ErrInvalidTransition)
	}

	steps, err := LoadSteps(ctx, s.DB, campaign.ID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	var leads []models.Lead
	if err := s.DB.WithContext(ctx).
		Where("organization_id = ? AND id IN ?", campaign.OrganizationID, leadIDs).
		Find(&leads).Error; err != nil {
		return nil, err
	}

	found := make(map[uint]bool, len(leads))
	result := &EnrollResult{}
	now := s.now()
	due := NextDue(now, &steps[0])

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, lead := range leads {
			found[lead.ID] = true
			if lead.IsUnsubscribed || lead.IsBounced || lead.IsDoNotContact {
				result.Suppressed = append(result.Suppressed, lead.ID)
				continue
			}
			if err := utils.ValidateEmailFormat(lead.Email); err != nil {
				result.Invalid = append(result.Invalid, lead.ID)
				continue
			}

			r := models.Recipient{
				CampaignID:     campaign.ID,
				LeadID:         lead.ID,
				OrganizationID: campaign.OrganizationID,
				Email:          utils.NormalizeEmail(lead.Email),
				Status:         models.RecipientActive,
				CurrentStep:    1,
				NextDueAt:      &due,
				EnrolledAt:     now,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&r)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				result.Duplicates++
				continue
			}
			result.Enrolled++
		}

		if result.Enrolled > 0 {
			return tx.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
				Update("total_recipients", gorm.Expr("total_recipients + ?", result.Enrolled)).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range leadIDs {
		if !found[id] {
			result.Invalid = append(result.Invalid, id)
		}
	}
	return result, nil
}

// Claim leases a due active recipient to one worker. ok is false when the
// recipient is not due, not active or already leased.
func (s *Sequence) Claim(ctx context.Context, recipientID uint, now time.Time, lease time.Duration) (token string, ok bool, err error) {
	now = now.UTC()
	token = uuid.NewString()
	until := now.Add(lease)

	res := s.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("id = ? AND status = ? AND next_due_at IS NOT NULL AND next_due_at <= ?", recipientID, models.RecipientActive, now).
		Where("(claim_token = '' OR claim_token IS NULL OR claimed_until IS NULL OR claimed_until < ?)", now).
		Updates(map[string]interface{}{
			"claim_token":   token,
			"claimed_until": until,
		})
	if res.Error != nil {
		return "", false, res.Error
	}
	if res.RowsAffected == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops a claim without touching NextDueAt, so the recipient is
// picked up again on a later tick.
func (s *Sequence) Release(ctx context.Context, recipientID uint, token string) error {
	return s.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("id = ? AND claim_token = ?", recipientID, token).
		Updates(map[string]interface{}{
			"claim_token":   "",
			"claimed_until": nil,
		}).Error
}

// advance moves a claimed recipient past its current step. reference is
// the actual send time, or now when the step was skipped. completed reports
// whether that was the last step.
func (s *Sequence) advance(db *gorm.DB, r *models.Recipient, token string, reference time.Time, sent bool, steps []models.SequenceStep) (completed bool, err error) {
	reference = reference.UTC()
	n := r.CurrentStep

	updates := map[string]interface{}{
		"current_step":    n + 1,
		"claim_token":     "",
		"claimed_until":   nil,
		"failed_attempts": 0,
		"last_error":      "",
	}
	if sent {
		updates["last_sent_at"] = reference
	}

	var due *time.Time
	if n >= len(steps) {
		completed = true
		updates["status"] = models.RecipientCompleted
		updates["completed_at"] = reference
		updates["next_due_at"] = nil
	} else {
		next := NextDue(reference, &steps[n])
		due = &next
		updates["next_due_at"] = next
	}

	res := db.Model(&models.Recipient{}).
		Where("id = ? AND status = ? AND current_step = ? AND claim_token = ?", r.ID, models.RecipientActive, n, token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ErrClaimLost
	}

	r.CurrentStep = n + 1
	r.NextDueAt = due
	r.ClaimToken = ""
	r.ClaimedUntil = nil
	if sent {
		r.LastSentAt = &reference
	}
	if completed {
		r.Status = models.RecipientCompleted
		r.CompletedAt = &reference
	}
	return completed, nil
}

// Advance records that step CurrentStep went out at sentAt.
func (s *Sequence) Advance(ctx context.Context, r *models.Recipient, token string, sentAt time.Time, steps []models.SequenceStep) (bool, error) {
	completed, err := s.advance(s.DB.WithContext(ctx), r, token, sentAt, true, steps)
	if err == nil && completed {
		s.fireCompleted(r)
	}
	return completed, err
}

// SkipStep advances without a send; the next delay counts from now.
func (s *Sequence) SkipStep(ctx context.Context, r *models.Recipient, token string, steps []models.SequenceStep) (bool, error) {
	completed, err := s.advance(s.DB.WithContext(ctx), r, token, s.now(), false, steps)
	if err == nil && completed {
		s.fireCompleted(r)
	}
	return completed, err
}

func (s *Sequence) fireCompleted(r *models.Recipient) {
	s.Notifier.Fire(AutomationEvent{
		Kind:           EventCompleted,
		OrganizationID: r.OrganizationID,
		RecipientID:    r.ID,
		CampaignID:     r.CampaignID,
		LeadID:         r.LeadID,
		OccurredAt:     s.now(),
	})
}

// RecordFailure counts a failed dispatch and releases the claim. Once the
// count reaches maxAttempts the recipient is paused for operator attention.
func (s *Sequence) RecordFailure(ctx context.Context, recipientID uint, token, reason string, maxAttempts int) (paused bool, err error) {
	db := s.DB.WithContext(ctx)
	res := db.Model(&models.Recipient{}).
		Where("id = ? AND claim_token = ?", recipientID, token).
		Updates(map[string]interface{}{
			"failed_attempts": gorm.Expr("failed_attempts + 1"),
			"last_error":      truncate(reason, 1000),
			"claim_token":     "",
			"claimed_until":   nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 || maxAttempts <= 0 {
		return false, nil
	}

	res = db.Model(&models.Recipient{}).
		Where("id = ? AND status = ? AND failed_attempts >= ?", recipientID, models.RecipientActive, maxAttempts).
		Updates(map[string]interface{}{
			"status":      models.RecipientPaused,
			"next_due_at": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PauseWithError parks a claimed recipient after a permanent failure.
func (s *Sequence) PauseWithError(ctx context.Context, recipientID uint, token, reason string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("id = ? AND status = ? AND claim_token = ?", recipientID, models.RecipientActive, token).
		Updates(map[string]interface{}{
			"status":        models.RecipientPaused,
			"next_due_at":   nil,
			"last_error":    truncate(reason, 1000),
			"claim_token":   "",
			"claimed_until": nil,
		})
	return res.RowsAffected == 1, res.Error
}

// stop applies a terminal transition. Only the first terminal event for a
// recipient returns true.
func (s *Sequence) stop(db *gorm.DB, recipientID uint, status string, at time.Time) (bool, error) {
	switch status {
	case models.RecipientReplied, models.RecipientBounced, models.RecipientUnsubscribed:
	default:
		return false, fmt.Errorf("%w: cannot stop with %q", ErrInvalidTransition, status)
	}

	res := db.Model(&models.Recipient{}).
		Where("id = ? AND status IN ?", recipientID, []string{models.RecipientActive, models.RecipientPaused}).
		Updates(map[string]interface{}{
			"status":        status,
			"stopped_at":    at.UTC(),
			"next_due_at":   nil,
			"claim_token":   "",
			"claimed_until": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Sequence) Stop(ctx context.Context, recipientID uint, status string) (bool, error) {
	return s.stop(s.DB.WithContext(ctx), recipientID, status, s.now())
}

// Pause takes an active recipient out of scheduling.
func (s *Sequence) Pause(ctx context.Context, recipientID uint) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("id = ? AND status = ?", recipientID, models.RecipientActive).
		Updates(map[string]interface{}{
			"status":        models.RecipientPaused,
			"next_due_at":   nil,
			"claim_token":   "",
			"claimed_until": nil,
		})
	return res.RowsAffected == 1, res.Error
}

// Resume reactivates a paused recipient at its current step. Sends missed
// while paused are not caught up: the step is due at the later of now and
// its regular due time.
func (s *Sequence) Resume(ctx context.Context, recipientID uint) (*models.Recipient, error) {
	db := s.DB.WithContext(ctx)

	var r models.Recipient
	if err := db.First(&r, recipientID).Error; err != nil {
		return nil, err
	}
	if r.Status != models.RecipientPaused {
		return nil, fmt.Errorf("%w: recipient is %s", ErrInvalidTransition, r.Status)
	}

	steps, err := LoadSteps(ctx, s.DB, r.CampaignID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	now := s.now()
	reference := r.EnrolledAt
	if r.LastSentAt != nil {
		reference = *r.LastSentAt
	}

	updates := map[string]interface{}{
		"status":          models.RecipientActive,
		"failed_attempts": 0,
		"last_error":      "",
	}
	if r.CurrentStep > len(steps) {
		// steps were removed while paused
		updates["status"] = models.RecipientCompleted
		updates["completed_at"] = now
		updates["next_due_at"] = nil
	} else {
		due := NextDue(reference, &steps[r.CurrentStep-1])
		if due.Before(now) {
			due = now
		}
		updates["next_due_at"] = due
	}

	res := db.Model(&models.Recipient{}).
		Where("id = ? AND status = ?", r.ID, models.RecipientPaused).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: recipient changed concurrently", ErrInvalidTransition)
	}

	if err := db.First(&r, recipientID).Error; err != nil {
		return nil, err
	}
	if r.Status == models.RecipientCompleted {
		s.fireCompleted(&r)
	}
	return &r, nil
}

// LoadRecipient fetches a recipient scoped to an organization.
func (s *Sequence) LoadRecipient(ctx context.Context, orgID, recipientID uint) (*models.Recipient, error) {
	var r models.Recipient
	if err := s.DB.WithContext(ctx).Where("organization_id = ?", orgID).First(&r, recipientID).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
