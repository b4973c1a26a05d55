package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Counters summarize the outcome of one tick for a campaign or an account.
type Counters struct {
	Sent     int            `json:"sent"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Deferred map[string]int `json:"deferred"`
}

func (c *Counters) addDeferral(reason string) {
	if c.Deferred == nil {
		c.Deferred = map[string]int{}
	}
	c.Deferred[reason]++
}

// TickReport is returned by every scheduler tick.
type TickReport struct {
	StartedAt          time.Time          `json:"started_at"`
	FinishedAt         time.Time          `json:"finished_at"`
	PromotedCampaigns  int                `json:"promoted_campaigns"`
	CompletedCampaigns int                `json:"completed_campaigns"`
	Campaigns          map[uint]*Counters `json:"campaigns"`
	Accounts           map[uint]*Counters `json:"accounts"`

	mu sync.Mutex
}

func newTickReport(now time.Time) *TickReport {
	return &TickReport{
		StartedAt: now,
		Campaigns: map[uint]*Counters{},
		Accounts:  map[uint]*Counters{},
	}
}

// record applies fn to the campaign counters and, when known, the account's.
func (r *TickReport) record(campaignID uint, senderID uint, fn func(c *Counters)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.Campaigns[campaignID]
	if !ok {
		c = &Counters{}
		r.Campaigns[campaignID] = c
	}
	fn(c)

	if senderID == 0 {
		return
	}
	a, ok := r.Accounts[senderID]
	if !ok {
		a = &Counters{}
		r.Accounts[senderID] = a
	}
	fn(a)
}

// Totals sums the per-campaign counters.
func (r *TickReport) Totals() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t Counters
	for _, c := range r.Campaigns {
		t.Sent += c.Sent
		t.Failed += c.Failed
		t.Skipped += c.Skipped
		for reason, n := range c.Deferred {
			if t.Deferred == nil {
				t.Deferred = map[string]int{}
			}
			t.Deferred[reason] += n
		}
	}
	return t
}

// Scheduler finds due recipients and fans them out to the executor.
type Scheduler struct {
	DB          *gorm.DB
	Sequence    *Sequence
	Executor    *Executor
	Rotator     *utils.SenderRotator
	Quota       utils.QuotaCounter
	Concurrency int
	BatchSize   int
	Lease       time.Duration
	Now         func() time.Time
	Log         *logrus.Entry
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// tickState is shared by the workers of one tick.
type tickState struct {
	report *TickReport

	mu      sync.Mutex
	flagged map[uint]bool // accounts found unverified during this tick
}

func (t *tickState) flag(senderID uint) {
	t.mu.Lock()
	t.flagged[senderID] = true
	t.mu.Unlock()
}

func (t *tickState) isFlagged(senderID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flagged[senderID]
}

func (t *tickState) snapshot() map[uint]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint]bool, len(t.flagged))
	for k, v := range t.flagged {
		out[k] = v
	}
	return out
}

// Tick runs one scheduling pass. It is safe to call concurrently with
// itself: claims keep two ticks from sending the same step.
func (s *Scheduler) Tick(ctx context.Context) (*TickReport, error) {
	now := s.now()
	report := newTickReport(now)
	state := &tickState{report: report, flagged: map[uint]bool{}}

	defer func() {
		report.FinishedAt = s.now()
		utils.TickDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}()

	promoted, err := s.promoteScheduled(ctx, now)
	if err != nil {
		return report, fmt.Errorf("promote scheduled campaigns: %w", err)
	}
	report.PromotedCampaigns = promoted

	var campaigns []models.Campaign
	if err := s.DB.WithContext(ctx).Where("status = ?", models.CampaignActive).Order("id").Find(&campaigns).Error; err != nil {
		return report, fmt.Errorf("list active campaigns: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))

	for i := range campaigns {
		campaign := &campaigns[i]

		steps, err := LoadSteps(ctx, s.DB, campaign.ID)
		if err != nil {
			s.Log.WithError(err).WithField("campaign_id", campaign.ID).Error("Failed to load steps")
			continue
		}
		if len(steps) == 0 {
			continue
		}

		ids, err := s.dueRecipients(ctx, campaign.ID, now)
		if err != nil {
			s.Log.WithError(err).WithField("campaign_id", campaign.ID).Error("Failed to select due recipients")
			continue
		}

		for _, id := range ids {
			g.Go(func() error {
				s.safeProcess(gctx, state, campaign, steps, id, now)
				return nil
			})
		}
	}
	_ = g.Wait()

	completed, err := s.completeFinished(ctx, campaigns, now)
	if err != nil {
		s.Log.WithError(err).Error("Failed to complete finished campaigns")
	}
	report.CompletedCampaigns = completed

	totals := report.Totals()
	s.Log.WithFields(logrus.Fields{
		"sent":     totals.Sent,
		"failed":   totals.Failed,
		"skipped":  totals.Skipped,
		"deferred": totals.Deferred,
	}).Info("Scheduler tick finished")
	return report, nil
}

func (s *Scheduler) promoteScheduled(ctx context.Context, now time.Time) (int, error) {
	res := s.DB.WithContext(ctx).Model(&models.Campaign{}).
		Where("status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)", models.CampaignScheduled, now).
		Updates(map[string]interface{}{
			"status":     models.CampaignActive,
			"started_at": now,
		})
	return int(res.RowsAffected), res.Error
}

func (s *Scheduler) dueRecipients(ctx context.Context, campaignID uint, now time.Time) ([]uint, error) {
	var ids []uint
	err := s.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("campaign_id = ? AND status = ? AND next_due_at IS NOT NULL AND next_due_at <= ?", campaignID, models.RecipientActive, now).
		Where("(claim_token = '' OR claim_token IS NULL OR claimed_until IS NULL OR claimed_until < ?)", now).
		Order("next_due_at, id").
		Limit(max(s.BatchSize, 1)).
		Pluck("id", &ids).Error
	return ids, err
}

// completeFinished closes active campaigns whose recipients are all terminal.
func (s *Scheduler) completeFinished(ctx context.Context, campaigns []models.Campaign, now time.Time) (int, error) {
	done := 0
	for _, c := range campaigns {
		var open int64
		err := s.DB.WithContext(ctx).Model(&models.Recipient{}).
			Where("campaign_id = ? AND status IN ?", c.ID, []string{models.RecipientActive, models.RecipientPaused}).
			Count(&open).Error
		if err != nil {
			return done, err
		}
		if open > 0 {
			continue
		}
		var total int64
		if err := s.DB.WithContext(ctx).Model(&models.Recipient{}).Where("campaign_id = ?", c.ID).Count(&total).Error; err != nil {
			return done, err
		}
		if total == 0 {
			continue
		}

		res := s.DB.WithContext(ctx).Model(&models.Campaign{}).
			Where("id = ? AND status = ?", c.ID, models.CampaignActive).
			Updates(map[string]interface{}{
				"status":       models.CampaignCompleted,
				"completed_at": now,
			})
		if res.Error != nil {
			return done, res.Error
		}
		if res.RowsAffected == 1 {
			done++
			utils.LogEvent("campaign_completed", map[string]interface{}{"campaign_id": c.ID})
		}
	}
	return done, nil
}

func (s *Scheduler) safeProcess(ctx context.Context, state *tickState, campaign *models.Campaign, steps []models.SequenceStep, recipientID uint, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			utils.LogError("scheduler_recipient_panic", err, map[string]interface{}{
				"recipient_id": recipientID,
				"campaign_id":  campaign.ID,
				"stack":        string(debug.Stack()),
			})
			state.report.record(campaign.ID, 0, func(c *Counters) { c.Failed++ })
		}
	}()

	if err := s.process(ctx, state, campaign, steps, recipientID, now); err != nil {
		s.Log.WithError(err).WithFields(logrus.Fields{
			"recipient_id": recipientID,
			"campaign_id":  campaign.ID,
		}).Error("Failed to process recipient")
	}
}

func (s *Scheduler) process(ctx context.Context, state *tickState, campaign *models.Campaign, steps []models.SequenceStep, recipientID uint, now time.Time) error {
	token, ok, err := s.Sequence.Claim(ctx, recipientID, now, s.Lease)
	if err != nil || !ok {
		return err
	}

	var recipient models.Recipient
	if err := s.DB.WithContext(ctx).First(&recipient, recipientID).Error; err != nil {
		_ = s.Sequence.Release(ctx, recipientID, token)
		return err
	}

	day := utils.LocalDay(campaign.Timezone, now)
	accountDay := utils.AccountDay(now)
	sender, err := s.resolveSender(ctx, state, campaign, &recipient, accountDay)
	if err != nil {
		_ = s.Sequence.Release(ctx, recipientID, token)
		switch {
		case errors.Is(err, utils.ErrNoSenderCapacity):
			s.deferred(state, campaign.ID, 0, utils.ReasonQuotaExceeded)
			return nil
		case errors.Is(err, utils.ErrNoSenders), errors.Is(err, ErrAccountUnverified):
			var senderID uint
			if recipient.SenderID != nil {
				senderID = *recipient.SenderID
			}
			state.report.record(campaign.ID, senderID, func(c *Counters) { c.Skipped++ })
			return nil
		}
		return err
	}

	campaignKey := utils.CampaignQuotaKey(campaign.ID, day)
	senderKey := utils.SenderQuotaKey(sender.ID, accountDay)

	var usage utils.QuotaSnapshot
	if usage.CampaignSentToday, err = s.Quota.Count(ctx, campaignKey); err != nil {
		_ = s.Sequence.Release(ctx, recipientID, token)
		return err
	}
	if usage.AccountSentToday, err = s.Quota.Count(ctx, senderKey); err != nil {
		_ = s.Sequence.Release(ctx, recipientID, token)
		return err
	}

	decision := utils.EvaluateWindow(utils.PolicyFor(campaign, sender), usage, now)
	if !decision.Allowed {
		_ = s.Sequence.Release(ctx, recipientID, token)
		s.deferred(state, campaign.ID, sender.ID, decision.Reason)
		return nil
	}

	// the snapshot above can be stale under concurrency; reservation is the real gate
	reserved, err := s.Quota.Reserve(ctx, campaignKey, campaign.DailyLimit)
	if err != nil || !reserved {
		_ = s.Sequence.Release(ctx, recipientID, token)
		if err == nil {
			s.deferred(state, campaign.ID, sender.ID, utils.ReasonQuotaExceeded)
		}
		return err
	}
	reserved, err = s.Quota.Reserve(ctx, senderKey, sender.DailyLimit)
	if err != nil || !reserved {
		_ = s.Quota.Release(ctx, campaignKey)
		_ = s.Sequence.Release(ctx, recipientID, token)
		if err == nil {
			s.deferred(state, campaign.ID, sender.ID, utils.ReasonQuotaExceeded)
		}
		return err
	}

	_, err = s.Executor.Execute(ctx, &Dispatch{
		Campaign:     campaign,
		Steps:        steps,
		Recipient:    &recipient,
		ClaimToken:   token,
		Sender:       sender,
		Reservations: []utils.QuotaKey{campaignKey, senderKey},
	})

	var sendErr *SendError
	switch {
	case err == nil:
		state.report.record(campaign.ID, sender.ID, func(c *Counters) { c.Sent++ })
		return nil
	case errors.As(err, &sendErr) && sendErr.Kind == models.ErrorKindUnverified:
		state.flag(sender.ID)
		state.report.record(campaign.ID, sender.ID, func(c *Counters) { c.Skipped++ })
		utils.LogError("sender_unverified", err, map[string]interface{}{"sender_id": sender.ID})
		return nil
	case errors.As(err, &sendErr) && sendErr.Kind == models.ErrorKindTemplate:
		state.report.record(campaign.ID, sender.ID, func(c *Counters) { c.Skipped++ })
		return nil
	case errors.Is(err, ErrRecipientInactive), errors.Is(err, ErrClaimLost):
		state.report.record(campaign.ID, sender.ID, func(c *Counters) { c.Skipped++ })
		return nil
	default:
		state.report.record(campaign.ID, sender.ID, func(c *Counters) { c.Failed++ })
		if errors.As(err, &sendErr) {
			utils.LogError("send_failed", err, map[string]interface{}{
				"recipient_id": recipientID,
				"campaign_id":  campaign.ID,
				"sender_id":    sender.ID,
			})
			return nil
		}
		return err
	}
}

func (s *Scheduler) deferred(state *tickState, campaignID, senderID uint, reason string) {
	utils.Deferrals.WithLabelValues(reason).Inc()
	state.report.record(campaignID, senderID, func(c *Counters) { c.addDeferral(reason) })
}

// resolveSender returns the recipient's account, assigning one by rotation
// on the first send.
func (s *Scheduler) resolveSender(ctx context.Context, state *tickState, campaign *models.Campaign, r *models.Recipient, accountDay string) (*models.Sender, error) {
	if r.SenderID != nil {
		if state.isFlagged(*r.SenderID) {
			return nil, ErrAccountUnverified
		}
		var sender models.Sender
		if err := s.DB.WithContext(ctx).First(&sender, *r.SenderID).Error; err != nil {
			return nil, err
		}
		if !sender.SMTPVerified {
			state.flag(sender.ID)
			return nil, ErrAccountUnverified
		}
		return &sender, nil
	}

	sender, err := s.Rotator.RotateSender(ctx, campaign.ID, accountDay, state.snapshot())
	if err != nil {
		return nil, err
	}

	res := s.DB.WithContext(ctx).Model(&models.Recipient{}).
		Where("id = ? AND sender_id IS NULL", r.ID).
		Update("sender_id", sender.ID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// assigned concurrently; use what was stored
		if err := s.DB.WithContext(ctx).First(r, r.ID).Error; err != nil {
			return nil, err
		}
		return s.resolveSender(ctx, state, campaign, r, accountDay)
	}
	r.SenderID = &sender.ID
	return sender, nil
}
