package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatch is one claimed recipient ready to be sent its current step.
type Dispatch struct {
	Campaign   *models.Campaign
	Steps      []models.SequenceStep
	Recipient  *models.Recipient
	ClaimToken string
	Sender     *models.Sender
	// Reservations are the quota slots taken for this send; they are given
	// back whenever nothing goes out.
	Reservations []utils.QuotaKey
}

// Executor renders, tracks and dispatches a single step.
type Executor struct {
	DB          *gorm.DB
	Sequence    *Sequence
	Contacts    ContactSource
	Transport   utils.Transport
	Quota       utils.QuotaCounter
	BaseURL     string
	SendTimeout time.Duration
	MaxAttempts int
	// Pick chooses spintax alternatives; nil is pseudo-random.
	Pick func(n int) int
	Now  func() time.Time
	Log  *logrus.Entry
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// Execute sends the recipient's current step. The returned error is a
// *SendError for template, transport and account failures.
func (e *Executor) Execute(ctx context.Context, d *Dispatch) (*models.SentEmail, error) {
	sent, err := e.execute(ctx, d)
	if sent == nil {
		e.releaseQuota(d)
	}
	return sent, err
}

func (e *Executor) execute(ctx context.Context, d *Dispatch) (*models.SentEmail, error) {
	r := d.Recipient
	if err := e.stillClaimed(ctx, r.ID, d.ClaimToken); err != nil {
		return nil, err
	}

	if r.CurrentStep > len(d.Steps) {
		// steps removed after the recipient was scheduled
		_, err := e.Sequence.SkipStep(ctx, r, d.ClaimToken, d.Steps)
		return nil, err
	}
	step := &d.Steps[r.CurrentStep-1]

	if !d.Sender.SMTPVerified {
		_ = e.Sequence.Release(ctx, r.ID, d.ClaimToken)
		return nil, &SendError{Kind: models.ErrorKindUnverified, Err: fmt.Errorf("sender %d is not verified", d.Sender.ID)}
	}

	variant, err := e.pickVariant(ctx, step)
	if err != nil {
		_ = e.Sequence.Release(ctx, r.ID, d.ClaimToken)
		return nil, err
	}
	msg, trackingID, err := e.compose(ctx, d, step, variant)
	if err != nil {
		return nil, e.templateFailure(ctx, d, err)
	}

	// a terminal event may have landed while rendering
	if err := e.stillClaimed(ctx, r.ID, d.ClaimToken); err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.SendTimeout)
	res, err := e.Transport.Send(sendCtx, d.Sender, msg)
	cancel()
	if err != nil {
		return nil, e.transportFailure(ctx, d, err)
	}

	sentAt := e.now()
	sent := &models.SentEmail{
		RecipientID:       r.ID,
		CampaignID:        d.Campaign.ID,
		StepID:            step.ID,
		StepNumber:        step.StepNumber,
		SenderID:          d.Sender.ID,
		LeadID:            r.LeadID,
		TrackingID:        trackingID,
		MessageID:         msg.MessageID,
		ProviderMessageID: res.ProviderMessageID,
		ToEmail:           r.Email,
		Subject:           msg.Subject,
		SentAt:            sentAt,
		Status:            models.SentEmailSent,
	}
	if variant != nil {
		sent.VariantID = &variant.ID
	}

	var completed bool
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sent).Error; err != nil {
			return err
		}
		if err := bump(tx, &models.Campaign{}, d.Campaign.ID, "sent_count"); err != nil {
			return err
		}
		if err := bump(tx, &models.SequenceStep{}, step.ID, "sent_count"); err != nil {
			return err
		}
		if variant != nil {
			if err := bump(tx, &models.StepVariant{}, variant.ID, "sent_count"); err != nil {
				return err
			}
		}
		if err := bump(tx, &models.Sender{}, d.Sender.ID, "total_sent"); err != nil {
			return err
		}
		if err := tx.Model(&models.Lead{}).Where("id = ?", r.LeadID).Update("last_contact", sentAt).Error; err != nil {
			return err
		}

		var err error
		completed, err = e.Sequence.advance(tx, r, d.ClaimToken, sentAt, true, d.Steps)
		if errors.Is(err, ErrClaimLost) {
			// the message is out; keep the record even though the recipient moved on
			e.Log.WithField("recipient_id", r.ID).Warn("Recipient changed while its step was in flight")
			return nil
		}
		return err
	})
	if err != nil {
		// the send happened; the quota slot stays consumed
		utils.LogError("record_sent_email_failed", err, map[string]interface{}{
			"recipient_id": r.ID,
			"campaign_id":  d.Campaign.ID,
			"message_id":   msg.MessageID,
		})
		return sent, err
	}

	utils.SendsTotal.WithLabelValues("sent").Inc()
	if completed {
		e.Sequence.fireCompleted(r)
	}
	return sent, nil
}

func (e *Executor) stillClaimed(ctx context.Context, recipientID uint, token string) error {
	var current models.Recipient
	if err := e.DB.WithContext(ctx).Select("id", "status", "claim_token").First(&current, recipientID).Error; err != nil {
		return err
	}
	if current.Status != models.RecipientActive {
		return ErrRecipientInactive
	}
	if current.ClaimToken != token {
		return ErrClaimLost
	}
	return nil
}

// compose renders the step for the recipient and adds tracking.
func (e *Executor) compose(ctx context.Context, d *Dispatch, step *models.SequenceStep, variant *models.StepVariant) (*utils.OutboundMessage, string, error) {
	r := d.Recipient

	subject, body := step.Subject, step.Body
	if variant != nil {
		if variant.Subject != "" {
			subject = variant.Subject
		}
		if variant.Body != "" {
			body = variant.Body
		}
	}

	var previous *models.SentEmail
	if step.StepNumber > 1 {
		var prev models.SentEmail
		err := e.DB.WithContext(ctx).
			Where("recipient_id = ? AND step_number < ?", r.ID, step.StepNumber).
			Order("step_number DESC, sent_at DESC").
			First(&prev).Error
		if err == nil {
			previous = &prev
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", err
		}
	}

	if strings.TrimSpace(subject) == "" {
		if previous == nil {
			return nil, "", &utils.TemplateError{Reason: "step has no subject and nothing to reply to"}
		}
		subject = replySubject(previous.Subject)
	}

	data, err := e.Contacts.MergeData(ctx, r.LeadID)
	if err != nil {
		return nil, "", err
	}
	trackingID := utils.NewTrackingID()
	data["unsubscribe_url"] = utils.UnsubscribeURL(e.BaseURL, trackingID)
	data["sender_name"] = d.Sender.FromName
	data["sender_email"] = d.Sender.FromEmail

	subject, body, err = utils.Render(subject, body, data, e.Pick)
	if err != nil {
		return nil, "", err
	}

	if d.Campaign.TrackClicks {
		body = utils.RewriteLinks(body, e.BaseURL, trackingID)
	}
	if d.Campaign.TrackOpens {
		body = utils.InjectOpenPixel(body, e.BaseURL, trackingID)
	}

	msg := &utils.OutboundMessage{
		FromEmail: d.Sender.FromEmail,
		FromName:  d.Sender.FromName,
		To:        r.Email,
		Subject:   subject,
		HTML:      body,
		MessageID: utils.NewMessageID(d.Sender.FromEmail),
		Headers: map[string]string{
			utils.TrackingHeader: trackingID,
			"List-Unsubscribe":   "<" + utils.UnsubscribeURL(e.BaseURL, trackingID) + ">",
		},
	}
	if previous != nil {
		msg.InReplyTo = previous.MessageID
		msg.References = e.threadReferences(ctx, r.ID, step.StepNumber)
	}
	return msg, trackingID, nil
}

func (e *Executor) threadReferences(ctx context.Context, recipientID uint, before int) []string {
	var ids []string
	e.DB.WithContext(ctx).Model(&models.SentEmail{}).
		Where("recipient_id = ? AND step_number < ?", recipientID, before).
		Order("step_number").
		Pluck("message_id", &ids)
	return ids
}

func replySubject(previous string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(previous)), "re:") {
		return previous
	}
	return "Re: " + previous
}

func (e *Executor) templateFailure(ctx context.Context, d *Dispatch, cause error) error {
	var tmplErr *utils.TemplateError
	if !errors.As(cause, &tmplErr) {
		// contact lookup or database trouble; retry next tick
		_ = e.Sequence.Release(ctx, d.Recipient.ID, d.ClaimToken)
		return cause
	}

	r := d.Recipient
	e.recordAttempt(ctx, d, models.ErrorKindTemplate, cause)
	utils.SendsTotal.WithLabelValues("template_error").Inc()

	if d.Campaign.SkipStepOnTemplateError {
		if _, err := e.Sequence.SkipStep(ctx, r, d.ClaimToken, d.Steps); err != nil && !errors.Is(err, ErrClaimLost) {
			return err
		}
	} else if _, err := e.Sequence.PauseWithError(ctx, r.ID, d.ClaimToken, cause.Error()); err != nil {
		return err
	}

	e.Log.WithFields(logrus.Fields{
		"recipient_id": r.ID,
		"campaign_id":  d.Campaign.ID,
		"step":         r.CurrentStep,
		"skipped":      d.Campaign.SkipStepOnTemplateError,
	}).Warn(cause.Error())
	return &SendError{Kind: models.ErrorKindTemplate, Err: cause}
}

func (e *Executor) transportFailure(ctx context.Context, d *Dispatch, cause error) error {
	r := d.Recipient

	if errors.Is(cause, utils.ErrCredentials) {
		e.recordAttempt(ctx, d, models.ErrorKindUnverified, cause)
		_ = e.Sequence.Release(ctx, r.ID, d.ClaimToken)
		if err := MarkSenderUnverified(ctx, e.DB, d.Sender.ID, cause); err != nil {
			return err
		}
		utils.SendsTotal.WithLabelValues("account_unverified").Inc()
		return &SendError{Kind: models.ErrorKindUnverified, Err: cause}
	}

	e.recordAttempt(ctx, d, models.ErrorKindTransport, cause)
	utils.SendsTotal.WithLabelValues("transport_error").Inc()

	paused, err := e.Sequence.RecordFailure(ctx, r.ID, d.ClaimToken, cause.Error(), e.MaxAttempts)
	if err != nil {
		return err
	}
	if err := bump(e.DB.WithContext(ctx), &models.Campaign{}, d.Campaign.ID, "failed_count"); err != nil {
		return err
	}
	if paused {
		utils.LogEvent("recipient_paused_after_failures", map[string]interface{}{
			"recipient_id": r.ID,
			"campaign_id":  d.Campaign.ID,
			"sender_id":    d.Sender.ID,
		})
	}
	return &SendError{Kind: models.ErrorKindTransport, Err: cause}
}

func (e *Executor) recordAttempt(ctx context.Context, d *Dispatch, kind string, cause error) {
	senderID := d.Sender.ID
	attempt := models.SendAttempt{
		RecipientID: d.Recipient.ID,
		CampaignID:  d.Campaign.ID,
		SenderID:    &senderID,
		StepNumber:  d.Recipient.CurrentStep,
		ErrorKind:   kind,
		Error:       truncate(cause.Error(), 2000),
		AttemptedAt: e.now(),
	}
	if err := e.DB.WithContext(ctx).Create(&attempt).Error; err != nil {
		e.Log.WithError(err).Error("Failed to record send attempt")
	}
}

func (e *Executor) releaseQuota(d *Dispatch) {
	// the tick context may be gone; a leaked slot would block a real send
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range d.Reservations {
		if err := e.Quota.Release(ctx, key); err != nil {
			e.Log.WithError(err).WithField("key", key.String()).Error("Failed to release quota reservation")
		}
	}
	d.Reservations = nil
}

// pickVariant reads fresh counters so concurrent workers spread across variants.
func (e *Executor) pickVariant(ctx context.Context, step *models.SequenceStep) (*models.StepVariant, error) {
	if len(step.Variants) == 0 {
		return nil, nil
	}
	var variants []models.StepVariant
	if err := e.DB.WithContext(ctx).Where("step_id = ?", step.ID).Order("id").Find(&variants).Error; err != nil {
		return nil, err
	}
	return PickVariant(variants), nil
}

// PickVariant chooses the variant furthest behind its weighted share.
// Weights of zero count as one; ties go to the earliest variant.
func PickVariant(variants []models.StepVariant) *models.StepVariant {
	var best *models.StepVariant
	var bestScore float64
	for i := range variants {
		v := &variants[i]
		weight := v.Weight
		if weight <= 0 {
			weight = 1
		}
		score := float64(v.SentCount) / float64(weight)
		if best == nil || score < bestScore {
			best, bestScore = v, score
		}
	}
	return best
}

// MarkSenderUnverified takes an account out of rotation until re-verified.
func MarkSenderUnverified(ctx context.Context, db *gorm.DB, senderID uint, cause error) error {
	msg := truncate(cause.Error(), 1000)
	return db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"smtp_verified": false,
			"last_error":    msg,
		}).Error
}

func bump(db *gorm.DB, model interface{}, id uint, column string) error {
	return db.Model(model).Where("id = ?", id).Update(column, gorm.Expr(column+" + 1")).Error
}
