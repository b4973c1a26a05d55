package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	OutcomeDuplicate     = "duplicate"
	OutcomeNoCorrelation = "no_correlation"
	OutcomeTerminal      = "recipient_terminal"
	OutcomeReply         = "reply_recorded"
	OutcomeBounce        = "bounce_recorded"
	OutcomeAlready       = "already_recorded"
	OutcomeAutoReply     = "auto_reply"
	OutcomeUnclassified  = "unclassified"
)

var trackingIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Tracker applies opens, clicks, unsubscribes and inbound mail to sent
// emails. Every counter moves through an increment and every first-time
// timestamp through a set-if-null update, so replays are harmless.
type Tracker struct {
	DB       *gorm.DB
	Sequence *Sequence
	History  HistoryWriter
	Now      func() time.Time
	Log      *logrus.Entry
}

func NewTracker(db *gorm.DB, sequence *Sequence, history HistoryWriter) *Tracker {
	return &Tracker{
		DB:       db,
		Sequence: sequence,
		History:  history,
		Now:      time.Now,
		Log:      utils.Logger("tracker"),
	}
}

func (t *Tracker) now() time.Time {
	if t.Now == nil {
		return time.Now().UTC()
	}
	return t.Now().UTC()
}

// Visitor describes the client behind a tracking request.
type Visitor struct {
	IP        string
	UserAgent string
}

func (t *Tracker) findByTrackingID(ctx context.Context, trackingID string) (*models.SentEmail, error) {
	trackingID = strings.ToLower(strings.TrimSpace(trackingID))
	if !trackingIDPattern.MatchString(trackingID) {
		return nil, nil
	}
	var sent models.SentEmail
	err := t.DB.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&sent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sent, nil
}

// RecordOpen counts a pixel load. Unknown ids are ignored.
func (t *Tracker) RecordOpen(ctx context.Context, trackingID string, v Visitor) error {
	sent, err := t.findByTrackingID(ctx, trackingID)
	if err != nil {
		utils.TrackingEvents.WithLabelValues("open", "error").Inc()
		return err
	}
	if sent == nil {
		utils.TrackingEvents.WithLabelValues("open", "unknown").Inc()
		return nil
	}

	now := t.now()
	first := false
	err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SentEmail{}).Where("id = ?", sent.ID).
			Update("open_count", gorm.Expr("open_count + 1")).Error; err != nil {
			return err
		}
		if err := bump(tx, &models.Campaign{}, sent.CampaignID, "open_count"); err != nil {
			return err
		}

		res := tx.Model(&models.SentEmail{}).Where("id = ? AND opened_at IS NULL", sent.ID).
			Update("opened_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		first = true
		return t.creditFirstOpen(tx, sent)
	})
	if err != nil {
		utils.TrackingEvents.WithLabelValues("open", "error").Inc()
		return err
	}

	utils.TrackingEvents.WithLabelValues("open", "ok").Inc()
	if first {
		t.record(ctx, sent, "opened", v.UserAgent)
	}
	return nil
}

func (t *Tracker) creditFirstOpen(tx *gorm.DB, sent *models.SentEmail) error {
	if err := bump(tx, &models.Campaign{}, sent.CampaignID, "unique_open_count"); err != nil {
		return err
	}
	if sent.VariantID != nil {
		if err := bump(tx, &models.StepVariant{}, *sent.VariantID, "open_count"); err != nil {
			return err
		}
	}
	return tx.Model(&models.SentEmail{}).
		Where("id = ? AND status = ?", sent.ID, models.SentEmailSent).
		Update("status", models.SentEmailOpened).Error
}

// RecordClick appends a click and returns the sent email so the caller can
// redirect. A click on a message never seen opened also counts as its open,
// since most clients block the pixel.
func (t *Tracker) RecordClick(ctx context.Context, trackingID, target string, v Visitor) (*models.SentEmail, error) {
	sent, err := t.findByTrackingID(ctx, trackingID)
	if err != nil {
		utils.TrackingEvents.WithLabelValues("click", "error").Inc()
		return nil, err
	}
	if sent == nil {
		utils.TrackingEvents.WithLabelValues("click", "unknown").Inc()
		return nil, nil
	}

	now := t.now()
	first := false
	err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.ClickEvent{
			SentEmailID: sent.ID,
			URL:         target,
			ClickedAt:   now,
			IPAddress:   v.IP,
			UserAgent:   truncate(v.UserAgent, 500),
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SentEmail{}).Where("id = ?", sent.ID).
			Update("click_count", gorm.Expr("click_count + 1")).Error; err != nil {
			return err
		}
		if err := bump(tx, &models.Campaign{}, sent.CampaignID, "click_count"); err != nil {
			return err
		}

		res := tx.Model(&models.SentEmail{}).Where("id = ? AND clicked_at IS NULL", sent.ID).
			Update("clicked_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		first = true

		if err := bump(tx, &models.Campaign{}, sent.CampaignID, "unique_click_count"); err != nil {
			return err
		}
		if sent.VariantID != nil {
			if err := bump(tx, &models.StepVariant{}, *sent.VariantID, "click_count"); err != nil {
				return err
			}
		}

		opened := tx.Model(&models.SentEmail{}).Where("id = ? AND opened_at IS NULL", sent.ID).
			Updates(map[string]interface{}{
				"opened_at":  now,
				"open_count": gorm.Expr("open_count + 1"),
			})
		if opened.Error != nil {
			return opened.Error
		}
		if opened.RowsAffected == 1 {
			if err := bump(tx, &models.Campaign{}, sent.CampaignID, "open_count"); err != nil {
				return err
			}
			if err := t.creditFirstOpen(tx, sent); err != nil {
				return err
			}
		}

		return tx.Model(&models.SentEmail{}).
			Where("id = ? AND status IN ?", sent.ID, []string{models.SentEmailSent, models.SentEmailOpened}).
			Update("status", models.SentEmailClicked).Error
	})
	if err != nil {
		utils.TrackingEvents.WithLabelValues("click", "error").Inc()
		return nil, err
	}

	utils.TrackingEvents.WithLabelValues("click", "ok").Inc()
	if first {
		t.record(ctx, sent, "clicked", target)
	}
	return sent, nil
}

// RecordUnsubscribe suppresses the lead and stops every live enrollment it
// has in the organization. found is false for unknown ids.
func (t *Tracker) RecordUnsubscribe(ctx context.Context, trackingID string, v Visitor) (found bool, err error) {
	sent, err := t.findByTrackingID(ctx, trackingID)
	if err != nil {
		utils.TrackingEvents.WithLabelValues("unsubscribe", "error").Inc()
		return false, err
	}
	if sent == nil {
		utils.TrackingEvents.WithLabelValues("unsubscribe", "unknown").Inc()
		return false, nil
	}

	var recipient models.Recipient
	if err := t.DB.WithContext(ctx).First(&recipient, sent.RecipientID).Error; err != nil {
		return true, err
	}

	now := t.now()
	var stopped []models.Recipient
	err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SentEmail{}).Where("id = ? AND unsubscribed_at IS NULL", sent.ID).
			Update("unsubscribed_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			campaignID, senderID, leadID := sent.CampaignID, sent.SenderID, sent.LeadID
			if err := tx.Create(&models.Unsubscribe{
				OrganizationID: recipient.OrganizationID,
				Email:          sent.ToEmail,
				LeadID:         &leadID,
				CampaignID:     &campaignID,
				SenderID:       &senderID,
				Reason:         "link",
				IPAddress:      v.IP,
				UserAgent:      truncate(v.UserAgent, 500),
			}).Error; err != nil {
				return err
			}
			if err := bump(tx, &models.Campaign{}, sent.CampaignID, "unsubscribe_count"); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Lead{}).Where("id = ?", sent.LeadID).
			Update("is_unsubscribed", true).Error; err != nil {
			return err
		}

		var live []models.Recipient
		if err := tx.Where("organization_id = ? AND lead_id = ? AND status IN ?",
			recipient.OrganizationID, sent.LeadID, []string{models.RecipientActive, models.RecipientPaused}).
			Find(&live).Error; err != nil {
			return err
		}
		for _, r := range live {
			ok, err := t.Sequence.stop(tx, r.ID, models.RecipientUnsubscribed, now)
			if err != nil {
				return err
			}
			if ok {
				stopped = append(stopped, r)
			}
		}
		return nil
	})
	if err != nil {
		utils.TrackingEvents.WithLabelValues("unsubscribe", "error").Inc()
		return true, err
	}

	utils.TrackingEvents.WithLabelValues("unsubscribe", "ok").Inc()
	for _, r := range stopped {
		evt := AutomationEvent{
			Kind:           EventUnsubscribed,
			OrganizationID: r.OrganizationID,
			RecipientID:    r.ID,
			CampaignID:     r.CampaignID,
			LeadID:         r.LeadID,
			OccurredAt:     now,
		}
		if r.ID == sent.RecipientID {
			evt.SentEmailID = sent.ID
		}
		t.Sequence.Notifier.Fire(evt)
	}
	return true, nil
}

func (t *Tracker) record(ctx context.Context, sent *models.SentEmail, activity, details string) {
	if t.History == nil {
		return
	}
	campaignID, recipientID, senderID := sent.CampaignID, sent.RecipientID, sent.SenderID
	if err := t.History.Record(ctx, models.LeadActivity{
		LeadID:       sent.LeadID,
		CampaignID:   &campaignID,
		RecipientID:  &recipientID,
		SenderID:     &senderID,
		ActivityType: activity,
		ActivityAt:   t.now(),
		Details:      truncate(details, 1000),
	}); err != nil {
		t.Log.WithError(err).WithField("sent_email_id", sent.ID).Warn("Failed to record lead activity")
	}
}

// IngestResult reports what one inbound message did.
type IngestResult struct {
	Outcome        string         `json:"outcome"`
	SentEmailID    uint           `json:"sent_email_id,omitempty"`
	Classification Classification `json:"classification"`
	Duplicate      bool           `json:"duplicate"`
}

// IngestInbound classifies an inbound message, correlates it with a sent
// email and applies reply or bounce effects. The message log row and the
// effects commit together, so a message is either fully applied or retried.
func (t *Tracker) IngestInbound(ctx context.Context, m *InboundMessage) (*IngestResult, error) {
	class := Classify(m)
	result := &IngestResult{Classification: class}

	if m.SourceKey == "" {
		m.SourceKey = ContentKey(m.Source, m.MessageID, m.From, m.Subject, m.Date.String())
	}

	sent, err := t.correlate(ctx, m)
	if err != nil {
		return nil, err
	}

	now := t.now()
	received := m.Date
	if received.IsZero() || received.After(now) {
		received = now
	}

	var (
		recipient models.Recipient
		events    []AutomationEvent
	)

	err = t.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := models.InboundEmail{
			Source:         m.Source,
			SourceKey:      m.SourceKey,
			SenderID:       m.SenderID,
			MessageID:      truncate(m.MessageID, 255),
			InReplyTo:      truncate(strings.Join(m.InReplyTo, " "), 255),
			References:     strings.Join(m.References, " "),
			From:           truncate(m.From, 255),
			To:             truncate(m.To, 255),
			Subject:        truncate(m.Subject, 255),
			ReceivedAt:     received,
			Classification: class.Kind,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_key"}},
			DoNothing: true,
		}).Create(&entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
			result.Outcome = OutcomeDuplicate
			return nil
		}

		outcome, evts, err := t.apply(tx, class, sent, &recipient, now)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		events = evts

		updates := map[string]interface{}{"outcome": outcome}
		if sent != nil {
			updates["sent_email_id"] = sent.ID
			result.SentEmailID = sent.ID
		}
		return tx.Model(&models.InboundEmail{}).Where("id = ?", entry.ID).Updates(updates).Error
	})
	if err != nil {
		utils.InboundMessages.WithLabelValues(m.Source, "error").Inc()
		return nil, err
	}

	utils.InboundMessages.WithLabelValues(m.Source, class.Kind).Inc()
	fields := logrus.Fields{
		"source":         m.Source,
		"classification": class.Kind,
		"outcome":        result.Outcome,
	}
	if sent != nil {
		fields["sent_email_id"] = sent.ID
	}
	if result.Outcome == OutcomeNoCorrelation {
		t.Log.WithFields(fields).WithField("message_id", m.MessageID).Info("Inbound message matches no sent email")
	} else {
		t.Log.WithFields(fields).Debug("Inbound message ingested")
	}

	for _, evt := range events {
		t.Sequence.Notifier.Fire(evt)
	}
	return result, nil
}

func (t *Tracker) correlate(ctx context.Context, m *InboundMessage) (*models.SentEmail, error) {
	messageIDs, trackingIDs := CorrelationKeys(m)
	if len(messageIDs) == 0 && len(trackingIDs) == 0 {
		return nil, nil
	}

	q := t.DB.WithContext(ctx).Model(&models.SentEmail{})
	switch {
	case len(messageIDs) > 0 && len(trackingIDs) > 0:
		q = q.Where("message_id IN ? OR tracking_id IN ?", messageIDs, trackingIDs)
	case len(messageIDs) > 0:
		q = q.Where("message_id IN ?", messageIDs)
	default:
		q = q.Where("tracking_id IN ?", trackingIDs)
	}

	var sent models.SentEmail
	err := q.Order("sent_at DESC").First(&sent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sent, nil
}

// apply runs inside the ingestion transaction and returns the hook events
// to fire once it commits.
func (t *Tracker) apply(tx *gorm.DB, class Classification, sent *models.SentEmail, recipient *models.Recipient, now time.Time) (string, []AutomationEvent, error) {
	if sent == nil {
		return OutcomeNoCorrelation, nil, nil
	}
	switch class.Kind {
	case models.InboundAutoReply:
		return OutcomeAutoReply, nil, nil
	case models.InboundReply, models.InboundBounce:
	default:
		return OutcomeUnclassified, nil, nil
	}

	if err := tx.First(recipient, sent.RecipientID).Error; err != nil {
		return "", nil, err
	}
	if recipient.IsTerminal() {
		return OutcomeTerminal, nil, nil
	}

	var campaign models.Campaign
	if err := tx.Select("id", "stop_on_reply", "stop_on_bounce").First(&campaign, sent.CampaignID).Error; err != nil {
		return "", nil, err
	}

	event := AutomationEvent{
		OrganizationID: recipient.OrganizationID,
		RecipientID:    recipient.ID,
		CampaignID:     recipient.CampaignID,
		LeadID:         recipient.LeadID,
		SentEmailID:    sent.ID,
		OccurredAt:     now,
	}

	if class.Kind == models.InboundReply {
		first, err := t.applyReply(tx, sent, now)
		if err != nil || !first {
			return OutcomeAlready, nil, err
		}
		if campaign.StopOnReply {
			stopped, err := t.Sequence.stop(tx, recipient.ID, models.RecipientReplied, now)
			if err != nil {
				return "", nil, err
			}
			if !stopped {
				// a concurrent terminal event won
				return OutcomeTerminal, nil, nil
			}
		}
		event.Kind = EventReplied
		return OutcomeReply, []AutomationEvent{event}, nil
	}

	first, err := t.applyBounce(tx, class, sent, now)
	if err != nil || !first {
		return OutcomeAlready, nil, err
	}
	if campaign.StopOnBounce {
		stopped, err := t.Sequence.stop(tx, recipient.ID, models.RecipientBounced, now)
		if err != nil {
			return "", nil, err
		}
		if !stopped {
			return OutcomeTerminal, nil, nil
		}
	}
	event.Kind = EventBounced
	return OutcomeBounce, []AutomationEvent{event}, nil
}

func (t *Tracker) applyReply(tx *gorm.DB, sent *models.SentEmail, now time.Time) (bool, error) {
	res := tx.Model(&models.SentEmail{}).Where("id = ? AND replied_at IS NULL", sent.ID).
		Update("replied_at", now)
	if res.Error != nil || res.RowsAffected == 0 {
		return false, res.Error
	}

	if err := tx.Model(&models.SentEmail{}).
		Where("id = ? AND status <> ?", sent.ID, models.SentEmailBounced).
		Update("status", models.SentEmailReplied).Error; err != nil {
		return false, err
	}
	if err := bump(tx, &models.Campaign{}, sent.CampaignID, "reply_count"); err != nil {
		return false, err
	}
	if err := bump(tx, &models.Sender{}, sent.SenderID, "reply_count"); err != nil {
		return false, err
	}
	if sent.VariantID != nil {
		if err := bump(tx, &models.StepVariant{}, *sent.VariantID, "reply_count"); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *Tracker) applyBounce(tx *gorm.DB, class Classification, sent *models.SentEmail, now time.Time) (bool, error) {
	res := tx.Model(&models.SentEmail{}).Where("id = ? AND bounced_at IS NULL", sent.ID).
		Updates(map[string]interface{}{
			"bounced_at":  now,
			"bounce_type": class.BounceType,
			"status":      models.SentEmailBounced,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return false, res.Error
	}

	campaignID := sent.CampaignID
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sent_email_id"}},
		DoNothing: true,
	}).Create(&models.Bounce{
		Email:          sent.ToEmail,
		CampaignID:     &campaignID,
		SenderID:       sent.SenderID,
		SentEmailID:    sent.ID,
		Type:           class.BounceType,
		Code:           class.Code,
		Message:        truncate(class.Diagnostic, 2000),
		DiagnosticCode: truncate(class.Diagnostic, 255),
	}).Error; err != nil {
		return false, err
	}

	if err := bump(tx, &models.Campaign{}, sent.CampaignID, "bounce_count"); err != nil {
		return false, err
	}
	if err := bump(tx, &models.Sender{}, sent.SenderID, "bounce_count"); err != nil {
		return false, err
	}
	if sent.VariantID != nil {
		if err := bump(tx, &models.StepVariant{}, *sent.VariantID, "bounce_count"); err != nil {
			return false, err
		}
	}
	if class.BounceType == BounceHard {
		if err := tx.Model(&models.Lead{}).Where("id = ?", sent.LeadID).
			Update("is_bounced", true).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}
