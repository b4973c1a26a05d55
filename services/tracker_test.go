package services

import (
	"context"
	"sync"
	"testing"

	"outreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentFixture sends step one of a two step campaign to a single lead.
func sentFixture(t *testing.T) (*fixture, *models.Campaign, models.SentEmail) {
	t.Helper()
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hello", "<p>hi</p>", 0), step("", "again", 3))
	f.enroll(t, c, 1)
	f.tick(t)

	var sent models.SentEmail
	require.NoError(t, f.db.Where("campaign_id = ?", c.ID).First(&sent).Error)
	return f, c, sent
}

func loadCampaign(t *testing.T, f *fixture, id uint) models.Campaign {
	t.Helper()
	var c models.Campaign
	require.NoError(t, f.db.First(&c, id).Error)
	return c
}

func TestRecordOpen(t *testing.T) {
	f, c, sent := sentFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Tracker.RecordOpen(ctx, sent.TrackingID, Visitor{UserAgent: "Mail/1.0"}))
	require.NoError(t, f.engine.Tracker.RecordOpen(ctx, sent.TrackingID, Visitor{}))

	var got models.SentEmail
	require.NoError(t, f.db.First(&got, sent.ID).Error)
	assert.Equal(t, 2, got.OpenCount)
	require.NotNil(t, got.OpenedAt)
	assert.Equal(t, models.SentEmailOpened, got.Status)

	campaign := loadCampaign(t, f, c.ID)
	assert.Equal(t, 2, campaign.OpenCount)
	assert.Equal(t, 1, campaign.UniqueOpenCount)

	var activities int64
	f.db.Model(&models.LeadActivity{}).Where("lead_id = ? AND activity_type = ?", sent.LeadID, "opened").Count(&activities)
	assert.EqualValues(t, 1, activities)
}

func TestRecordOpenUnknownID(t *testing.T) {
	f, _, _ := sentFixture(t)
	assert.NoError(t, f.engine.Tracker.RecordOpen(context.Background(), "not-a-tracking-id", Visitor{}))
	assert.NoError(t, f.engine.Tracker.RecordOpen(context.Background(), "0123456789abcdef0123456789abcdef", Visitor{}))
}

func TestRecordClickAppendsAndCreditsOpen(t *testing.T) {
	f, c, sent := sentFixture(t)
	ctx := context.Background()

	got, err := f.engine.Tracker.RecordClick(ctx, sent.TrackingID, "https://example.com/a", Visitor{IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	_, err = f.engine.Tracker.RecordClick(ctx, sent.TrackingID, "https://example.com/b", Visitor{IP: "10.0.0.2"})
	require.NoError(t, err)

	var clicks []models.ClickEvent
	require.NoError(t, f.db.Where("sent_email_id = ?", sent.ID).Order("id").Find(&clicks).Error)
	require.Len(t, clicks, 2)
	assert.Equal(t, "https://example.com/a", clicks[0].URL)
	assert.Equal(t, "https://example.com/b", clicks[1].URL)

	var email models.SentEmail
	require.NoError(t, f.db.First(&email, sent.ID).Error)
	assert.Equal(t, 2, email.ClickCount)
	assert.Equal(t, 1, email.OpenCount)
	assert.NotNil(t, email.OpenedAt)
	assert.NotNil(t, email.ClickedAt)
	assert.Equal(t, models.SentEmailClicked, email.Status)

	campaign := loadCampaign(t, f, c.ID)
	assert.Equal(t, 2, campaign.ClickCount)
	assert.Equal(t, 1, campaign.UniqueClickCount)
	assert.Equal(t, 1, campaign.UniqueOpenCount)

	// a later pixel load is not a second unique open
	require.NoError(t, f.engine.Tracker.RecordOpen(ctx, sent.TrackingID, Visitor{}))
	campaign = loadCampaign(t, f, c.ID)
	assert.Equal(t, 1, campaign.UniqueOpenCount)
	assert.Equal(t, 2, campaign.OpenCount)
}

func TestRecordUnsubscribeStopsEveryEnrollment(t *testing.T) {
	f, c, sent := sentFixture(t)
	ctx := context.Background()

	other := f.campaign(t, nil, step("Other", "x", 0))
	res, err := f.engine.Sequence.Enroll(ctx, other, []uint{sent.LeadID})
	require.NoError(t, err)
	require.Equal(t, 1, res.Enrolled)

	found, err := f.engine.Tracker.RecordUnsubscribe(ctx, sent.TrackingID, Visitor{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, found)
	f.engine.Notifier.Wait()

	var recipients []models.Recipient
	require.NoError(t, f.db.Where("lead_id = ?", sent.LeadID).Find(&recipients).Error)
	require.Len(t, recipients, 2)
	for _, r := range recipients {
		assert.Equal(t, models.RecipientUnsubscribed, r.Status)
		assert.Nil(t, r.NextDueAt)
	}

	var lead models.Lead
	require.NoError(t, f.db.First(&lead, sent.LeadID).Error)
	assert.True(t, lead.IsUnsubscribed)
	assert.Equal(t, 1, loadCampaign(t, f, c.ID).UnsubscribeCount)
	assert.Equal(t, []EventKind{EventUnsubscribed, EventUnsubscribed}, f.hook.Kinds())

	// clicking again changes nothing
	found, err = f.engine.Tracker.RecordUnsubscribe(ctx, sent.TrackingID, Visitor{})
	require.NoError(t, err)
	assert.True(t, found)
	f.engine.Notifier.Wait()
	assert.Len(t, f.hook.Kinds(), 2)
	var rows int64
	f.db.Model(&models.Unsubscribe{}).Count(&rows)
	assert.EqualValues(t, 1, rows)

	found, err = f.engine.Tracker.RecordUnsubscribe(ctx, "ffffffffffffffffffffffffffffffff", Visitor{})
	require.NoError(t, err)
	assert.False(t, found)
}

func replyTo(sent models.SentEmail, key string) *InboundMessage {
	return &InboundMessage{
		Source:    ProviderMailgun,
		SourceKey: key,
		MessageID: key + "@lead.example.org",
		InReplyTo: []string{"<" + sent.MessageID + ">"},
		From:      sent.ToEmail,
		Subject:   "Re: " + sent.Subject,
	}
}

func bounceOf(sent models.SentEmail, key string) *InboundMessage {
	return &InboundMessage{
		Source:         ProviderSendGrid,
		SourceKey:      key,
		From:           "MAILER-DAEMON@mx.example.org",
		Subject:        "Undelivered Mail Returned to Sender",
		Text:           "Message-ID: <" + sent.MessageID + ">\n",
		IsDSN:          true,
		DSNAction:      "failed",
		DSNStatus:      "5.1.1",
		DiagnosticCode: "smtp; 550 5.1.1 user unknown",
	}
}

func TestIngestReplyIsIdempotent(t *testing.T) {
	f, c, sent := sentFixture(t)
	ctx := context.Background()

	res, err := f.engine.Tracker.IngestInbound(ctx, replyTo(sent, "reply-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	assert.Equal(t, sent.ID, res.SentEmailID)
	f.engine.Notifier.Wait()

	res, err = f.engine.Tracker.IngestInbound(ctx, replyTo(sent, "reply-1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	// same reply delivered through another path
	res, err = f.engine.Tracker.IngestInbound(ctx, replyTo(sent, "reply-1-imap"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, res.Outcome)
	f.engine.Notifier.Wait()

	assert.Equal(t, 1, loadCampaign(t, f, c.ID).ReplyCount)
	assert.Equal(t, []EventKind{EventReplied}, f.hook.Kinds())
	r := f.recipient(t, sent.RecipientID)
	assert.Equal(t, models.RecipientReplied, r.Status)

	var logged int64
	f.db.Model(&models.InboundEmail{}).Count(&logged)
	assert.EqualValues(t, 2, logged)
}

func TestIngestReplyWithoutStopPolicy(t *testing.T) {
	f, c, sent := sentFixture(t)
	require.NoError(t, f.db.Model(c).Update("stop_on_reply", false).Error)

	res, err := f.engine.Tracker.IngestInbound(context.Background(), replyTo(sent, "reply-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)
	f.engine.Notifier.Wait()

	r := f.recipient(t, sent.RecipientID)
	assert.Equal(t, models.RecipientActive, r.Status)
	assert.Equal(t, []EventKind{EventReplied}, f.hook.Kinds())

	var email models.SentEmail
	require.NoError(t, f.db.First(&email, sent.ID).Error)
	assert.NotNil(t, email.RepliedAt)
}

func TestIngestHardBounce(t *testing.T) {
	f, c, sent := sentFixture(t)

	res, err := f.engine.Tracker.IngestInbound(context.Background(), bounceOf(sent, "bounce-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBounce, res.Outcome)
	assert.Equal(t, BounceHard, res.Classification.BounceType)
	f.engine.Notifier.Wait()

	r := f.recipient(t, sent.RecipientID)
	assert.Equal(t, models.RecipientBounced, r.Status)

	var lead models.Lead
	require.NoError(t, f.db.First(&lead, sent.LeadID).Error)
	assert.True(t, lead.IsBounced)

	var bounce models.Bounce
	require.NoError(t, f.db.Where("sent_email_id = ?", sent.ID).First(&bounce).Error)
	assert.Equal(t, "5.1.1", bounce.Code)
	assert.Equal(t, 1, loadCampaign(t, f, c.ID).BounceCount)
	assert.Equal(t, []EventKind{EventBounced}, f.hook.Kinds())
}

func TestConcurrentReplyAndBounceStopOnce(t *testing.T) {
	f, _, sent := sentFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]string, 2)
	for i, m := range []*InboundMessage{replyTo(sent, "reply-1"), bounceOf(sent, "bounce-1")} {
		wg.Add(1)
		go func(i int, m *InboundMessage) {
			defer wg.Done()
			res, err := f.engine.Tracker.IngestInbound(ctx, m)
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i, m)
	}
	wg.Wait()
	f.engine.Notifier.Wait()

	assert.Contains(t, outcomes, OutcomeTerminal)
	assert.Len(t, f.hook.Kinds(), 1)

	r := f.recipient(t, sent.RecipientID)
	assert.Contains(t, []string{models.RecipientReplied, models.RecipientBounced}, r.Status)
	assert.NotNil(t, r.StoppedAt)
}

func TestIngestUncorrelatedAndAutoReply(t *testing.T) {
	f, _, sent := sentFixture(t)
	ctx := context.Background()

	res, err := f.engine.Tracker.IngestInbound(ctx, &InboundMessage{
		Source:    ProviderPostmark,
		MessageID: "cold@elsewhere.example",
		InReplyTo: []string{"unknown@elsewhere.example"},
		From:      "someone@elsewhere.example",
		Subject:   "Re: something else",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCorrelation, res.Outcome)

	ooo := replyTo(sent, "ooo-1")
	ooo.Subject = "Out of office: back Monday"
	ooo.Headers = map[string]string{"auto-submitted": "auto-replied"}
	res, err = f.engine.Tracker.IngestInbound(ctx, ooo)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoReply, res.Outcome)

	f.engine.Notifier.Wait()
	assert.Empty(t, f.hook.Kinds())
	assert.Equal(t, models.RecipientActive, f.recipient(t, sent.RecipientID).Status)

	var entry models.InboundEmail
	require.NoError(t, f.db.Where("source_key = ?", "ooo-1").First(&entry).Error)
	assert.Equal(t, OutcomeAutoReply, entry.Outcome)
	require.NotNil(t, entry.SentEmailID)
	assert.Equal(t, sent.ID, *entry.SentEmailID)
}
