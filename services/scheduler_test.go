package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickRespectsDailyLimit(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hi {{first_name}}", "Hello", 0))
	require.NoError(t, f.db.Model(c).Update("daily_limit", 2).Error)
	before := f.enroll(t, c, 5)

	report := f.tick(t)

	assert.Len(t, f.transport.Sent(), 2)
	totals := report.Totals()
	assert.Equal(t, 2, totals.Sent)
	assert.Equal(t, 3, totals.Deferred[utils.ReasonQuotaExceeded])

	after := f.recipients(t, c.ID)
	waiting := 0
	for i, r := range after {
		if r.CurrentStep == 2 {
			continue
		}
		waiting++
		assert.Equal(t, models.RecipientActive, r.Status)
		assert.Equal(t, 1, r.CurrentStep)
		assert.True(t, r.NextDueAt.Equal(*before[i].NextDueAt), "deferred recipient keeps its due time")
		assert.Empty(t, r.ClaimToken)
	}
	assert.Equal(t, 3, waiting)

	n, err := f.engine.Scheduler.Quota.Count(context.Background(), utils.CampaignQuotaKey(c.ID, "2024-01-08"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTickSpreadsAcrossAccountLimits(t *testing.T) {
	f := newFixture(t)
	f.engine.Scheduler.Concurrency = 1
	a, b := f.sender(t, 1), f.sender(t, 2)
	c := f.campaign(t, []*models.Sender{a, b}, step("Hi", "Hello", 0))
	f.enroll(t, c, 4)

	report := f.tick(t)

	assert.Equal(t, 3, report.Totals().Sent)
	assert.Equal(t, 1, report.Accounts[a.ID].Sent)
	assert.Equal(t, 2, report.Accounts[b.ID].Sent)
	assert.Equal(t, 1, report.Totals().Deferred[utils.ReasonQuotaExceeded])
}

func TestAccountLimitSharedAcrossTimezones(t *testing.T) {
	f := newFixture(t)
	f.engine.Scheduler.Concurrency = 1
	s := f.sender(t, 2)
	utc := f.campaign(t, []*models.Sender{s}, step("Hi", "Hello", 0))
	ahead := f.campaign(t, []*models.Sender{s}, step("Hi", "Hello", 0))
	// 10:00 UTC on the 8th is already the 9th in Kiritimati
	require.NoError(t, f.db.Model(ahead).Update("timezone", "Pacific/Kiritimati").Error)
	f.enroll(t, utc, 2)
	f.enroll(t, ahead, 2)

	report := f.tick(t)

	assert.Len(t, f.transport.Sent(), 2)
	assert.Equal(t, 2, report.Totals().Deferred[utils.ReasonQuotaExceeded])

	n, err := f.engine.Scheduler.Quota.Count(context.Background(), utils.SenderQuotaKey(s.ID, "2024-01-08"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.engine.Scheduler.Quota.Count(context.Background(), utils.SenderQuotaKey(s.ID, "2024-01-09"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickOutsideWindowDefers(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hi", "Hello", 0))
	require.NoError(t, f.db.Model(c).Updates(map[string]interface{}{
		"sending_hours_start": 14,
		"sending_hours_end":   18,
	}).Error)
	f.enroll(t, c, 2)

	report := f.tick(t)
	assert.Empty(t, f.transport.Sent())
	assert.Equal(t, 2, report.Totals().Deferred[utils.ReasonOutsideHours])

	f.clock.Advance(5 * time.Hour)
	report = f.tick(t)
	assert.Equal(t, 2, report.Totals().Sent)
}

func TestTickPromotesScheduledAndCompletes(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hi", "Hello", 0))
	at := testStart.Add(time.Hour)
	require.NoError(t, f.db.Model(c).Updates(map[string]interface{}{
		"status":       models.CampaignScheduled,
		"scheduled_at": at,
	}).Error)
	f.enroll(t, c, 1)

	report := f.tick(t)
	assert.Zero(t, report.PromotedCampaigns)
	assert.Empty(t, f.transport.Sent())

	f.clock.Advance(time.Hour)
	report = f.tick(t)
	assert.Equal(t, 1, report.PromotedCampaigns)
	assert.Equal(t, 1, report.Totals().Sent)
	assert.Equal(t, 1, report.CompletedCampaigns)

	var got models.Campaign
	require.NoError(t, f.db.First(&got, c.ID).Error)
	assert.Equal(t, models.CampaignCompleted, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, []EventKind{EventCompleted}, f.hook.Kinds())
}

func TestTickThreadsFollowUps(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s},
		step("Quick question for {{company}}", `Hi {{first_name}}, see <a href="https://example.com/demo">the demo</a>`, 0),
		step("", "Just following up", 2),
	)
	r := f.enroll(t, c, 1)[0]

	f.tick(t)
	f.clock.Advance(48 * time.Hour)
	f.tick(t)

	sent := f.transport.Sent()
	require.Len(t, sent, 2)
	assert.NotContains(t, sent[0].Subject, "{{")
	assert.Contains(t, sent[0].HTML, "/track/click/")
	assert.Contains(t, sent[0].HTML, "/track/open/")
	assert.Equal(t, "Re: "+sent[0].Subject, sent[1].Subject)
	assert.Equal(t, sent[0].MessageID, sent[1].InReplyTo)
	assert.Equal(t, []string{sent[0].MessageID}, sent[1].References)

	got := f.recipient(t, r.ID)
	assert.Equal(t, models.RecipientCompleted, got.Status)
	require.NotNil(t, got.SenderID)
	assert.Equal(t, s.ID, *got.SenderID)

	var emails []models.SentEmail
	require.NoError(t, f.db.Where("recipient_id = ?", r.ID).Order("step_number").Find(&emails).Error)
	require.Len(t, emails, 2)
	assert.Equal(t, sent[1].Headers[utils.TrackingHeader], emails[1].TrackingID)
}

func TestReplyStopsLaterSteps(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("One", "1", 0), step("", "2", 2), step("", "3", 2))
	r := f.enroll(t, c, 1)[0]

	f.tick(t)
	f.clock.Advance(48 * time.Hour)
	f.tick(t)
	require.Len(t, f.transport.Sent(), 2)
	second := f.transport.Sent()[1]

	// step 3 is due and being picked up when the reply lands
	f.clock.Advance(48 * time.Hour)
	f.transport.before = func(*utils.OutboundMessage) {
		t.Error("step 3 must not be sent")
	}
	token, ok, err := f.engine.Sequence.Claim(context.Background(), r.ID, f.clock.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.engine.Tracker.IngestInbound(context.Background(), &InboundMessage{
		Source:    ProviderPostmark,
		SourceKey: "postmark:reply-1",
		MessageID: "reply-1@lead.example.org",
		InReplyTo: []string{second.MessageID},
		From:      second.To,
		Subject:   "Re: One",
		Date:      f.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReply, res.Outcome)

	recipient := f.recipient(t, r.ID)
	steps, err := LoadSteps(context.Background(), f.db, c.ID)
	require.NoError(t, err)
	_, err = f.engine.Executor.Execute(context.Background(), &Dispatch{
		Campaign: c, Steps: steps, Recipient: &recipient, ClaimToken: token, Sender: s,
	})
	assert.ErrorIs(t, err, ErrRecipientInactive)

	report := f.tick(t)
	assert.Zero(t, report.Totals().Sent)
	assert.Len(t, f.transport.Sent(), 2)

	got := f.recipient(t, r.ID)
	assert.Equal(t, models.RecipientReplied, got.Status)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Nil(t, got.NextDueAt)
	assert.Contains(t, f.hook.Kinds(), EventReplied)
}

func TestTickIsolatesTransportFailures(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hi", "Hello", 0))
	f.enroll(t, c, 2)
	f.transport.err = errors.New("421 service not available")

	for i := 0; i < 3; i++ {
		report := f.tick(t)
		assert.Equal(t, 2, report.Totals().Failed)
	}

	for _, r := range f.recipients(t, c.ID) {
		assert.Equal(t, models.RecipientPaused, r.Status)
		assert.Equal(t, 3, r.FailedAttempts)
	}
	var attempts int64
	f.db.Model(&models.SendAttempt{}).Where("error_kind = ?", models.ErrorKindTransport).Count(&attempts)
	assert.EqualValues(t, 6, attempts)

	// failed sends give their quota slot back
	n, err := f.engine.Scheduler.Quota.Count(context.Background(), utils.SenderQuotaKey(s.ID, "2024-01-08"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickFlagsRejectedCredentials(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hi", "Hello", 0))
	f.enroll(t, c, 3)
	f.transport.err = utils.ErrCredentials

	report := f.tick(t)
	assert.Zero(t, report.Totals().Sent)
	assert.Zero(t, report.Totals().Failed)

	var got models.Sender
	require.NoError(t, f.db.First(&got, s.ID).Error)
	assert.False(t, got.SMTPVerified)
	require.NotNil(t, got.LastError)

	for _, r := range f.recipients(t, c.ID) {
		assert.Equal(t, models.RecipientActive, r.Status)
		assert.Equal(t, 1, r.CurrentStep)
		assert.Zero(t, r.FailedAttempts)
	}
}

func TestTemplateErrorPausesOrSkips(t *testing.T) {
	f := newFixture(t)
	s := f.sender(t, 0)
	c := f.campaign(t, []*models.Sender{s}, step("Hi {{first_name", "broken", 0), step("Fine", "ok", 0))
	r := f.enroll(t, c, 1)[0]

	f.tick(t)
	got := f.recipient(t, r.ID)
	assert.Equal(t, models.RecipientPaused, got.Status)
	assert.Contains(t, got.LastError, "template error")

	require.NoError(t, f.db.Model(c).Update("skip_step_on_template_error", true).Error)
	_, err := f.engine.Sequence.Resume(context.Background(), r.ID)
	require.NoError(t, err)

	f.tick(t)
	f.tick(t)
	got = f.recipient(t, r.ID)
	assert.Equal(t, models.RecipientCompleted, got.Status)
	require.Len(t, f.transport.Sent(), 1)
	assert.Equal(t, "Fine", f.transport.Sent()[0].Subject)
}
