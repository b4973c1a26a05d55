package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"outreach/config"
	"outreach/models"
	"outreach/utils"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// monday 10:00 UTC
var testStart = time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []*utils.OutboundMessage
	err  error
	// before runs ahead of every send, outside the lock
	before func(msg *utils.OutboundMessage)
}

func (f *fakeTransport) Send(_ context.Context, _ *models.Sender, msg *utils.OutboundMessage) (utils.SendResult, error) {
	if f.before != nil {
		f.before(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return utils.SendResult{}, f.err
	}
	f.sent = append(f.sent, msg)
	return utils.SendResult{}, nil
}

func (f *fakeTransport) Sent() []*utils.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*utils.OutboundMessage(nil), f.sent...)
}

type recordingHook struct {
	mu     sync.Mutex
	events []AutomationEvent
	err    error
}

func (h *recordingHook) Notify(_ context.Context, evt AutomationEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return h.err
}

func (h *recordingHook) Kinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var kinds []EventKind
	for _, e := range h.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func testConfig() config.Config {
	return config.Config{
		EncryptionKey:   "0123456789abcdef0123456789abcdef",
		TrackingBaseURL: "https://t.example.com",
		Scheduler: config.SchedulerConfig{
			WorkerConcurrency: 4,
			IMAPConcurrency:   2,
			BatchSize:         100,
			ClaimLease:        5 * time.Minute,
			SendTimeout:       5 * time.Second,
			IMAPTimeout:       5 * time.Second,
			MaxSendAttempts:   3,
		},
		Automation: config.AutomationConfig{Timeout: time.Second},
	}
}

type fixture struct {
	db        *gorm.DB
	engine    *Engine
	transport *fakeTransport
	hook      *recordingHook
	clock     *testClock
	orgID     uint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	f := &fixture{
		db:        db,
		transport: &fakeTransport{},
		hook:      &recordingHook{},
		clock:     &testClock{now: testStart},
		orgID:     1,
	}
	f.engine = NewEngine(db, testConfig(), EngineOptions{
		Hook:      f.hook,
		Transport: f.transport,
		Dial: func(context.Context, *models.Sender) (MailboxClient, error) {
			return nil, fmt.Errorf("no mailbox in this test")
		},
	})
	f.engine.Sequence.Now = f.clock.Now
	f.engine.Executor.Now = f.clock.Now
	f.engine.Scheduler.Now = f.clock.Now
	f.engine.Tracker.Now = f.clock.Now
	f.engine.InboxSync.Now = f.clock.Now
	f.engine.Executor.Pick = func(int) int { return 0 }
	return f
}

func (f *fixture) sender(t *testing.T, dailyLimit int) *models.Sender {
	t.Helper()
	s := &models.Sender{
		OrganizationID: f.orgID,
		Name:           gofakeit.Name(),
		FromEmail:      gofakeit.Username() + "@sales.example.com",
		FromName:       gofakeit.Name(),
		ProviderType:   models.ProviderSMTP,
		SMTPHost:       "smtp.example.com",
		SMTPPort:       587,
		SMTPVerified:   true,
		DailyLimit:     dailyLimit,
	}
	require.NoError(t, f.db.Create(s).Error)
	return s
}

// campaign creates an active campaign that may send at any time.
func (f *fixture) campaign(t *testing.T, senders []*models.Sender, steps ...models.SequenceStep) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		OrganizationID:  f.orgID,
		Name:            gofakeit.BS(),
		Status:          models.CampaignActive,
		SendingHoursEnd: 24,
		Timezone:        "UTC",
		StopOnReply:     true,
		StopOnBounce:    true,
		TrackOpens:      true,
		TrackClicks:     true,
	}
	require.NoError(t, f.db.Create(c).Error)
	for i := range steps {
		steps[i].CampaignID = c.ID
		steps[i].StepNumber = i + 1
		require.NoError(t, f.db.Create(&steps[i]).Error)
	}
	for _, s := range senders {
		require.NoError(t, f.db.Model(c).Association("Senders").Append(s))
	}
	return c
}

func (f *fixture) leads(t *testing.T, n int) []uint {
	t.Helper()
	var ids []uint
	for i := 0; i < n; i++ {
		l := models.Lead{
			OrganizationID: f.orgID,
			Email:          fmt.Sprintf("lead%d.%s@example.org", i, strings.ToLower(gofakeit.LetterN(6))),
			FirstName:      gofakeit.FirstName(),
			Company:        gofakeit.Company(),
		}
		require.NoError(t, f.db.Create(&l).Error)
		ids = append(ids, l.ID)
	}
	return ids
}

func (f *fixture) enroll(t *testing.T, c *models.Campaign, n int) []models.Recipient {
	t.Helper()
	res, err := f.engine.Sequence.Enroll(context.Background(), c, f.leads(t, n))
	require.NoError(t, err)
	require.Equal(t, n, res.Enrolled)
	return f.recipients(t, c.ID)
}

func (f *fixture) recipients(t *testing.T, campaignID uint) []models.Recipient {
	t.Helper()
	var rs []models.Recipient
	require.NoError(t, f.db.Where("campaign_id = ?", campaignID).Order("id").Find(&rs).Error)
	return rs
}

func (f *fixture) recipient(t *testing.T, id uint) models.Recipient {
	t.Helper()
	var r models.Recipient
	require.NoError(t, f.db.First(&r, id).Error)
	return r
}

func (f *fixture) tick(t *testing.T) *TickReport {
	t.Helper()
	report, err := f.engine.Scheduler.Tick(context.Background())
	require.NoError(t, err)
	f.engine.Notifier.Wait()
	return report
}

func step(subject, body string, delayDays int) models.SequenceStep {
	return models.SequenceStep{Subject: subject, Body: body, DelayDays: delayDays}
}
