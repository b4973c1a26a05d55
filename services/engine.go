package services

import (
	"context"
	"time"

	"outreach/config"
	"outreach/models"
	"outreach/utils"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func NewExecutor(db *gorm.DB, sequence *Sequence, contacts ContactSource, transport utils.Transport, quota utils.QuotaCounter, cfg config.Config) *Executor {
	return &Executor{
		DB:          db,
		Sequence:    sequence,
		Contacts:    contacts,
		Transport:   transport,
		Quota:       quota,
		BaseURL:     cfg.TrackingBaseURL,
		SendTimeout: cfg.Scheduler.SendTimeout,
		MaxAttempts: cfg.Scheduler.MaxSendAttempts,
		Now:         time.Now,
		Log:         utils.Logger("executor"),
	}
}

func NewScheduler(db *gorm.DB, sequence *Sequence, executor *Executor, rotator *utils.SenderRotator, quota utils.QuotaCounter, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		DB:          db,
		Sequence:    sequence,
		Executor:    executor,
		Rotator:     rotator,
		Quota:       quota,
		Concurrency: cfg.WorkerConcurrency,
		BatchSize:   cfg.BatchSize,
		Lease:       cfg.ClaimLease,
		Now:         time.Now,
		Log:         utils.Logger("scheduler"),
	}
}

// EngineOptions overrides the collaborators NewEngine would build itself.
type EngineOptions struct {
	Redis     *redis.Client // nil keeps quotas and locks in the database and process
	Hook      AutomationHook
	Transport utils.Transport
	Dial      MailboxDialer
	Contacts  *LeadStore
}

// Engine is the assembled campaign engine.
type Engine struct {
	DB        *gorm.DB
	Notifier  *Notifier
	Sequence  *Sequence
	Executor  *Executor
	Scheduler *Scheduler
	Tracker   *Tracker
	InboxSync *InboxSync
	Verifier  *WebhookVerifier
	Dial      MailboxDialer

	// OnCycle observes every finished cycle, e.g. to stream it to dashboards.
	OnCycle func(*CycleReport)
}

func NewEngine(db *gorm.DB, cfg config.Config, opts EngineOptions) *Engine {
	var (
		quota  utils.QuotaCounter
		locker utils.Locker
	)
	if opts.Redis != nil {
		quota = utils.NewRedisQuotaCounter(opts.Redis)
		locker = utils.NewRedisLocker(opts.Redis)
	} else {
		quota = utils.NewDBQuotaCounter(db)
		locker = utils.NewLocalLocker()
	}

	contacts := opts.Contacts
	if contacts == nil {
		contacts = NewLeadStore(db)
	}

	hook := opts.Hook
	if hook == nil {
		hook = MultiHook{LogHook{}, HistoryHook{History: contacts}}
	}
	notifier := NewNotifier(hook, cfg.Automation.Timeout)

	persist := func(ctx context.Context, s *models.Sender) error {
		return PersistOAuthToken(ctx, db, s)
	}

	transport := opts.Transport
	if transport == nil {
		transport = utils.NewTransportRouter(
			&utils.SMTPTransport{PersistToken: persist},
			&utils.SendGridTransport{},
			cfg.Scheduler,
		)
	}

	dial := opts.Dial
	if dial == nil {
		dial = DialIMAP(persist)
	}

	sequence := NewSequence(db, notifier)
	executor := NewExecutor(db, sequence, contacts, transport, quota, cfg)
	scheduler := NewScheduler(db, sequence, executor, utils.NewSenderRotator(db, quota), quota, cfg.Scheduler)
	tracker := NewTracker(db, sequence, contacts)
	inbox := NewInboxSync(db, tracker, dial, locker, cfg.Scheduler.IMAPConcurrency, cfg.Scheduler.IMAPTimeout)

	return &Engine{
		DB:        db,
		Notifier:  notifier,
		Sequence:  sequence,
		Executor:  executor,
		Scheduler: scheduler,
		Tracker:   tracker,
		InboxSync: inbox,
		Verifier:  NewWebhookVerifier(cfg.Webhooks),
		Dial:      dial,
	}
}

// PersistOAuthToken saves a refreshed sender token.
func PersistOAuthToken(ctx context.Context, db *gorm.DB, s *models.Sender) error {
	return db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", s.ID).
		Updates(map[string]interface{}{
			"oauth_token":         s.OAuthToken,
			"oauth_refresh_token": s.OAuthRefreshToken,
			"oauth_expiry":        s.OAuthExpiry,
		}).Error
}

// CycleReport combines one scheduler tick and one inbox pass.
type CycleReport struct {
	Tick  *TickReport `json:"tick"`
	Inbox *SyncReport `json:"inbox,omitempty"`
}

// RunCycle runs a scheduler tick and, when withInbox is set, an inbox pass.
func (e *Engine) RunCycle(ctx context.Context, withInbox bool) (*CycleReport, error) {
	tick, err := e.Scheduler.Tick(ctx)
	if err != nil {
		return nil, err
	}
	report := &CycleReport{Tick: tick}

	if withInbox {
		inbox, err := e.InboxSync.SyncAll(ctx)
		if err != nil {
			logrus.WithError(err).Error("Inbox sync failed")
		}
		report.Inbox = inbox
	}

	if e.OnCycle != nil {
		e.OnCycle(report)
	}
	return report, nil
}

// Shutdown waits for in-flight automation deliveries.
func (e *Engine) Shutdown() {
	e.Notifier.Wait()
}
