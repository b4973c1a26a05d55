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

// Ingester consumes normalized inbound messages.
type Ingester interface {
	IngestInbound(ctx context.Context, m *InboundMessage) (*IngestResult, error)
}

// InboxSync polls sending accounts over IMAP for replies and bounces.
type InboxSync struct {
	DB          *gorm.DB
	Ingester    Ingester
	Dial        MailboxDialer
	Locker      utils.Locker
	Concurrency int
	Timeout     time.Duration
	BatchSize   int
	Now         func() time.Time
	Log         *logrus.Entry
}

func NewInboxSync(db *gorm.DB, ingester Ingester, dial MailboxDialer, locker utils.Locker, concurrency int, timeout time.Duration) *InboxSync {
	return &InboxSync{
		DB:          db,
		Ingester:    ingester,
		Dial:        dial,
		Locker:      locker,
		Concurrency: concurrency,
		Timeout:     timeout,
		BatchSize:   200,
		Now:         time.Now,
		Log:         utils.Logger("inbox_sync"),
	}
}

func (s *InboxSync) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// SyncResult is the outcome of one account poll.
type SyncResult struct {
	SenderID  uint   `json:"sender_id"`
	Fetched   int    `json:"fetched"`
	Processed int    `json:"processed"`
	Cursor    uint32 `json:"cursor"`
	Skipped   bool   `json:"skipped,omitempty"` // another poll holds the account
	Error     string `json:"error,omitempty"`
}

type SyncReport struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Accounts   []SyncResult `json:"accounts"`

	mu sync.Mutex
}

func (r *SyncReport) add(res SyncResult) {
	r.mu.Lock()
	r.Accounts = append(r.Accounts, res)
	r.mu.Unlock()
}

// SyncAll polls every account with a verified inbox through a bounded pool.
// One account's failure never stops the others.
func (s *InboxSync) SyncAll(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{StartedAt: s.now()}

	var senders []models.Sender
	if err := s.DB.WithContext(ctx).
		Where("imap_host <> '' AND imap_verified = ?", true).
		Order("id").
		Find(&senders).Error; err != nil {
		return nil, fmt.Errorf("failed to list inbox accounts: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i := range senders {
		sender := senders[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.Log.WithFields(logrus.Fields{
						"sender_id": sender.ID,
						"panic":     r,
						"stack":     string(debug.Stack()),
					}).Error("Inbox sync panicked")
					report.add(SyncResult{SenderID: sender.ID, Error: fmt.Sprint(r)})
				}
			}()
			res, err := s.SyncAccount(gctx, &sender)
			if err != nil {
				res.Error = err.Error()
			}
			report.add(res)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.now()
	return report, nil
}

// SyncAccount fetches messages above the account's cursor, ingests them in
// UID order and moves the cursor to the last message handled before the
// first failure. A crash before the cursor moves only causes replays, which
// ingestion ignores.
func (s *InboxSync) SyncAccount(ctx context.Context, sender *models.Sender) (SyncResult, error) {
	res := SyncResult{SenderID: sender.ID, Cursor: sender.SyncCursor}
	log := s.Log.WithField("sender_id", sender.ID)

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	unlock, ok, err := s.Locker.TryLock(ctx, fmt.Sprintf("imap:%d", sender.ID), timeout+30*time.Second)
	if err != nil {
		utils.InboxSyncErrors.WithLabelValues("lock").Inc()
		return res, fmt.Errorf("failed to lock inbox: %w", err)
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mb, err := s.Dial(ctx, sender)
	if err != nil {
		utils.InboxSyncErrors.WithLabelValues("login").Inc()
		if errors.Is(err, utils.ErrCredentials) {
			s.markInboxUnverified(sender.ID, err)
		}
		return res, err
	}
	defer mb.Close()

	validity, err := mb.Select(ctx, sender.IMAPMailbox)
	if err != nil {
		utils.InboxSyncErrors.WithLabelValues("select").Inc()
		return res, err
	}

	after := sender.SyncCursor
	if validity != sender.SyncUIDValidity {
		if sender.SyncUIDValidity != 0 {
			log.WithFields(logrus.Fields{
				"old_uid_validity": sender.SyncUIDValidity,
				"new_uid_validity": validity,
			}).Warn("Mailbox UIDVALIDITY changed, rescanning")
		}
		after = 0
	}

	messages, fetchErr := mb.FetchSince(ctx, after, s.BatchSize)
	if fetchErr != nil {
		utils.InboxSyncErrors.WithLabelValues("fetch").Inc()
		if len(messages) == 0 {
			return res, fetchErr
		}
		log.WithError(fetchErr).Warn("Fetch stopped early, processing the messages before the gap")
	}
	res.Fetched = len(messages)

	cursor := after
	var ingestErr error
	for _, fm := range messages {
		msg, err := ParseRFC822(fm.Raw)
		if err != nil {
			// unparseable mail will never parse; step over it
			utils.InboxSyncErrors.WithLabelValues("parse").Inc()
			log.WithError(err).WithField("uid", fm.UID).Warn("Skipping unparseable message")
			cursor = fm.UID
			res.Processed++
			continue
		}
		msg.Source = SourceIMAP
		msg.SourceKey = fmt.Sprintf("imap:%d:%d:%d", sender.ID, validity, fm.UID)
		senderID := sender.ID
		msg.SenderID = &senderID

		if _, err := s.Ingester.IngestInbound(ctx, msg); err != nil {
			utils.InboxSyncErrors.WithLabelValues("ingest").Inc()
			ingestErr = fmt.Errorf("ingest uid %d: %w", fm.UID, err)
			break
		}
		cursor = fm.UID
		res.Processed++
	}

	if err := s.advanceCursor(sender, validity, cursor); err != nil {
		utils.InboxSyncErrors.WithLabelValues("cursor").Inc()
		return res, err
	}
	res.Cursor = cursor

	if ingestErr != nil {
		return res, ingestErr
	}
	if fetchErr != nil {
		return res, fetchErr
	}
	if res.Processed > 0 {
		log.WithFields(logrus.Fields{"processed": res.Processed, "cursor": cursor}).Info("Inbox synced")
	}
	return res, nil
}

// advanceCursor is a compare-and-set on SyncVersion. Losing the race means
// another poll already moved the cursor, which is not an error.
func (s *InboxSync) advanceCursor(sender *models.Sender, validity, cursor uint32) error {
	now := s.now()
	// the session context may have expired; the cursor must still be saved
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := s.DB.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ? AND sync_version = ?", sender.ID, sender.SyncVersion).
		Updates(map[string]interface{}{
			"sync_cursor":       cursor,
			"sync_uid_validity": validity,
			"sync_version":      gorm.Expr("sync_version + 1"),
			"last_synced_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.Log.WithField("sender_id", sender.ID).Warn("Sync cursor moved by another poll")
		return nil
	}
	sender.SyncCursor = cursor
	sender.SyncUIDValidity = validity
	sender.SyncVersion++
	sender.LastSyncedAt = &now
	return nil
}

func (s *InboxSync) markInboxUnverified(senderID uint, cause error) {
	msg := truncate(cause.Error(), 1000)
	if err := s.DB.Model(&models.Sender{}).Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"imap_verified": false,
			"last_error":    msg,
		}).Error; err != nil {
		s.Log.WithError(err).WithField("sender_id", senderID).Error("Failed to flag inbox as unverified")
	}
	utils.LogError("imap_credentials_rejected", cause, map[string]interface{}{"sender_id": senderID})
}
