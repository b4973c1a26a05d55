package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	validity   uint32
	messages   []FetchedMessage
	unreadable map[uint32]bool
	closed     bool
}

func (m *fakeMailbox) Select(context.Context, string) (uint32, error) { return m.validity, nil }

func (m *fakeMailbox) FetchSince(_ context.Context, after uint32, limit int) ([]FetchedMessage, error) {
	var out []FetchedMessage
	for _, msg := range m.messages {
		if msg.UID <= after || len(out) >= limit {
			continue
		}
		if m.unreadable[msg.UID] {
			return out, fmt.Errorf("read uid %d: connection reset", msg.UID)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

// countingIngester fails once it has accepted failAfter messages.
type countingIngester struct {
	mu        sync.Mutex
	keys      []string
	seen      map[string]bool
	failAfter int
}

func (c *countingIngester) IngestInbound(_ context.Context, m *InboundMessage) (*IngestResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && len(c.keys) >= c.failAfter {
		return nil, errors.New("database is gone")
	}
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	if c.seen[m.SourceKey] {
		return &IngestResult{Outcome: OutcomeDuplicate, Duplicate: true}, nil
	}
	c.seen[m.SourceKey] = true
	c.keys = append(c.keys, m.SourceKey)
	return &IngestResult{Outcome: OutcomeNoCorrelation}, nil
}

func rawMessage(uid uint32) []byte {
	return []byte(fmt.Sprintf("From: lead%d@example.org\r\n"+
		"To: sales@example.com\r\n"+
		"Subject: Re: hello %d\r\n"+
		"Message-ID: <msg-%d@example.org>\r\n"+
		"In-Reply-To: <out-%d@sales.example.com>\r\n"+
		"Date: Mon, 08 Jan 2024 09:00:00 +0000\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"thanks, tell me more\r\n", uid, uid, uid, uid))
}

func mailbox(validity uint32, uids ...uint32) *fakeMailbox {
	mb := &fakeMailbox{validity: validity}
	for _, uid := range uids {
		mb.messages = append(mb.messages, FetchedMessage{UID: uid, Raw: rawMessage(uid)})
	}
	return mb
}

func inboxFixture(t *testing.T, mb *fakeMailbox, ingester *countingIngester) (*fixture, *models.Sender) {
	t.Helper()
	f := newFixture(t)
	s := f.sender(t, 0)
	require.NoError(t, f.db.Model(s).Updates(map[string]interface{}{
		"imap_host":     "imap.example.com",
		"imap_username": "sales",
		"imap_verified": true,
	}).Error)
	require.NoError(t, f.db.First(s, s.ID).Error)

	f.engine.InboxSync.Ingester = ingester
	f.engine.InboxSync.Dial = func(context.Context, *models.Sender) (MailboxClient, error) {
		return mb, nil
	}
	return f, s
}

func reloadSender(t *testing.T, f *fixture, s *models.Sender) {
	t.Helper()
	require.NoError(t, f.db.First(s, s.ID).Error)
}

func TestSyncAccountStopsAtFirstFailure(t *testing.T) {
	mb := mailbox(7, 1, 2, 3, 4, 5)
	ingester := &countingIngester{failAfter: 3}
	f, s := inboxFixture(t, mb, ingester)
	ctx := context.Background()

	res, err := f.engine.InboxSync.SyncAccount(ctx, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uid 4")
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 3, res.Processed)
	assert.True(t, mb.closed)

	reloadSender(t, f, s)
	assert.EqualValues(t, 3, s.SyncCursor)
	assert.EqualValues(t, 7, s.SyncUIDValidity)

	ingester.failAfter = 0
	res, err = f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	reloadSender(t, f, s)
	assert.EqualValues(t, 5, s.SyncCursor)

	assert.Equal(t, []string{
		fmt.Sprintf("imap:%d:7:1", s.ID),
		fmt.Sprintf("imap:%d:7:2", s.ID),
		fmt.Sprintf("imap:%d:7:3", s.ID),
		fmt.Sprintf("imap:%d:7:4", s.ID),
		fmt.Sprintf("imap:%d:7:5", s.ID),
	}, ingester.keys)

	// nothing new
	res, err = f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	reloadSender(t, f, s)
	assert.EqualValues(t, 5, s.SyncCursor)
}

func TestSyncAccountStopsBeforeUnreadableMessage(t *testing.T) {
	mb := mailbox(7, 4, 5, 6)
	mb.unreadable = map[uint32]bool{5: true}
	ingester := &countingIngester{}
	f, s := inboxFixture(t, mb, ingester)
	require.NoError(t, f.db.Model(s).Updates(map[string]interface{}{"sync_cursor": 3, "sync_uid_validity": 7}).Error)
	reloadSender(t, f, s)
	ctx := context.Background()

	res, err := f.engine.InboxSync.SyncAccount(ctx, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uid 5")
	assert.Equal(t, 1, res.Processed)

	reloadSender(t, f, s)
	assert.EqualValues(t, 4, s.SyncCursor)

	mb.unreadable = nil
	res, err = f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	reloadSender(t, f, s)
	assert.EqualValues(t, 6, s.SyncCursor)
	assert.Equal(t, []string{
		fmt.Sprintf("imap:%d:7:4", s.ID),
		fmt.Sprintf("imap:%d:7:5", s.ID),
		fmt.Sprintf("imap:%d:7:6", s.ID),
	}, ingester.keys)
}

func TestSyncAccountUnreadableFirstMessage(t *testing.T) {
	mb := mailbox(7, 1, 2)
	mb.unreadable = map[uint32]bool{1: true}
	f, s := inboxFixture(t, mb, &countingIngester{})

	_, err := f.engine.InboxSync.SyncAccount(context.Background(), s)
	require.Error(t, err)
	reloadSender(t, f, s)
	assert.EqualValues(t, 0, s.SyncCursor)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestReadFetchedStopsBelowUnreadableBody(t *testing.T) {
	messages := make(chan *imap.Message, 4)
	// servers may answer out of order
	for _, uid := range []uint32{6, 4, 5, 7} {
		messages <- &imap.Message{Uid: uid}
	}
	close(messages)

	out, err := readFetched(messages, func(msg *imap.Message) io.Reader {
		switch msg.Uid {
		case 5:
			return failingReader{}
		case 7:
			return nil
		}
		return strings.NewReader(fmt.Sprintf("uid %d", msg.Uid))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uid 5")
	require.Len(t, out, 1)
	assert.EqualValues(t, 4, out[0].UID)
	assert.Equal(t, "uid 4", string(out[0].Raw))

	messages = make(chan *imap.Message, 2)
	messages <- &imap.Message{Uid: 9}
	messages <- &imap.Message{Uid: 8}
	close(messages)
	out, err = readFetched(messages, func(msg *imap.Message) io.Reader { return strings.NewReader("x") })
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.EqualValues(t, 8, out[0].UID)
}

func TestSyncAccountRescansOnNewUIDValidity(t *testing.T) {
	mb := mailbox(7, 1, 2)
	ingester := &countingIngester{}
	f, s := inboxFixture(t, mb, ingester)
	ctx := context.Background()

	_, err := f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)

	mb.validity = 9
	res, err := f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	reloadSender(t, f, s)
	assert.EqualValues(t, 9, s.SyncUIDValidity)
	assert.EqualValues(t, 2, s.SyncCursor)
	assert.Len(t, ingester.keys, 4)
}

func TestSyncAccountSkipsLockedInbox(t *testing.T) {
	mb := mailbox(7, 1)
	f, s := inboxFixture(t, mb, &countingIngester{})
	ctx := context.Background()

	unlock, ok, err := f.engine.InboxSync.Locker.TryLock(ctx, fmt.Sprintf("imap:%d", s.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, mb.closed)

	unlock()
	res, err = f.engine.InboxSync.SyncAccount(ctx, s)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Processed)
}

func TestSyncAccountIgnoresStaleCursorWrite(t *testing.T) {
	mb := mailbox(7, 1, 2)
	f, s := inboxFixture(t, mb, &countingIngester{})

	stale := *s
	_, err := f.engine.InboxSync.SyncAccount(context.Background(), s)
	require.NoError(t, err)

	// a second poller holding the old version must not move the cursor back
	mb.messages = mb.messages[:1]
	stale.SyncCursor = 0
	_, err = f.engine.InboxSync.SyncAccount(context.Background(), &stale)
	require.NoError(t, err)

	reloadSender(t, f, s)
	assert.EqualValues(t, 2, s.SyncCursor)
}

func TestSyncAccountRejectedLogin(t *testing.T) {
	f, s := inboxFixture(t, mailbox(1), &countingIngester{})
	f.engine.InboxSync.Dial = func(context.Context, *models.Sender) (MailboxClient, error) {
		return nil, fmt.Errorf("login: %w", utils.ErrCredentials)
	}

	_, err := f.engine.InboxSync.SyncAccount(context.Background(), s)
	require.Error(t, err)

	reloadSender(t, f, s)
	assert.False(t, s.IMAPVerified)
	require.NotNil(t, s.LastError)
}

func TestSyncAllIntoTracker(t *testing.T) {
	f, c, sent := sentFixture(t)
	require.NoError(t, f.db.Model(&models.Sender{}).Where("id = ?", sent.SenderID).Updates(map[string]interface{}{
		"imap_host":     "imap.example.com",
		"imap_username": "sales",
		"imap_verified": true,
	}).Error)

	raw := []byte("From: " + sent.ToEmail + "\r\n" +
		"Subject: Re: Hello\r\n" +
		"Message-ID: <answer@example.org>\r\n" +
		"In-Reply-To: <" + sent.MessageID + ">\r\n" +
		"\r\n" +
		"Sounds good\r\n")
	mb := &fakeMailbox{validity: 3, messages: []FetchedMessage{{UID: 10, Raw: raw}}}
	f.engine.InboxSync.Dial = func(context.Context, *models.Sender) (MailboxClient, error) { return mb, nil }

	report, err := f.engine.InboxSync.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Accounts, 1)
	assert.Empty(t, report.Accounts[0].Error)
	assert.Equal(t, 1, report.Accounts[0].Processed)

	f.engine.Notifier.Wait()
	assert.Equal(t, models.RecipientReplied, f.recipient(t, sent.RecipientID).Status)
	assert.Equal(t, 1, loadCampaign(t, f, c.ID).ReplyCount)

	var entry models.InboundEmail
	require.NoError(t, f.db.First(&entry).Error)
	assert.Equal(t, SourceIMAP, entry.Source)
	assert.Equal(t, OutcomeReply, entry.Outcome)
}
