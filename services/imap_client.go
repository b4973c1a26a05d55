package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
)

const maxMessageBytes = 10 << 20

// FetchedMessage is one raw message and its UID.
type FetchedMessage struct {
	UID uint32
	Raw []byte
}

// MailboxClient is the part of an IMAP session inbox sync needs.
type MailboxClient interface {
	// Select opens the mailbox read-only and returns its UIDVALIDITY.
	Select(ctx context.Context, mailbox string) (uint32, error)
	// FetchSince returns up to limit messages with UID > after, in UID order.
	// When some messages came back but one could not be read, the readable
	// ones below it are returned along with the error.
	FetchSince(ctx context.Context, after uint32, limit int) ([]FetchedMessage, error)
	Close() error
}

// MailboxDialer opens an authenticated session for a sender.
type MailboxDialer func(ctx context.Context, s *models.Sender) (MailboxClient, error)

type imapMailbox struct {
	c    *client.Client
	stop chan struct{}
}

// DialIMAP connects and logs in with the sender's password or OAuth token.
// The session is terminated if ctx ends while a command is in flight.
// persist is called after an OAuth token refresh; it may be nil.
func DialIMAP(persist func(ctx context.Context, s *models.Sender) error) MailboxDialer {
	return func(ctx context.Context, s *models.Sender) (MailboxClient, error) {
		if !s.HasInbox() {
			return nil, fmt.Errorf("%w: imap not configured", utils.ErrCredentials)
		}

		port := s.IMAPPort
		if port == 0 {
			port = 993
		}
		addr := net.JoinHostPort(s.IMAPHost, fmt.Sprint(port))
		tlsConfig := &tls.Config{ServerName: s.IMAPHost}
		dialer := &net.Dialer{Timeout: 15 * time.Second}

		var (
			c   *client.Client
			err error
		)
		switch strings.ToUpper(s.IMAPEncryption) {
		case "STARTTLS":
			c, err = client.DialWithDialer(dialer, addr)
			if err == nil {
				if err = c.StartTLS(tlsConfig); err != nil {
					c.Logout()
				}
			}
		case "NONE":
			c, err = client.DialWithDialer(dialer, addr)
		default:
			c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			c.Timeout = time.Until(deadline)
		}

		mb := &imapMailbox{c: c, stop: make(chan struct{})}
		go mb.watch(ctx)

		if err := mb.login(ctx, s, persist); err != nil {
			mb.Close()
			return nil, err
		}
		return mb, nil
	}
}

func (m *imapMailbox) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = m.c.Terminate()
	case <-m.stop:
	}
}

func (m *imapMailbox) login(ctx context.Context, s *models.Sender, persist func(context.Context, *models.Sender) error) error {
	username := s.IMAPUsername
	if s.OAuthProvider != "" {
		tok, refreshed, err := utils.OAuthAccessToken(ctx, s)
		if err != nil {
			return err
		}
		if refreshed {
			if err := utils.StoreOAuthToken(s, tok); err != nil {
				return err
			}
			if persist != nil {
				if err := persist(ctx, s); err != nil {
					logrus.WithError(err).WithField("sender_id", s.ID).Warn("Failed to persist refreshed oauth token")
				}
			}
		}

		var auth sasl.Client
		if ok, _ := m.c.SupportAuth(sasl.OAuthBearer); ok {
			auth = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
				Username: username,
				Host:     s.IMAPHost,
				Token:    tok.AccessToken,
			})
		} else {
			auth = &xoauth2Client{username: username, token: tok.AccessToken}
		}
		if err := m.c.Authenticate(auth); err != nil {
			return fmt.Errorf("%w: imap oauth login: %v", utils.ErrCredentials, err)
		}
		return nil
	}

	password, err := utils.Decrypt(s.IMAPPassword)
	if err != nil {
		return fmt.Errorf("%w: decrypt imap password: %v", utils.ErrCredentials, err)
	}
	if err := m.c.Login(username, password); err != nil {
		return fmt.Errorf("%w: failed to login to IMAP server: %v", utils.ErrCredentials, err)
	}
	return nil
}

func (m *imapMailbox) Select(_ context.Context, mailbox string) (uint32, error) {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	status, err := m.c.Select(mailbox, true)
	if err != nil {
		return 0, fmt.Errorf("failed to select mailbox: %w", err)
	}
	return status.UidValidity, nil
}

func (m *imapMailbox) FetchSince(ctx context.Context, after uint32, limit int) ([]FetchedMessage, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(after+1, 0)

	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	// "n:*" always matches the newest message, even when its UID is below n
	wanted := uids[:0]
	for _, uid := range uids {
		if uid > after {
			wanted = append(wanted, uid)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}
	sort.Slice(wanted, func(i, j int) bool { return wanted[i] < wanted[j] })
	if limit > 0 && len(wanted) > limit {
		wanted = wanted[:limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(wanted...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	out, readErr := readFetched(messages, func(msg *imap.Message) io.Reader {
		if literal := msg.GetBody(section); literal != nil {
			return literal
		}
		return nil
	})
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	return out, readErr
}

// readFetched drains a fetch and returns the messages in UID order. When a
// body cannot be read the result stops just below that UID, together with
// an error naming it, so the sync cursor never moves past it.
func readFetched(messages <-chan *imap.Message, body func(*imap.Message) io.Reader) ([]FetchedMessage, error) {
	var (
		out     []FetchedMessage
		badUID  uint32
		readErr error
	)
	for msg := range messages {
		if badUID != 0 && msg.Uid > badUID {
			continue
		}
		var raw []byte
		r := body(msg)
		err := errors.New("message has no body")
		if r != nil {
			raw, err = io.ReadAll(io.LimitReader(r, maxMessageBytes))
		}
		if err != nil {
			badUID = msg.Uid
			readErr = fmt.Errorf("read uid %d: %w", msg.Uid, err)
			continue
		}
		out = append(out, FetchedMessage{UID: msg.Uid, Raw: raw})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	if badUID != 0 {
		keep := out[:0]
		for _, fm := range out {
			if fm.UID < badUID {
				keep = append(keep, fm)
			}
		}
		out = keep
	}
	return out, readErr
}

func (m *imapMailbox) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
		close(m.stop)
	}
	err := m.c.Logout()
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return nil
	}
	return err
}

// xoauth2Client is the SASL XOAUTH2 mechanism; Outlook does not offer
// OAUTHBEARER.
type xoauth2Client struct {
	username string
	token    string
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// an error challenge is acknowledged with an empty response
	return []byte{}, nil
}

// TestIMAP logs in and selects the sender's mailbox.
func TestIMAP(ctx context.Context, dial MailboxDialer, s *models.Sender) error {
	mb, err := dial(ctx, s)
	if err != nil {
		return err
	}
	defer mb.Close()
	_, err = mb.Select(ctx, s.IMAPMailbox)
	return err
}
