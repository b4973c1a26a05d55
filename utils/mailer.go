package utils

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"outreach/config"
	"outreach/models"

	"github.com/oklog/ulid/v2"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

var (
	// ErrCredentials means the account's secrets are missing, undecryptable or
	// rejected by the provider. The account needs operator attention.
	ErrCredentials = errors.New("sender credentials rejected")
	// ErrSendTimeout is returned when a dispatch outlives its context.
	ErrSendTimeout = errors.New("send timed out")
)

// OutboundMessage is a fully rendered email ready for a transport.
type OutboundMessage struct {
	FromEmail  string
	FromName   string
	To         string
	Subject    string
	HTML       string
	MessageID  string // without angle brackets
	InReplyTo  string
	References []string
	Headers    map[string]string
}

type SendResult struct {
	ProviderMessageID string
}

// Transport dispatches one message through a sending account.
type Transport interface {
	Send(ctx context.Context, sender *models.Sender, msg *OutboundMessage) (SendResult, error)
}

// NewMessageID returns a globally unique RFC 5322 id-left@id-right, without
// angle brackets.
func NewMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = strings.ToLower(fromEmail[at+1:])
	}
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String() + "@" + domain
}

func angle(id string) string {
	return "<" + strings.Trim(id, "<> ") + ">"
}

// SMTPTransport sends through the account's own SMTP server with gomail.
type SMTPTransport struct {
	// PersistToken saves a refreshed OAuth token; nil skips persistence.
	PersistToken func(ctx context.Context, s *models.Sender) error
}

func (t *SMTPTransport) dialer(ctx context.Context, s *models.Sender) (*gomail.Dialer, error) {
	if s.SMTPHost == "" || s.SMTPPort == 0 {
		return nil, fmt.Errorf("%w: smtp host not configured", ErrCredentials)
	}

	username := s.SMTPUsername
	if username == "" {
		username = s.FromEmail
	}

	d := gomail.NewDialer(s.SMTPHost, s.SMTPPort, username, "")
	d.TLSConfig = &tls.Config{ServerName: s.SMTPHost}
	d.SSL = strings.EqualFold(s.Encryption, "SSL") || s.SMTPPort == 465

	if s.OAuthProvider != "" {
		tok, refreshed, err := OAuthAccessToken(ctx, s)
		if err != nil {
			return nil, err
		}
		if refreshed {
			if err := StoreOAuthToken(s, tok); err != nil {
				return nil, err
			}
			if t.PersistToken != nil {
				if err := t.PersistToken(ctx, s); err != nil {
					logrus.WithError(err).WithField("sender_id", s.ID).Warn("Failed to persist refreshed oauth token")
				}
			}
			logrus.WithFields(logrus.Fields{"sender_id": s.ID, "expiry": tokenExpiry(tok)}).Debug("Refreshed sender oauth token")
		}
		d.Auth = XOAuth2(username, tok.AccessToken)
		return d, nil
	}

	password, err := Decrypt(s.SMTPPassword)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt smtp password: %v", ErrCredentials, err)
	}
	d.Password = password
	return d, nil
}

func (t *SMTPTransport) Send(ctx context.Context, s *models.Sender, msg *OutboundMessage) (SendResult, error) {
	d, err := t.dialer(ctx, s)
	if err != nil {
		return SendResult{}, err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", angle(msg.MessageID))
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", angle(msg.InReplyTo))
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, angle(r))
		}
		m.SetHeader("References", strings.Join(refs, " "))
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", msg.HTML)

	// gomail has no context support, so the dial runs detached and is abandoned on timeout
	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return SendResult{}, classifySMTPError(err)
		}
		return SendResult{}, nil
	case <-ctx.Done():
		return SendResult{}, fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
	}
}

func classifySMTPError(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && (tp.Code == 530 || tp.Code == 534 || tp.Code == 535) {
		return fmt.Errorf("%w: %v", ErrCredentials, err)
	}
	return err
}

// TestSMTP dials and authenticates without sending anything.
func TestSMTP(ctx context.Context, s *models.Sender) error {
	t := &SMTPTransport{}
	d, err := t.dialer(ctx, s)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		closer, err := d.Dial()
		if err == nil {
			err = closer.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return classifySMTPError(err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
	}
}

// SendGridTransport sends through the SendGrid v3 API. The sender's
// SMTPPassword holds its encrypted API key.
type SendGridTransport struct {
	Host string
}

func (t *SendGridTransport) Send(ctx context.Context, s *models.Sender, msg *OutboundMessage) (SendResult, error) {
	apiKey, err := Decrypt(s.SMTPPassword)
	if err != nil || apiKey == "" {
		return SendResult{}, fmt.Errorf("%w: sendgrid api key unavailable", ErrCredentials)
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail(msg.FromName, msg.FromEmail))
	m.Subject = msg.Subject
	p := sgmail.NewPersonalization()
	p.AddTos(sgmail.NewEmail("", msg.To))
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/html", msg.HTML))

	// SendGrid assigns its own Message-ID; threading relies on these headers
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", angle(msg.InReplyTo))
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, angle(r))
		}
		m.SetHeader("References", strings.Join(refs, " "))
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	host := t.Host
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	req := sendgrid.GetRequest(apiKey, "/v3/mail/send", host)
	req.Method = "POST"
	req.Body = sgmail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return SendResult{}, fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
		}
		return SendResult{}, fmt.Errorf("sendgrid request: %w", err)
	}
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return SendResult{}, fmt.Errorf("%w: sendgrid returned %d", ErrCredentials, resp.StatusCode)
	case resp.StatusCode >= 400:
		return SendResult{}, fmt.Errorf("sendgrid returned error status: %d", resp.StatusCode)
	}

	var providerID string
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		providerID = ids[0]
	}
	return SendResult{ProviderMessageID: providerID}, nil
}

// Test checks the sender's API key against the scopes endpoint.
func (t *SendGridTransport) Test(ctx context.Context, s *models.Sender) error {
	apiKey, err := Decrypt(s.SMTPPassword)
	if err != nil || apiKey == "" {
		return fmt.Errorf("%w: sendgrid api key unavailable", ErrCredentials)
	}
	host := t.Host
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	req := sendgrid.GetRequest(apiKey, "/v3/scopes", host)
	req.Method = "GET"

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return fmt.Errorf("%w: sendgrid returned %d", ErrCredentials, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("sendgrid returned error status: %d", resp.StatusCode)
	}
	return nil
}

// TransportRouter picks the transport by provider type and wraps every
// account in its own circuit breaker and rate limiter.
type TransportRouter struct {
	SMTP     Transport
	SendGrid Transport

	rps   rate.Limit
	burst int

	mu       sync.Mutex
	breakers map[uint]*gobreaker.CircuitBreaker
	limiters map[uint]*rate.Limiter
}

func NewTransportRouter(smtpT, sendgridT Transport, cfg config.SchedulerConfig) *TransportRouter {
	rps := rate.Inf
	if cfg.SendRatePerSecond > 0 {
		rps = rate.Limit(cfg.SendRatePerSecond)
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}
	return &TransportRouter{
		SMTP:     smtpT,
		SendGrid: sendgridT,
		rps:      rps,
		burst:    burst,
		breakers: map[uint]*gobreaker.CircuitBreaker{},
		limiters: map[uint]*rate.Limiter{},
	}
}

func (r *TransportRouter) guards(senderID uint) (*gobreaker.CircuitBreaker, *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[senderID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("sender-%d", senderID),
			MaxRequests: 3,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Sender circuit breaker state changed")
			},
		})
		r.breakers[senderID] = cb
	}

	lim, ok := r.limiters[senderID]
	if !ok {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[senderID] = lim
	}
	return cb, lim
}

func (r *TransportRouter) Send(ctx context.Context, s *models.Sender, msg *OutboundMessage) (SendResult, error) {
	var t Transport
	switch s.ProviderType {
	case models.ProviderSendGrid:
		t = r.SendGrid
	case models.ProviderSMTP, "":
		t = r.SMTP
	}
	if t == nil {
		return SendResult{}, fmt.Errorf("%w: unsupported provider %q", ErrCredentials, s.ProviderType)
	}

	cb, lim := r.guards(s.ID)
	if err := lim.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("%w: rate limiter: %v", ErrSendTimeout, err)
	}

	start := time.Now()
	res, err := cb.Execute(func() (interface{}, error) {
		return t.Send(ctx, s, msg)
	})
	SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return SendResult{}, err
	}
	return res.(SendResult), nil
}
