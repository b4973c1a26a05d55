package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"outreach/config"

	"github.com/valyala/fasthttp"
)

const (
	ProviderMailgun  = "mailgun"
	ProviderSendGrid = "sendgrid"
	ProviderPostmark = "postmark"
	SourceIMAP       = "imap"
)

var (
	ErrWebhookUnauthorized = errors.New("webhook signature could not be verified")
	ErrWebhookPayload      = errors.New("invalid webhook payload")
	ErrUnknownProvider     = errors.New("unknown inbound provider")
)

// WebhookVerifier authenticates inbound mail webhooks. Mailgun signs each
// post; SendGrid and Postmark are configured with basic-auth credentials in
// the webhook URL.
type WebhookVerifier struct {
	Config config.WebhookConfig
	Now    func() time.Time
}

func NewWebhookVerifier(cfg config.WebhookConfig) *WebhookVerifier {
	return &WebhookVerifier{Config: cfg, Now: time.Now}
}

func (v *WebhookVerifier) Verify(provider string, req *fasthttp.Request, form map[string]string) error {
	switch provider {
	case ProviderMailgun:
		return v.verifyMailgun(form)
	case ProviderSendGrid:
		return verifyBasicAuth(req, v.Config.SendGridInboundUser, v.Config.SendGridInboundPass)
	case ProviderPostmark:
		return verifyBasicAuth(req, v.Config.PostmarkInboundUser, v.Config.PostmarkInboundPass)
	}
	return ErrUnknownProvider
}

func (v *WebhookVerifier) verifyMailgun(form map[string]string) error {
	if v.Config.MailgunSigningKey == "" {
		return ErrWebhookUnauthorized
	}
	timestamp, token, signature := form["timestamp"], form["token"], form["signature"]
	if timestamp == "" || token == "" || signature == "" {
		return ErrWebhookUnauthorized
	}

	mac := hmac.New(sha256.New, []byte(v.Config.MailgunSigningKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrWebhookUnauthorized
	}

	if v.Config.MaxSignatureAge > 0 {
		secs, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return ErrWebhookUnauthorized
		}
		now := time.Now()
		if v.Now != nil {
			now = v.Now()
		}
		age := now.Sub(time.Unix(secs, 0))
		if age < 0 {
			age = -age
		}
		if age > v.Config.MaxSignatureAge {
			return fmt.Errorf("%w: signature is %s old", ErrWebhookUnauthorized, age.Round(time.Second))
		}
	}
	return nil
}

func verifyBasicAuth(req *fasthttp.Request, user, pass string) error {
	if user == "" || pass == "" {
		return ErrWebhookUnauthorized
	}
	auth := string(req.Header.Peek(fasthttp.HeaderAuthorization))
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ErrWebhookUnauthorized
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
	if err != nil {
		return ErrWebhookUnauthorized
	}
	gotUser, gotPass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return ErrWebhookUnauthorized
	}

	userOK := subtle.ConstantTimeCompare([]byte(gotUser), []byte(user))
	passOK := subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass))
	if userOK&passOK != 1 {
		return ErrWebhookUnauthorized
	}
	return nil
}

// FormFields flattens a urlencoded or multipart body to its first values.
func FormFields(req *fasthttp.Request) (map[string]string, error) {
	fields := map[string]string{}
	if strings.HasPrefix(string(req.Header.ContentType()), "multipart/form-data") {
		form, err := req.MultipartForm()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
		}
		for k, vs := range form.Value {
			if len(vs) > 0 {
				fields[k] = vs[0]
			}
		}
		return fields, nil
	}

	req.PostArgs().VisitAll(func(key, value []byte) {
		k := string(key)
		if _, seen := fields[k]; !seen {
			fields[k] = string(value)
		}
	})
	return fields, nil
}

// ParseProviderPayload normalizes one provider's inbound post. Mailgun and
// SendGrid post forms; Postmark posts JSON.
func ParseProviderPayload(provider string, req *fasthttp.Request, form map[string]string) (*InboundMessage, error) {
	var (
		m   *InboundMessage
		err error
	)
	switch provider {
	case ProviderMailgun:
		m, err = parseMailgun(form)
	case ProviderSendGrid:
		m, err = parseSendGrid(form)
	case ProviderPostmark:
		m, err = parsePostmark(req.Body())
	default:
		return nil, ErrUnknownProvider
	}
	if err != nil {
		return nil, err
	}
	m.Source = provider
	return m, nil
}

func parseMailgun(form map[string]string) (*InboundMessage, error) {
	if raw := form["body-mime"]; raw != "" {
		m, err := ParseRFC822([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
		}
		m.SourceKey = mailgunKey(form, m.MessageID)
		return m, nil
	}

	headers := map[string]string{}
	if raw := form["message-headers"]; raw != "" {
		var pairs [][]string
		if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
			return nil, fmt.Errorf("%w: message-headers: %v", ErrWebhookPayload, err)
		}
		for _, p := range pairs {
			if len(p) == 2 {
				key := strings.ToLower(p[0])
				if _, dup := headers[key]; !dup {
					headers[key] = p[1]
				}
			}
		}
	}
	for _, name := range []string{"Message-Id", "In-Reply-To", "References", "From", "To", "Subject", "Date"} {
		key := strings.ToLower(name)
		if headers[key] == "" {
			if v := first(form, name, key); v != "" {
				headers[key] = v
			}
		}
	}
	if headers["to"] == "" {
		headers["to"] = form["recipient"]
	}
	if headers["from"] == "" {
		headers["from"] = form["sender"]
	}

	m := fromHeaderMap(headers, first(form, "body-plain", "stripped-text"))
	if m.MessageID == "" && m.From == "" {
		return nil, fmt.Errorf("%w: no message headers", ErrWebhookPayload)
	}
	m.SourceKey = mailgunKey(form, m.MessageID)
	return m, nil
}

func mailgunKey(form map[string]string, messageID string) string {
	if messageID != "" {
		return ProviderMailgun + ":" + messageID
	}
	return ProviderMailgun + ":token:" + form["token"]
}

func parseSendGrid(form map[string]string) (*InboundMessage, error) {
	var (
		m   *InboundMessage
		err error
	)
	if raw := form["email"]; raw != "" {
		m, err = ParseRFC822([]byte(raw))
	} else if block := form["headers"]; block != "" {
		m, err = ParseHeaderBlock(block)
		if err == nil {
			m.Text = form["text"]
			if m.Text == "" {
				m.Text = form["html"]
			}
		}
	} else {
		return nil, fmt.Errorf("%w: neither email nor headers present", ErrWebhookPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}

	if m.From == "" {
		m.From = addressOnly(form["from"])
	}
	if m.Subject == "" {
		m.Subject = form["subject"]
	}
	if m.MessageID != "" {
		m.SourceKey = ProviderSendGrid + ":" + m.MessageID
	} else {
		m.SourceKey = ContentKey(ProviderSendGrid, form["headers"], form["email"])
	}
	return m, nil
}

type postmarkPayload struct {
	MessageID string `json:"MessageID"`
	From      string `json:"From"`
	To        string `json:"To"`
	Subject   string `json:"Subject"`
	Date      string `json:"Date"`
	TextBody  string `json:"TextBody"`
	HtmlBody  string `json:"HtmlBody"`
	RawEmail  string `json:"RawEmail"`
	Headers   []struct {
		Name  string `json:"Name"`
		Value string `json:"Value"`
	} `json:"Headers"`
}

func parsePostmark(body []byte) (*InboundMessage, error) {
	var p postmarkPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
	}

	if p.RawEmail != "" {
		m, err := ParseRFC822([]byte(p.RawEmail))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWebhookPayload, err)
		}
		m.SourceKey = postmarkKey(p, m.MessageID)
		return m, nil
	}

	headers := map[string]string{}
	for _, h := range p.Headers {
		key := strings.ToLower(h.Name)
		if _, dup := headers[key]; !dup {
			headers[key] = h.Value
		}
	}
	// Postmark lifts these out of the header list
	setDefault(headers, "from", p.From)
	setDefault(headers, "to", p.To)
	setDefault(headers, "subject", p.Subject)
	setDefault(headers, "date", p.Date)

	text := p.TextBody
	if text == "" {
		text = p.HtmlBody
	}
	m := fromHeaderMap(headers, text)
	if m.From == "" && p.MessageID == "" {
		return nil, fmt.Errorf("%w: empty postmark message", ErrWebhookPayload)
	}
	m.SourceKey = postmarkKey(p, m.MessageID)
	return m, nil
}

func postmarkKey(p postmarkPayload, messageID string) string {
	if p.MessageID != "" {
		return ProviderPostmark + ":" + p.MessageID
	}
	return ProviderPostmark + ":" + messageID
}

// fromHeaderMap builds a message from lower-cased headers and a text body.
func fromHeaderMap(headers map[string]string, text string) *InboundMessage {
	m := &InboundMessage{Headers: headers, Text: text}
	m.MessageID = NormalizeMessageID(headers["message-id"])
	m.InReplyTo = SplitMessageIDs(headers["in-reply-to"])
	m.References = SplitMessageIDs(headers["references"])
	m.From = addressOnly(headers["from"])
	m.To = addressOnly(headers["to"])
	m.Subject = headers["subject"]
	if d, err := netmail.ParseDate(headers["date"]); err == nil {
		m.Date = d.UTC()
	}
	if ct := strings.ToLower(headers["content-type"]); strings.HasPrefix(ct, "multipart/report") &&
		strings.Contains(ct, "delivery-status") {
		m.IsDSN = true
	}
	return m
}

func addressOnly(value string) string {
	if value == "" {
		return ""
	}
	if addr, err := netmail.ParseAddress(value); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(value)
}

func first(form map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := form[k]; v != "" {
			return v
		}
	}
	return ""
}

func setDefault(m map[string]string, key, value string) {
	if m[key] == "" && value != "" {
		m[key] = value
	}
}
