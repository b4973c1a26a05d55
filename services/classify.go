package services

import (
	"regexp"
	"strings"
	"time"

	"outreach/models"
	"outreach/utils"
)

const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

// InboundMessage is the provider-neutral shape every inbound path produces.
type InboundMessage struct {
	Source    string // imap, mailgun, sendgrid, postmark
	SourceKey string // unique per delivered message and source
	SenderID  *uint

	MessageID  string
	InReplyTo  []string
	References []string
	From       string
	To         string
	Subject    string
	Date       time.Time

	// Text is the readable body plus any returned original headers.
	Text    string
	Headers map[string]string // lower-case names

	// Delivery status notification fields, when the message is a DSN.
	IsDSN          bool
	DSNAction      string
	DSNStatus      string
	DiagnosticCode string
}

func (m *InboundMessage) header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[strings.ToLower(name)]
}

type Classification struct {
	Kind       string // models.InboundReply, InboundBounce, InboundAutoReply, InboundUnknown
	BounceType string
	Code       string
	Diagnostic string
}

var (
	bounceSenderPattern  = regexp.MustCompile(`(?i)^(mailer-daemon|postmaster|mail-delivery-subsystem|mail-daemon|bounces?)([+@]|$)`)
	bounceSubjectPattern = regexp.MustCompile(`(?i)(undeliverable|undelivered mail|delivery status notification \((failure|delay)\)|mail delivery (failed|failure|subsystem)|returned mail|delivery (has )?failed|failure notice|could not be delivered|message not delivered)`)
	hardBouncePattern    = regexp.MustCompile(`(?i)(user unknown|unknown user|no such user|does not exist|doesn't exist|mailbox unavailable|address rejected|recipient rejected|invalid recipient|account (has been )?disabled|no mailbox|address not found|\b5\.1\.[0-9]\b|\b550\b|\b551\b|\b553\b)`)
	softBouncePattern    = regexp.MustCompile(`(?i)(mailbox (is )?full|over quota|quota exceeded|temporar(y|ily)|try again later|deferred|greylist|\b4\.[0-9]\.[0-9]\b|\b421\b|\b450\b|\b451\b|\b452\b)`)
	statusCodePattern    = regexp.MustCompile(`\b([245])\.([0-9]{1,3})\.([0-9]{1,3})\b`)

	autoReplySubjectPattern = regexp.MustCompile(`(?i)^(auto(matic)?[ -]?(reply|response)|out of (the )?office|ooo\b|away from|on vacation|abwesenheit|réponse automatique|respuesta automática)`)

	messageIDLinePattern  = regexp.MustCompile(`(?im)^\s*(?:message-id|in-reply-to|references)\s*:\s*(.+)$`)
	angleIDPattern        = regexp.MustCompile(`<([^<>\s]+)>`)
	trackingHeaderPattern = regexp.MustCompile(`(?im)^\s*` + regexp.QuoteMeta(utils.TrackingHeader) + `\s*:\s*([0-9a-f]{32})\b`)
)

// Classify decides what an inbound message is. Bounce evidence wins over
// auto-reply headers, which win over plain threading.
func Classify(m *InboundMessage) Classification {
	if c, ok := classifyBounce(m); ok {
		return c
	}
	if isAutoReply(m) {
		return Classification{Kind: models.InboundAutoReply}
	}
	if len(m.InReplyTo) > 0 || len(m.References) > 0 {
		return Classification{Kind: models.InboundReply}
	}
	return Classification{Kind: models.InboundUnknown}
}

func classifyBounce(m *InboundMessage) (Classification, bool) {
	fromLocal := strings.ToLower(m.From)
	if at := strings.LastIndex(fromLocal, "<"); at >= 0 {
		fromLocal = fromLocal[at+1:]
	}

	looksLikeBounce := m.IsDSN ||
		bounceSenderPattern.MatchString(strings.TrimSpace(fromLocal)) ||
		bounceSubjectPattern.MatchString(m.Subject)
	if !looksLikeBounce {
		return Classification{}, false
	}

	// a delayed-delivery DSN is only a warning
	if m.IsDSN && strings.EqualFold(m.DSNAction, "delayed") {
		return Classification{}, false
	}

	c := Classification{Kind: models.InboundBounce, Diagnostic: m.DiagnosticCode}

	status := m.DSNStatus
	if status == "" {
		if match := statusCodePattern.FindString(m.DiagnosticCode + "\n" + m.Text); match != "" {
			status = match
		}
	}
	c.Code = status

	switch {
	case strings.HasPrefix(status, "5."):
		c.BounceType = BounceHard
	case strings.HasPrefix(status, "4."):
		c.BounceType = BounceSoft
	case softBouncePattern.MatchString(m.DiagnosticCode + "\n" + m.Text):
		c.BounceType = BounceSoft
	case hardBouncePattern.MatchString(m.DiagnosticCode + "\n" + m.Text):
		c.BounceType = BounceHard
	default:
		c.BounceType = BounceHard
	}
	return c, true
}

func isAutoReply(m *InboundMessage) bool {
	if v := strings.ToLower(m.header("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	if m.header("X-Autoreply") != "" || m.header("X-Autorespond") != "" {
		return true
	}
	switch strings.ToLower(m.header("Precedence")) {
	case "auto_reply", "bulk", "junk":
		return true
	}
	return autoReplySubjectPattern.MatchString(strings.TrimSpace(m.Subject))
}

// CorrelationKeys lists the message ids and tracking ids that may point at
// one of our sent emails, most specific first.
func CorrelationKeys(m *InboundMessage) (messageIDs, trackingIDs []string) {
	seen := map[string]bool{}
	add := func(id string) {
		id = NormalizeMessageID(id)
		if id != "" && !seen[id] {
			seen[id] = true
			messageIDs = append(messageIDs, id)
		}
	}

	for _, id := range m.InReplyTo {
		add(id)
	}
	for i := len(m.References) - 1; i >= 0; i-- {
		add(m.References[i])
	}

	// bounces quote the original headers in the body
	for _, line := range messageIDLinePattern.FindAllStringSubmatch(m.Text, -1) {
		for _, id := range angleIDPattern.FindAllStringSubmatch(line[1], -1) {
			add(id[1])
		}
	}

	addTracking := func(id string) {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" && !seen["t:"+id] {
			seen["t:"+id] = true
			trackingIDs = append(trackingIDs, id)
		}
	}
	addTracking(m.header(utils.TrackingHeader))
	for _, match := range trackingHeaderPattern.FindAllStringSubmatch(m.Text, -1) {
		addTracking(match[1])
	}
	return messageIDs, trackingIDs
}

// NormalizeMessageID strips angle brackets and whitespace.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// SplitMessageIDs parses a References-style header value.
func SplitMessageIDs(value string) []string {
	var ids []string
	for _, m := range angleIDPattern.FindAllStringSubmatch(value, -1) {
		ids = append(ids, m[1])
	}
	if len(ids) == 0 {
		for _, f := range strings.Fields(value) {
			if id := NormalizeMessageID(f); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
