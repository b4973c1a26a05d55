package services

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var errEmptyMessage = errors.New("empty inbound message")

// maxPartBytes bounds how much of each MIME part is kept for classification.
const maxPartBytes = 256 << 10

// ParseRFC822 turns a raw message into an InboundMessage. The caller fills
// Source, SourceKey and SenderID.
func ParseRFC822(raw []byte) (*InboundMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errEmptyMessage
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create message reader: %w", err)
	}

	m := headerToInbound(mr.Header)

	if mediaType, params, err := mr.Header.ContentType(); err == nil &&
		strings.EqualFold(mediaType, "multipart/report") &&
		strings.EqualFold(params["report-type"], "delivery-status") {
		m.IsDSN = true
	}

	var text strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// keep what was readable; a truncated tail should not hide a reply
			break
		}

		var contentType string
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}
		contentType = strings.ToLower(contentType)

		body, _ := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))

		switch {
		case contentType == "message/delivery-status":
			m.IsDSN = true
			parseDeliveryStatus(body, m)
		case contentType == "message/rfc822", contentType == "text/rfc822-headers", contentType == "message/rfc822-headers":
			text.Write(body)
			text.WriteString("\n")
		case strings.HasPrefix(contentType, "text/plain"), contentType == "":
			text.Write(body)
			text.WriteString("\n")
		case strings.HasPrefix(contentType, "text/html") && text.Len() == 0:
			text.Write(body)
			text.WriteString("\n")
		}
	}
	m.Text = text.String()
	return m, nil
}

func headerToInbound(h mail.Header) *InboundMessage {
	m := &InboundMessage{Headers: map[string]string{}}

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, dup := m.Headers[key]; dup {
			continue
		}
		if v, err := fields.Text(); err == nil {
			m.Headers[key] = v
		} else {
			m.Headers[key] = fields.Value()
		}
	}

	if id, err := h.MessageID(); err == nil {
		m.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil {
		m.InReplyTo = ids
	} else {
		m.InReplyTo = SplitMessageIDs(h.Get("In-Reply-To"))
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		m.References = ids
	} else {
		m.References = SplitMessageIDs(h.Get("References"))
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0].Address
	} else {
		m.From = h.Get("From")
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		m.To = to[0].Address
	} else {
		m.To = h.Get("To")
	}
	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	} else {
		m.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		m.Date = date.UTC()
	}
	return m
}

// ParseHeaderBlock reads a bare header section such as the "headers" field
// some webhooks post.
func ParseHeaderBlock(block string) (*InboundMessage, error) {
	block = strings.TrimRight(strings.ReplaceAll(block, "\r\n", "\n"), "\n") + "\n\n"
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block)))
	if err != nil {
		return nil, fmt.Errorf("read header block: %w", err)
	}
	return headerToInbound(mail.Header{Header: message.Header{Header: h}}), nil
}

// parseDeliveryStatus pulls the first per-recipient Action, Status and
// Diagnostic-Code out of a message/delivery-status body.
func parseDeliveryStatus(body []byte, m *InboundMessage) {
	for _, line := range strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "action":
			if m.DSNAction == "" {
				m.DSNAction = strings.ToLower(value)
			}
		case "status":
			if m.DSNStatus == "" {
				m.DSNStatus = value
			}
		case "diagnostic-code":
			if m.DiagnosticCode == "" {
				if _, code, ok := strings.Cut(value, ";"); ok {
					value = strings.TrimSpace(code)
				}
				m.DiagnosticCode = value
			}
		}
	}
}

// ContentKey derives a stable source key when a provider gives no id.
func ContentKey(source string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return source + ":" + hex.EncodeToString(h.Sum(nil))[:40]
}

