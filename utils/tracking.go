package utils

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TrackingHeader carries the tracking id inside every outgoing message so a
// bounce that quotes the original headers can still be correlated.
const TrackingHeader = "X-Outreach-Tracking-ID"

// NewTrackingID returns an opaque, unguessable id for one sent email.
func NewTrackingID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OpenPixelURL generates a tracking pixel URL for email opens
func OpenPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/track/open/%s", strings.TrimRight(baseURL, "/"), trackingID)
}

// ClickTrackURL generates a tracked URL for links
func ClickTrackURL(baseURL, trackingID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s", strings.TrimRight(baseURL, "/"), trackingID, url.QueryEscape(originalURL))
}

func UnsubscribeURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s", strings.TrimRight(baseURL, "/"), trackingID)
}

var hrefPattern = regexp.MustCompile(`(?i)(<a\b[^>]*?\bhref\s*=\s*)(["'])(.*?)(["'])`)

// RewriteLinks points every http(s) anchor at the click endpoint. mailto,
// tel, fragments and the unsubscribe link are left alone. The href is
// attribute text, so entities such as &amp; are decoded before the target
// is encoded into the click URL.
func RewriteLinks(body, baseURL, trackingID string) string {
	unsubscribe := UnsubscribeURL(baseURL, trackingID)
	return hrefPattern.ReplaceAllStringFunc(body, func(tag string) string {
		m := hrefPattern.FindStringSubmatch(tag)
		target := strings.TrimSpace(html.UnescapeString(m[3]))
		if !isHTTPURL(target) || target == unsubscribe {
			return tag
		}
		return m[1] + m[2] + ClickTrackURL(baseURL, trackingID, target) + m[4]
	})
}

// InjectOpenPixel appends the pixel before </body> when present.
func InjectOpenPixel(body, baseURL, trackingID string) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, OpenPixelURL(baseURL, trackingID))
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

// ClickTarget extracts the url parameter from a raw (still encoded) query
// string. ok is false when the query cannot be decoded or the target is not
// an absolute http(s) URL; callers then redirect to their fallback.
func ClickTarget(rawQuery string) (target string, ok bool) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", false
	}
	target = strings.TrimSpace(values.Get("url"))
	if !isHTTPURL(target) {
		return "", false
	}
	return target, true
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// TransparentPixel is a 1x1 transparent GIF.
func TransparentPixel() []byte {
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
