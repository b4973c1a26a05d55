package utils

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
)

// TemplateError marks content that can never render; retrying will not help.
type TemplateError struct {
	Reason string
}

func (e *TemplateError) Error() string {
	return "template error: " + e.Reason
}

// MergeData maps lower-case field names to contact values. A key that is
// present with an empty value is a known but blank field.
type MergeData map[string]string

var (
	mergeTagPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*(?:\|([^{}]*))?\}\}`)
	mergeTagPrefix  = regexp.MustCompile(`^` + mergeTagPattern.String())
)

// RenderMerge substitutes {{field}} and {{field|fallback}} tags. Blank known
// fields use the fallback or render empty; unknown fields without a fallback
// stay as the literal placeholder.
func RenderMerge(tmpl string, data MergeData) (string, error) {
	if unclosedMergeTag(tmpl) {
		return "", &TemplateError{Reason: "unbalanced merge tag"}
	}

	out := mergeTagPattern.ReplaceAllStringFunc(tmpl, func(tag string) string {
		m := mergeTagPattern.FindStringSubmatch(tag)
		key := strings.ToLower(m[1])
		hasFallback := strings.Contains(tag, "|")

		value, known := data[key]
		switch {
		case known && value != "":
			return value
		case hasFallback:
			return strings.TrimSpace(m[2])
		case known:
			return ""
		default:
			return tag
		}
	})
	return out, nil
}

// unclosedMergeTag reports a "{{" with no "}}" after it. A lone "}}" is
// fine: nested CSS rules end that way.
func unclosedMergeTag(s string) bool {
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			return false
		}
		j := strings.Index(s[i+2:], "}}")
		if j < 0 {
			return true
		}
		s = s[i+2+j+2:]
	}
}

// Spin resolves {a|b|c} groups, nested groups included. Braces without a
// pipe are kept verbatim so CSS and literal placeholders survive, and
// {{merge}} tags are copied untouched. pick returns an index in [0, n); nil
// means pseudo-random.
func Spin(text string, pick func(n int) int) (string, error) {
	if pick == nil {
		pick = rand.IntN
	}
	s := &spinner{src: text, pick: pick}
	out, stop, err := s.sequence(false)
	if err != nil {
		return "", err
	}
	if stop != 0 {
		return "", &TemplateError{Reason: fmt.Sprintf("unexpected %q at offset %d", stop, s.pos-1)}
	}
	return out, nil
}

type spinner struct {
	src  string
	pos  int
	pick func(int) int
}

// sequence reads until end of input or, inside a group, until '|' or '}'.
func (s *spinner) sequence(inGroup bool) (string, byte, error) {
	var b strings.Builder
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		s.pos++
		switch {
		case c == '{' && s.mergeTag(&b):
		case c == '{':
			g, err := s.group()
			if err != nil {
				return "", 0, err
			}
			b.WriteString(g)
		case inGroup && (c == '|' || c == '}'):
			return b.String(), c, nil
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), 0, nil
}

// mergeTag copies a well-formed {{...}} tag that starts just before pos.
// Anything else, "{{a|b}|c}" included, is left to the spintax parser.
func (s *spinner) mergeTag(b *strings.Builder) bool {
	loc := mergeTagPrefix.FindStringIndex(s.src[s.pos-1:])
	if loc == nil {
		return false
	}
	b.WriteString(s.src[s.pos-1 : s.pos-1+loc[1]])
	s.pos += loc[1] - 1
	return true
}

func (s *spinner) group() (string, error) {
	start := s.pos - 1
	var alts []string
	for {
		text, stop, err := s.sequence(true)
		if err != nil {
			return "", err
		}
		alts = append(alts, text)
		switch stop {
		case '|':
			continue
		case '}':
			if len(alts) == 1 {
				return "{" + alts[0] + "}", nil
			}
			return alts[s.pick(len(alts))], nil
		default:
			return "", &TemplateError{Reason: fmt.Sprintf("unclosed '{' at offset %d", start)}
		}
	}
}

// Render resolves spintax on the templates and then substitutes merge
// fields, so contact values are never read as template syntax.
func Render(subject, body string, data MergeData, pick func(int) int) (string, string, error) {
	var err error
	if subject, err = Spin(subject, pick); err != nil {
		return "", "", err
	}
	if body, err = Spin(body, pick); err != nil {
		return "", "", err
	}
	if subject, err = RenderMerge(subject, data); err != nil {
		return "", "", err
	}
	if body, err = RenderMerge(body, data); err != nil {
		return "", "", err
	}
	return subject, body, nil
}
