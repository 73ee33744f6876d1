// Package comms parses SMS and email payloads: participants, dates, plain text
// and the phishing lexicon shared by the aggregator, the diagnostics and the
// pre-scoring engine.
package comms

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var quotedName = regexp.MustCompile(`"([^"]+)"`)

// Participant extracts a comparable identity from a From:/To: header value.
//
//	"John Doe" <jd@x.it>  -> John_Doe
//	<john.doe@x.it>       -> john_doe
//	John Doe              -> John_Doe
func Participant(value string) string {
	value = strings.TrimSpace(value)
	if m := quotedName.FindStringSubmatch(value); m != nil {
		return strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_")
	}
	if at := strings.Index(value, "@"); at >= 0 {
		local := value[:at]
		if lt := strings.LastIndex(local, "<"); lt >= 0 {
			local = local[lt+1:]
		}
		if sp := strings.LastIndexAny(local, " \t"); sp >= 0 {
			local = local[sp+1:]
		}
		local = strings.Trim(local, "<> ")
		return strings.ReplaceAll(local, ".", "_")
	}
	return strings.ReplaceAll(value, " ", "_")
}

// Header returns the value of the first line starting with name (e.g. "From:").
func Header(message, name string) (string, bool) {
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimLeft(line, " \t")
		if len(trimmed) >= len(name) && strings.EqualFold(trimmed[:len(name)], name) {
			return strings.TrimSpace(trimmed[len(name):]), true
		}
	}
	return "", false
}

// Participants returns the identities found on the From: and To: lines of an email.
func Participants(message string) (from, to string) {
	if v, ok := Header(message, "From:"); ok {
		from = Participant(v)
	}
	if v, ok := Header(message, "To:"); ok {
		to = Participant(v)
	}
	return from, to
}

// EmailInvolves reports whether userID appears in the From: or To: identity.
func EmailInvolves(message, userID string) bool {
	if userID == "" {
		return false
	}
	needle := strings.ToLower(userID)
	from, to := Participants(message)
	return strings.Contains(strings.ToLower(from), needle) || strings.Contains(strings.ToLower(to), needle)
}

// SMSInvolves reports whether userID appears in the SMS owner identifier.
func SMSInvolves(sms domain.SMS, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(strings.ToLower(sms.IDUser), strings.ToLower(userID))
}

// EmailDate parses the RFC-822 Date: header of an email, in UTC.
func EmailDate(message string) (time.Time, bool) {
	v, ok := Header(message, "Date:")
	if !ok {
		return time.Time{}, false
	}
	return parseDateValue(v)
}

// SMSTime is the send time of an SMS: the record's datetime or timestamp
// field when it parses, otherwise the Date: header of the body.
func SMSTime(s domain.SMS) (time.Time, bool) {
	for _, v := range []string{s.Datetime, s.Timestamp} {
		if t, ok := domain.ParseTimestamp(v); ok {
			return t, true
		}
	}
	return SMSDate(s.Body)
}

var smsDate = regexp.MustCompile(`(?m)^\s*Date:\s*(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2})`)

// SMSDate parses the "Date: YYYY-MM-DD HH:MM:SS" header of an SMS body as UTC.
// Other date formats found on a Date: line are accepted too.
func SMSDate(body string) (time.Time, bool) {
	if m := smsDate.FindStringSubmatch(body); m != nil {
		if t, ok := domain.ParseTimestamp(m[1]); ok {
			return t, true
		}
	}
	v, ok := Header(body, "Date:")
	if !ok {
		return time.Time{}, false
	}
	return parseDateValue(v)
}

func parseDateValue(v string) (time.Time, bool) {
	if t, err := mail.ParseDate(v); err == nil {
		return t.UTC(), true
	}
	return domain.ParseTimestamp(v)
}

var (
	spaces     = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

// PlainText reduces an HTML email to readable text. Script and style
// contents and comments are dropped; block boundaries become line breaks.
func PlainText(s string) string {
	z := html.NewTokenizer(strings.NewReader(strings.ReplaceAll(s, "\r\n", "\n")))
	var b strings.Builder
	hidden := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidy(b.String())
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style:
				if tt == html.StartTagToken {
					hidden++
				}
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style:
				if hidden > 0 {
					hidden--
				}
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteByte('\n')
			}
		}
	}
}

func tidy(s string) string {
	s = spaces.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// Preview truncates s to at most n runes.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
