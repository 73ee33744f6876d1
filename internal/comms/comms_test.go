package comms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestParticipant(t *testing.T) {
	cases := map[string]string{
		`"Mario Rossi" <m.rossi@bank.it>`: "Mario_Rossi",
		`<mario.rossi@example.com>`:       "mario_rossi",
		`mario.rossi@example.com`:         "mario_rossi",
		`Mario Rossi`:                     "Mario_Rossi",
	}
	for in, want := range cases {
		assert.Equal(t, want, Participant(in), in)
	}
}

func TestEmailInvolves(t *testing.T) {
	msg := "From: \"Bank Support\" <support@bank.it>\nTo: <mario.rossi@example.com>\nDate: Mon, 17 Nov 2025 10:30:00 +0000\n\nhello"
	assert.True(t, EmailInvolves(msg, "Mario_Rossi"))
	assert.True(t, EmailInvolves(msg, "bank_support"))
	assert.False(t, EmailInvolves(msg, "Luca_Bianchi"))
	assert.False(t, EmailInvolves(msg, ""))
}

func TestEmailDate(t *testing.T) {
	msg := "From: a@b.it\nDate: Mon, 17 Nov 2025 11:30:00 +0100\n\nbody"
	got, ok := EmailDate(msg)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 17, 10, 30, 0, 0, time.UTC), got)

	_, ok = EmailDate("From: a@b.it\n\nno date")
	assert.False(t, ok)
}

func TestSMSDate(t *testing.T) {
	got, ok := SMSDate("From: +39 333\nDate: 2025-11-17 09:00:00\nYour parcel is held")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 17, 9, 0, 0, 0, time.UTC), got)

	_, ok = SMSDate("no header here")
	assert.False(t, ok)
}

func TestSMSTime(t *testing.T) {
	body := "Date: 2025-11-17 09:00:00\nYour parcel is held"

	got, ok := SMSTime(domain.SMS{Body: body, Datetime: "2025-11-17T08:15:00Z"})
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 17, 8, 15, 0, 0, time.UTC), got, "record field wins over the body")

	got, ok = SMSTime(domain.SMS{Body: "no header", Timestamp: "2025-11-17 07:30:00"})
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 17, 7, 30, 0, 0, time.UTC), got)

	got, ok = SMSTime(domain.SMS{Body: body, Datetime: "not a date"})
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 11, 17, 9, 0, 0, 0, time.UTC), got, "unparseable field falls back to the body")

	_, ok = SMSTime(domain.SMS{Body: "no header"})
	assert.False(t, ok)
}

func TestSMSInvolves(t *testing.T) {
	sms := domain.SMS{IDUser: "Mario_Rossi_3331234", Body: "x"}
	assert.True(t, SMSInvolves(sms, "mario_rossi"))
	assert.False(t, SMSInvolves(sms, "Luca_Bianchi"))
}

func TestPlainText(t *testing.T) {
	html := "<html><head><style>p{color:red}</style><script>alert(1)</script></head>" +
		"<body><h1>Hello</h1><p>Pay&nbsp;the   fee</p><div>Tom &amp; Jerry &lt;3</div>" +
		"line<br/>break</body></html>"
	assert.Equal(t, "Hello\nPay the fee\nTom & Jerry <3\nline\nbreak", PlainText(html))

	t.Run("comments and quoted attributes", func(t *testing.T) {
		got := PlainText(`<p>Dear customer<!-- tracking <b>pixel</b> --></p>` +
			`<a href="https://x.example/?a>b" title="1 > 0">verify your account</a>` +
			`<p>&euro;120 dovuti entro luned&#236;</p>`)
		assert.Equal(t, "Dear customer\nverify your account\n€120 dovuti entro lunedì", got)
	})

	t.Run("unclosed tags", func(t *testing.T) {
		assert.Equal(t, "Act now\nthen", PlainText("<div><p>Act now<li>then"))
		assert.Equal(t, "a < b", PlainText("a < b"))
	})
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", Preview("abcdef", 3))
	assert.Equal(t, "ab", Preview("ab", 3))
}

func TestLexicon(t *testing.T) {
	assert.True(t, IsPhishing("Your bank account is locked, verify now"))
	assert.False(t, IsPhishing("See you at dinner tonight"))

	// short keywords need word boundaries
	assert.False(t, ContainsAny("a wonderful idea", []string{"id"}))
	assert.True(t, ContainsAny("send your ID now", []string{"id"}))

	assert.Equal(t, []string{"parcel_customs"}, Classify("Your parcel is held at customs"))
	assert.Equal(t, []string{"bank_fraud_alert", "bec_invoice"}, Classify("Urgent: account suspended"))
	assert.Empty(t, Classify("lunch?"))
}

func TestMerchantKey(t *testing.T) {
	assert.Equal(t, "acme", MerchantKey("Acme widgets"))
	assert.Equal(t, "", MerchantKey("   "))
}
