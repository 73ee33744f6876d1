package comms

import (
	"regexp"
	"strings"
)

// PhishingKeywords is the lexicon used by the pre-scoring engine.
var PhishingKeywords = []string{
	"bank", "account", "verify", "locked", "security", "suspended",
	"subscription", "renewal", "payment", "update", "card",
	"delivery", "customs", "parcel", "fee", "dhl", "fedex", "ups", "courier",
	"identity", "id", "verification", "otp",
	"invoice", "urgent", "overdue", "accounting", "billing", "supplier",
	"click here", "verify account", "account locked", "confirm", "fraud",
	"paypal", "urgente", "verifica", "conferma",
}

// ToolKeywords is the narrower lexicon used by the time-correlation diagnostic.
var ToolKeywords = []string{
	"bank", "account", "verify", "locked", "security", "suspended",
	"subscription", "renewal", "payment", "update", "card",
	"delivery", "customs", "parcel", "fee", "dhl", "fedex", "ups", "courier",
	"identity", "id", "verification", "otp",
	"invoice", "urgent", "overdue", "accounting", "billing", "supplier",
}

// Category is a phishing scenario family.
type Category struct {
	Name     string
	Keywords []string
}

// Categories in reporting order.
var Categories = []Category{
	{"parcel_customs", []string{"delivery", "customs", "parcel", "fee", "dhl", "fedex", "ups", "courier", "dogana", "consegna", "pacco"}},
	{"identity_verification", []string{"identity", "id", "verification", "otp", "verifica", "identit"}},
	{"bank_fraud_alert", []string{"bank", "account", "verify", "locked", "security", "suspended", "bancar", "conto", "blocco"}},
	{"bec_invoice", []string{"invoice", "urgent", "overdue", "accounting", "billing", "supplier", "fattura", "pagamento", "fornitore"}},
	{"subscription", []string{"subscription", "renewal", "abbonamento", "rinnovo"}},
}

// SuspiciousDescriptionWords flag a transaction description on their own.
var SuspiciousDescriptionWords = []string{"urgent", "verify", "suspended", "invoice", "security"}

// Keywords of three letters or fewer only match whole words; "id" would
// otherwise hit almost every message.
var shortWord = map[string]*regexp.Regexp{}

func init() {
	for _, list := range [][]string{PhishingKeywords, ToolKeywords, SuspiciousDescriptionWords} {
		register(list)
	}
	for _, c := range Categories {
		register(c.Keywords)
	}
}

func register(words []string) {
	for _, w := range words {
		if len(w) <= 3 {
			if _, ok := shortWord[w]; !ok {
				shortWord[w] = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
			}
		}
	}
}

// Contains reports whether a lower-cased text contains keyword.
func Contains(lower, keyword string) bool {
	if re, ok := shortWord[keyword]; ok {
		return re.MatchString(lower)
	}
	return strings.Contains(lower, keyword)
}

// ContainsAny reports whether text contains any of the keywords, case-insensitively.
func ContainsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsPhishing applies the scoring lexicon to text.
func IsPhishing(text string) bool {
	return ContainsAny(text, PhishingKeywords)
}

// Classify returns the categories whose keywords appear in text.
func Classify(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, c := range Categories {
		if ContainsAny(lower, c.Keywords) {
			out = append(out, c.Name)
		}
	}
	return out
}

// MerchantKey is the lower-cased first word of a description.
func MerchantKey(description string) string {
	fields := strings.Fields(description)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
