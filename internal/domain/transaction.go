package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TransactionType is the tagged transaction kind found in datasets.
type TransactionType string

// Known transaction types. Anything else falls through to TypeOther handling.
const (
	TypeTransfer        TransactionType = "bonifico"
	TypeWithdrawal      TransactionType = "prelievo"
	TypeInPerson        TransactionType = "pagamento fisico"
	TypeEcommerce       TransactionType = "e-commerce"
	TypeEcommercePay    TransactionType = "pagamento e-comm"
	TypeInPersonEnglish TransactionType = "in-person payment"
	TypeOther           TransactionType = "other"
)

// Normalized returns the lower-cased, trimmed type.
func (t TransactionType) Normalized() TransactionType {
	return TransactionType(strings.ToLower(strings.TrimSpace(string(t))))
}

// Kind maps free-form types onto the closed set, returning TypeOther when unknown.
func (t TransactionType) Kind() TransactionType {
	switch n := t.Normalized(); n {
	case TypeTransfer, "transfer":
		return TypeTransfer
	case TypeWithdrawal, "withdrawal":
		return TypeWithdrawal
	case TypeInPerson, TypeInPersonEnglish:
		return TypeInPerson
	case TypeEcommerce, TypeEcommercePay:
		return TypeEcommerce
	default:
		return TypeOther
	}
}

// IsWithdrawal reports whether the type is a cash withdrawal.
func (t TransactionType) IsWithdrawal() bool { return t.Kind() == TypeWithdrawal }

// IsTransfer reports whether the type is a bank transfer.
func (t TransactionType) IsTransfer() bool { return t.Kind() == TypeTransfer }

// IsEcommerce reports whether the type is an online payment.
func (t TransactionType) IsEcommerce() bool { return t.Kind() == TypeEcommerce }

// IsInPerson reports whether the type is a physical point-of-sale payment.
func (t TransactionType) IsInPerson() bool { return t.Kind() == TypeInPerson }

// Transaction is one dataset transaction. Field names follow the dataset files.
type Transaction struct {
	ID              string          `json:"transaction_id"`
	SenderID        string          `json:"sender_id"`
	RecipientID     string          `json:"recipient_id"`
	Type            TransactionType `json:"transaction_type"`
	Amount          float64         `json:"amount"`
	Location        string          `json:"location"`
	PaymentMethod   string          `json:"payment_method"`
	SenderIBAN      string          `json:"sender_iban"`
	RecipientIBAN   string          `json:"recipient_iban"`
	BalanceAfter    float64         `json:"balance_after"`
	Description     string          `json:"description"`
	Timestamp       string          `json:"timestamp"`
	IsFakeRecipient string          `json:"is_fake_recipient,omitempty"`

	// Optional GPS of the point of sale, present in some datasets.
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`
}

// Time returns the parsed transaction timestamp.
func (t *Transaction) Time() (time.Time, bool) {
	return ParseTimestamp(t.Timestamp)
}

// City returns the city part of the location ("City - detail" -> "City").
func (t *Transaction) City() string {
	return CityOf(t.Location)
}

// CityOf extracts the city from a dataset location string.
func CityOf(location string) string {
	city, _, _ := strings.Cut(location, " - ")
	return strings.TrimSpace(city)
}

// Residence is a user's home address.
type Residence struct {
	City string `json:"city"`
	Lat  string `json:"lat"`
	Lng  string `json:"lng"`
}

// Coordinates parses the residence GPS.
func (r Residence) Coordinates() (lat, lng float64, ok bool) {
	la, err1 := strconv.ParseFloat(strings.TrimSpace(r.Lat), 64)
	ln, err2 := strconv.ParseFloat(strings.TrimSpace(r.Lng), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return la, ln, true
}

// User is a dataset person.
type User struct {
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	BirthYear   int       `json:"birth_year"`
	Salary      float64   `json:"salary"`
	Job         string    `json:"job"`
	IBAN        string    `json:"iban"`
	Residence   Residence `json:"residence"`
	Biotag      string    `json:"biotag,omitempty"`
	Description string    `json:"description,omitempty"`
}

// CommsID is the identity used to match a user against SMS and email participants.
func (u *User) CommsID() string {
	return u.FirstName + "_" + u.LastName
}

// UserWithTransactions is a bundle participant together with nearby transactions.
type UserWithTransactions struct {
	User
	OtherTransactions []Transaction `json:"other_transactions"`
}

// Location is one GPS fix of a user.
type Location struct {
	Biotag   string  `json:"biotag"`
	Datetime string  `json:"datetime"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// ClosestLocation returns the fix nearest in time to t. Fixes with an
// unparseable datetime are ignored.
func ClosestLocation(locs []Location, t time.Time) (Location, bool) {
	var best Location
	var bestDiff time.Duration
	found := false
	for _, l := range locs {
		lt, ok := ParseTimestamp(l.Datetime)
		if !ok {
			continue
		}
		d := lt.Sub(t)
		if d < 0 {
			d = -d
		}
		if !found || d < bestDiff {
			best, bestDiff, found = l, d, true
		}
	}
	return best, found
}

// SMS is one text message. Datetime and Timestamp are optional record-level
// send times; most datasets only carry a Date: line in the body.
type SMS struct {
	IDUser    string `json:"id_user"`
	Body      string `json:"sms"`
	Datetime  string `json:"datetime,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Email is one raw RFC-822 message.
type Email struct {
	Mail string `json:"mail"`
}

// AggregatedTransaction is the evidence bundle for a single transaction.
type AggregatedTransaction struct {
	Transaction        Transaction           `json:"transaction"`
	Sender             *UserWithTransactions `json:"sender"`
	Recipient          *UserWithTransactions `json:"recipient"`
	SenderEmails       []Email               `json:"sender_emails"`
	RecipientEmails    []Email               `json:"recipient_emails"`
	SenderSMS          []SMS                 `json:"sender_sms"`
	RecipientSMS       []SMS                 `json:"recipient_sms"`
	SenderLocations    []Location            `json:"sender_locations"`
	RecipientLocations []Location            `json:"recipient_locations"`
}

// BatchItem is one entry of a batch aggregation. Exactly one of Bundle or Error is set.
type BatchItem struct {
	TransactionID string                 `json:"transaction_id"`
	Bundle        *AggregatedTransaction `json:"-"`
	Error         string                 `json:"error,omitempty"`
}

// MarshalJSON renders a successful item as the bundle itself and a failed one
// as {transaction_id, error}.
func (b BatchItem) MarshalJSON() ([]byte, error) {
	if b.Bundle != nil {
		return json.Marshal(b.Bundle)
	}
	return json.Marshal(struct {
		TransactionID string `json:"transaction_id"`
		Error         string `json:"error"`
	}{b.TransactionID, b.Error})
}
