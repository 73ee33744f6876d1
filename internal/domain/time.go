package domain

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Layouts accepted for dataset timestamps. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Naive values are treated as UTC.
// The returned time is always in UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// InWindow reports whether t lies in [from, to], inclusive at both ends.
func InWindow(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

var (
	ErrInvalidBirthYear = errors.New("birth_year must be between 1900 and 2024")
	ErrInvalidSalary    = errors.New("salary must be non-negative")
	ErrInvalidIBAN      = errors.New("invalid iban")
	ErrInvalidAmount    = errors.New("amount must be non-negative")
	ErrInvalidTxID      = errors.New("transaction_id must be a 36-character UUID")
)

var ibanPattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]+$`)

// ValidateIBAN checks the shape of an IBAN: 15 to 34 chars, country, check digits, alnum.
func ValidateIBAN(iban string) error {
	if len(iban) < 15 || len(iban) > 34 || !ibanPattern.MatchString(iban) {
		return ErrInvalidIBAN
	}
	return nil
}

// Validate checks a user record loaded from a dataset.
func (u *User) Validate() error {
	if u.BirthYear < 1900 || u.BirthYear > 2024 {
		return ErrInvalidBirthYear
	}
	if u.Salary < 0 {
		return ErrInvalidSalary
	}
	return ValidateIBAN(u.IBAN)
}

// Validate checks a transaction record loaded from a dataset.
func (t *Transaction) Validate() error {
	if len(t.ID) != 36 {
		return ErrInvalidTxID
	}
	if t.Amount < 0 {
		return ErrInvalidAmount
	}
	return nil
}
