package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/comms"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Analyzer derives one family of features from a bundle. Analyzers are pure
// and their key sets are disjoint.
type Analyzer func(b *domain.AggregatedTransaction) domain.Features

// Analyzers run on every bundle.
var Analyzers = []Analyzer{AmountMerchant, CountryTravel, Communications}

const (
	highAmount             = 500.0
	largeWithdrawal        = 300.0
	postWithdrawalAmount   = 200.0
	abnormalSalaryFraction = 0.10
	veryLowBalance         = 10.0
	impossibleTravelKm     = 1000.0
	anomalyKm              = 100.0
	kmPerDegree            = 111.0
	phishingWindow         = 4 * time.Hour
)

var (
	northCities = []string{"modena", "milano", "torino", "genova", "venezia", "bologna"}
	southCities = []string{"palermo", "catania", "napoli", "bari"}
)

func sender(b *domain.AggregatedTransaction) (salary float64, history []domain.Transaction, residence domain.Residence) {
	if b.Sender == nil {
		return 0, nil, domain.Residence{}
	}
	return b.Sender.Salary, b.Sender.OtherTransactions, b.Sender.Residence
}

// merchantOf identifies a merchant by the first word of the description,
// else the recipient id, else the location.
func merchantOf(tx *domain.Transaction) string {
	if m := comms.MerchantKey(tx.Description); m != "" {
		return m
	}
	if tx.RecipientID != "" {
		return strings.ToLower(tx.RecipientID)
	}
	return strings.ToLower(strings.TrimSpace(tx.Location))
}

// AmountMerchant covers balance, amount, type and counterparty novelty.
func AmountMerchant(b *domain.AggregatedTransaction) domain.Features {
	tx := &b.Transaction
	salary, history, _ := sender(b)
	f := domain.Features{}

	f.Flag(AccountDrained, tx.BalanceAfter == 0)
	f.Flag(BalanceVeryLow, tx.BalanceAfter > 0 && tx.BalanceAfter < veryLowBalance)
	f.Flag(AbnormalAmount, salary > 0 && tx.Amount > abnormalSalaryFraction*salary)
	f.Flag(HighAmount, tx.Amount > highAmount)
	f.Flag(LargeWithdrawal, tx.Type.IsWithdrawal() && tx.Amount > largeWithdrawal)
	f.Flag(SuspiciousType, tx.Type.IsTransfer())
	f[BalanceRatio] = tx.BalanceAfter / math.Max(salary/12, 1)
	f.Flag(UnknownMerchant, len(strings.TrimSpace(tx.Description)) < 3)
	f.Flag(SuspiciousKeywords, comms.ContainsAny(tx.Description, comms.SuspiciousDescriptionWords))

	newDest := false
	if current := firstNonEmpty(tx.RecipientIBAN, tx.RecipientID); current != "" {
		seen := map[string]struct{}{}
		for _, o := range history {
			if o.RecipientIBAN != "" {
				seen[o.RecipientIBAN] = struct{}{}
			}
			if o.RecipientID != "" {
				seen[o.RecipientID] = struct{}{}
			}
		}
		_, known := seen[current]
		newDest = !known
	}
	f.Flag(NewDest, newDest)

	newMerchant := false
	if tx.Type.IsEcommerce() {
		if m := merchantOf(tx); m != "" {
			seen := map[string]struct{}{}
			for i := range history {
				if history[i].Type.IsEcommerce() {
					if om := merchantOf(&history[i]); om != "" {
						seen[om] = struct{}{}
					}
				}
			}
			_, known := seen[m]
			newMerchant = !known
		}
	}
	f.Flag(NewMerchant, newMerchant)

	postWithdrawal := false
	if tx.Type.IsInPerson() || tx.Type.IsEcommerce() {
		for _, o := range history {
			if o.Type.IsWithdrawal() && o.Amount > postWithdrawalAmount {
				postWithdrawal = true
				break
			}
		}
	}
	f.Flag(PostWithdrawal, postWithdrawal)

	multiple := false
	if tx.Type.IsWithdrawal() {
		for _, o := range history {
			if o.Type.IsWithdrawal() {
				multiple = true
				break
			}
		}
	}
	f.Flag(PatternMultipleWithdrawals, multiple)
	return f
}

// CountryTravel compares where the transaction happened with the sender's residence.
func CountryTravel(b *domain.AggregatedTransaction) domain.Features {
	tx := &b.Transaction
	_, history, residence := sender(b)
	f := domain.Features{}

	location := strings.TrimSpace(tx.Location)
	txCity := strings.ToLower(tx.City())
	homeCity := strings.ToLower(strings.TrimSpace(residence.City))
	mismatch := txCity != "" && homeCity != "" && txCity != homeCity

	f.Flag(LocationMissing, location == "")
	f.Flag(LocationMismatch, mismatch)

	newVenue := false
	if tx.Type.IsInPerson() && location != "" {
		newVenue = true
		for _, o := range history {
			if o.Type.IsInPerson() && strings.EqualFold(strings.TrimSpace(o.Location), location) {
				newVenue = false
				break
			}
		}
	}
	f.Flag(NewVenue, newVenue)

	lat, lng, gps := transactionGPS(b)
	hLat, hLng, home := residence.Coordinates()
	f.Flag(GPSAvailable, gps)

	switch {
	case gps && home:
		km := math.Hypot(hLat-lat, hLng-lng) * kmPerDegree
		f[DistanceFromResidence] = km
		f.Flag(ImpossibleTravel, km > impossibleTravelKm)
		f.Flag(LocationAnomaly, km > anomalyKm)
		f.Flag(GPSContradiction, mismatch && km <= anomalyKm)
	case mismatch:
		f.Flag(LocationAnomaly, true)
		txNorth, txSouth := inAny(txCity, northCities), inAny(txCity, southCities)
		homeNorth, homeSouth := inAny(homeCity, northCities), inAny(homeCity, southCities)
		f.Flag(ImpossibleTravel, (txNorth && homeSouth) || (txSouth && homeNorth))
	}
	return f
}

// transactionGPS is the transaction's own fix. A sender trace is not the
// transaction's position, so without one the city comparison decides.
func transactionGPS(b *domain.AggregatedTransaction) (lat, lng float64, ok bool) {
	tx := &b.Transaction
	if tx.Lat == nil || tx.Lng == nil {
		return 0, 0, false
	}
	return *tx.Lat, *tx.Lng, true
}

// Communications looks for phishing messages shortly before the transaction.
func Communications(b *domain.AggregatedTransaction) domain.Features {
	f := domain.Features{}
	t, hasTime := b.Transaction.Time()

	var events []time.Time
	smsCount, emailCount := 0, 0
	for _, s := range b.SenderSMS {
		if !comms.IsPhishing(s.Body) {
			continue
		}
		smsCount++
		if at, ok := comms.SMSTime(s); ok {
			events = append(events, at)
		}
	}
	for _, e := range b.SenderEmails {
		if !comms.IsPhishing(e.Mail) {
			continue
		}
		emailCount++
		if at, ok := comms.EmailDate(e.Mail); ok {
			events = append(events, at)
		}
	}

	correlated := false
	if hasTime {
		for _, at := range events {
			if domain.InWindow(at, t.Add(-phishingWindow), t) {
				correlated = true
				break
			}
		}
	}

	f.Flag(HasSMS, len(b.SenderSMS) > 0)
	f.Flag(HasEmail, len(b.SenderEmails) > 0)
	f[SuspiciousSMSCount] = float64(smsCount)
	f[SuspiciousEmailCount] = float64(emailCount)
	f.Flag(PhishingIndicators, smsCount > 0 || emailCount > 0)
	f[TotalCommunications] = float64(len(b.SenderSMS) + len(b.SenderEmails))
	f.Flag(TimeCorrelation, correlated)
	return f
}

func inAny(city string, set []string) bool {
	for _, c := range set {
		if strings.Contains(city, c) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
