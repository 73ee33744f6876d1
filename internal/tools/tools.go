// Package tools implements the read-only fraud diagnostics. Every check
// reports domain failures inside its verdict; the returned error is reserved
// for an unreadable dataset.
package tools

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/aggregator"
	"github.com/opensource-finance/kestrel/internal/comms"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Verdict error codes.
const (
	CodeInvalidID           = "invalid_transaction_id"
	CodeNotFound            = "transaction_not_found"
	CodeSenderNotFound      = "sender_not_found"
	CodeInvalidTimestamp    = "invalid_timestamp"
	CodeNotAWithdrawal      = "not_a_withdrawal"
	CodeInsufficientLocData = "insufficient_location_data"
)

// Default windows, in hours.
const (
	DefaultCorrelationWindow = 4.0
	DefaultWithdrawalWindow  = 2.0
	DefaultPhishingWindow    = 4.0
)

const (
	correlationPreview = 200
	phishingPreview    = 300
	descriptionPreview = 100
)

var reasons = map[string]string{
	CodeInvalidID:           "Transaction id must be a 36-character UUID",
	CodeNotFound:            "Transaction not found",
	CodeSenderNotFound:      "Sender not found",
	CodeInvalidTimestamp:    "Transaction timestamp missing or invalid",
	CodeNotAWithdrawal:      "Not a withdrawal transaction",
	CodeInsufficientLocData: "Insufficient location data",
}

// Failure is embedded in every verdict.
type Failure struct {
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func fail(code string) Failure {
	return Failure{Error: code, Reason: reasons[code]}
}

// Failed reports whether the verdict carries an error code.
func (f Failure) Failed() bool { return f.Error != "" }

// Service runs diagnostics against the active dataset snapshot.
type Service struct {
	store *dataset.Store
}

// New creates a diagnostics service.
func New(store *dataset.Store) *Service {
	return &Service{store: store}
}

// subject is the resolved context shared by every check.
type subject struct {
	snap    *dataset.Snapshot
	tx      *domain.Transaction
	sender  *domain.User
	txTime  time.Time
	hasTime bool
}

func (s *Service) resolve(ctx context.Context, id string) (*subject, Failure, error) {
	if aggregator.ValidateID(id) != nil {
		return nil, fail(CodeInvalidID), nil
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, Failure{}, err
	}
	tx, ok := snap.Transaction(id)
	if !ok {
		return nil, fail(CodeNotFound), nil
	}
	sub := &subject{snap: snap, tx: tx}
	sub.txTime, sub.hasTime = tx.Time()
	sub.sender = aggregator.ResolveUser(snap, tx.SenderID, tx.SenderIBAN)
	return sub, Failure{}, nil
}

// senderTransactions are the transactions sent by the subject's sender.
func (sub *subject) senderTransactions() []*domain.Transaction {
	if sub.sender.Biotag != "" {
		return sub.snap.TransactionsBySender(sub.sender.Biotag)
	}
	var out []*domain.Transaction
	for _, t := range sub.snap.TransactionsByIBAN(sub.sender.IBAN) {
		if t.SenderIBAN == sub.sender.IBAN {
			out = append(out, t)
		}
	}
	return out
}

// commsEvent is a message of the sender with its parsed date, if any.
type commsEvent struct {
	kind    string
	text    string
	at      time.Time
	hasTime bool
}

func (sub *subject) senderComms() []commsEvent {
	id := sub.sender.CommsID()
	var out []commsEvent
	for _, e := range sub.snap.Emails {
		if !comms.EmailInvolves(e.Mail, id) {
			continue
		}
		ev := commsEvent{kind: "email", text: comms.PlainText(e.Mail)}
		ev.at, ev.hasTime = comms.EmailDate(e.Mail)
		out = append(out, ev)
	}
	for _, m := range sub.snap.SMS {
		if !comms.SMSInvolves(m, id) && !comms.SMSInvolves(m, sub.sender.Biotag) {
			continue
		}
		ev := commsEvent{kind: "sms", text: m.Body}
		ev.at, ev.hasTime = comms.SMSTime(m)
		out = append(out, ev)
	}
	return out
}

// PhishingEvent is one suspicious message near the transaction.
type PhishingEvent struct {
	Type          string   `json:"type"`
	Categories    []string `json:"categories,omitempty"`
	Time          *string  `json:"time"`
	TimeDiffHours *float64 `json:"time_diff_hours"`
	Preview       string   `json:"preview"`
}

func newEvent(ev commsEvent, txTime time.Time, hasTxTime bool, preview int) PhishingEvent {
	out := PhishingEvent{
		Type:    ev.kind,
		Preview: comms.Preview(strings.ToLower(ev.text), preview),
	}
	if ev.hasTime {
		ts := ev.at.Format(time.RFC3339)
		out.Time = &ts
		if hasTxTime {
			diff := domain.Round2(txTime.Sub(ev.at).Hours())
			out.TimeDiffHours = &diff
		}
	}
	return out
}

// TimeCorrelation is the verdict of CheckTimeCorrelation.
type TimeCorrelation struct {
	TransactionID       string          `json:"transaction_id"`
	TimeCorrelation     bool            `json:"time_correlation"`
	TimeWindowHours     float64         `json:"time_window_hours"`
	PhishingEvents      []PhishingEvent `json:"phishing_events"`
	PhishingEventsCount int             `json:"phishing_events_count"`
	Failure
}

// CheckTimeCorrelation finds phishing messages received in the windowH hours
// before the transaction.
func (s *Service) CheckTimeCorrelation(ctx context.Context, id string, windowH float64) (*TimeCorrelation, error) {
	if windowH <= 0 {
		windowH = DefaultCorrelationWindow
	}
	out := &TimeCorrelation{TransactionID: id, TimeWindowHours: windowH, PhishingEvents: []PhishingEvent{}}

	sub, f, err := s.resolve(ctx, id)
	if err != nil || f.Failed() {
		out.Failure = f
		return out, err
	}
	if sub.sender == nil {
		out.Failure = fail(CodeSenderNotFound)
		return out, nil
	}
	if !sub.hasTime {
		out.Failure = fail(CodeInvalidTimestamp)
		return out, nil
	}

	for _, ev := range sub.senderComms() {
		if !ev.hasTime || !comms.ContainsAny(ev.text, comms.ToolKeywords) {
			continue
		}
		diff := sub.txTime.Sub(ev.at).Hours()
		if diff < 0 || diff > windowH {
			continue
		}
		out.PhishingEvents = append(out.PhishingEvents, newEvent(ev, sub.txTime, true, correlationPreview))
	}
	out.PhishingEventsCount = len(out.PhishingEvents)
	out.TimeCorrelation = out.PhishingEventsCount > 0
	return out, nil
}

// SeenTransaction is an earlier payment to the same merchant.
type SeenTransaction struct {
	TransactionID string `json:"transaction_id"`
	MatchType     string `json:"match_type"`
	Timestamp     string `json:"timestamp"`
}

// NewMerchant is the verdict of CheckNewMerchant.
type NewMerchant struct {
	TransactionID         string            `json:"transaction_id"`
	IsNewMerchant         bool              `json:"is_new_merchant"`
	TransactionType       string            `json:"transaction_type,omitempty"`
	RecipientID           string            `json:"recipient_id,omitempty"`
	RecipientIBAN         string            `json:"recipient_iban,omitempty"`
	Description           string            `json:"description,omitempty"`
	SeenInTransactions    []SeenTransaction `json:"seen_in_transactions"`
	TotalUserTransactions int               `json:"total_user_transactions"`
	Failure
}

// CheckNewMerchant reports whether the sender has paid this recipient before,
// matching on recipient id, recipient IBAN or the first word of the description.
func (s *Service) CheckNewMerchant(ctx context.Context, id string) (*NewMerchant, error) {
	out := &NewMerchant{TransactionID: id, SeenInTransactions: []SeenTransaction{}}

	sub, f, err := s.resolve(ctx, id)
	if err != nil || f.Failed() {
		out.Failure = f
		return out, err
	}
	if sub.sender == nil {
		out.Failure = fail(CodeSenderNotFound)
		return out, nil
	}

	tx := sub.tx
	out.TransactionType = string(tx.Type)
	out.RecipientID = tx.RecipientID
	out.RecipientIBAN = tx.RecipientIBAN
	out.Description = comms.Preview(tx.Description, descriptionPreview)

	merchant := comms.MerchantKey(tx.Description)
	history := sub.senderTransactions()
	out.TotalUserTransactions = len(history)
	for _, other := range history {
		if other.ID == tx.ID {
			continue
		}
		seen := func(match string) {
			out.SeenInTransactions = append(out.SeenInTransactions, SeenTransaction{
				TransactionID: other.ID, MatchType: match, Timestamp: other.Timestamp,
			})
		}
		if tx.RecipientID != "" && tx.RecipientID == other.RecipientID {
			seen("recipient_id")
		}
		if tx.RecipientIBAN != "" && tx.RecipientIBAN == other.RecipientIBAN {
			seen("recipient_iban")
		}
		if merchant != "" && merchant == comms.MerchantKey(other.Description) {
			seen("description")
		}
	}
	out.IsNewMerchant = len(out.SeenInTransactions) == 0
	return out, nil
}

// LocationAnomaly is the verdict of CheckLocationAnomaly.
type LocationAnomaly struct {
	TransactionID       string   `json:"transaction_id"`
	HasLocationAnomaly  bool     `json:"has_location_anomaly"`
	Method              string   `json:"method,omitempty"`
	TransactionCity     string   `json:"transaction_city,omitempty"`
	TransactionLocation string   `json:"transaction_location,omitempty"`
	ResidenceCity       string   `json:"residence_city,omitempty"`
	CityDistanceKm      *float64 `json:"city_distance_km,omitempty"`
	UserHasBeenThere    *bool    `json:"user_has_been_there,omitempty"`
	SeenCities          []string `json:"seen_cities,omitempty"`
	DistanceKm          *float64 `json:"distance_km,omitempty"`
	ThresholdKm         float64  `json:"threshold_km,omitempty"`
	Failure
}

// CheckLocationAnomaly compares where the transaction happened with where the
// sender lives. The city method is used when both cities are known and
// useCityFallback is set; otherwise GPS.
func (s *Service) CheckLocationAnomaly(ctx context.Context, id string, useCityFallback bool) (*LocationAnomaly, error) {
	out := &LocationAnomaly{TransactionID: id}

	sub, f, err := s.resolve(ctx, id)
	if err != nil || f.Failed() {
		out.Failure = f
		return out, err
	}
	if sub.sender == nil {
		out.Failure = fail(CodeSenderNotFound)
		return out, nil
	}

	tx := sub.tx
	txCity := tx.City()
	residence := sub.sender.Residence

	if useCityFallback && txCity != "" && residence.City != "" {
		seen := sub.seenCities()
		been := false
		for _, c := range seen {
			if strings.EqualFold(c, txCity) {
				been = true
				break
			}
		}
		out.Method = "city"
		out.TransactionCity = txCity
		out.ResidenceCity = residence.City
		out.SeenCities = seen
		out.UserHasBeenThere = &been
		km, known := CityDistance(txCity, residence.City)
		if known {
			out.CityDistanceKm = &km
		}
		sameCity := strings.EqualFold(txCity, residence.City)
		out.HasLocationAnomaly = !sameCity && !been && (!known || km > AnomalyThresholdKm)
		return out, nil
	}

	lat, lng, ok := sub.transactionGPS()
	rLat, rLng, rOK := residence.Coordinates()
	if !ok || !rOK {
		out.Failure = fail(CodeInsufficientLocData)
		return out, nil
	}
	km := domain.Round2(Haversine(rLat, rLng, lat, lng))
	out.Method = "gps"
	out.DistanceKm = &km
	out.TransactionLocation = tx.Location
	out.ResidenceCity = residence.City
	out.ThresholdKm = AnomalyThresholdKm
	out.HasLocationAnomaly = km > AnomalyThresholdKm
	return out, nil
}

// seenCities are the cities of the sender's other transactions, sorted.
func (sub *subject) seenCities() []string {
	set := map[string]struct{}{}
	for _, t := range sub.senderTransactions() {
		if t.ID == sub.tx.ID {
			continue
		}
		if c := t.City(); c != "" {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// transactionGPS is the transaction's own fix, else the sender fix closest to
// T within ±24h.
func (sub *subject) transactionGPS() (lat, lng float64, ok bool) {
	if sub.tx.Lat != nil && sub.tx.Lng != nil {
		return *sub.tx.Lat, *sub.tx.Lng, true
	}
	if !sub.hasTime {
		return 0, 0, false
	}
	biotag := sub.tx.SenderID
	if biotag == "" {
		biotag = sub.sender.Biotag
	}
	from, to := sub.txTime.Add(-aggregator.LocationWindow), sub.txTime.Add(aggregator.LocationWindow)
	var near []domain.Location
	for _, l := range sub.snap.LocationsFor(biotag) {
		if lt, ok := domain.ParseTimestamp(l.Datetime); ok && domain.InWindow(lt, from, to) {
			near = append(near, l)
		}
	}
	loc, found := domain.ClosestLocation(near, sub.txTime)
	if !found {
		return 0, 0, false
	}
	return loc.Lat, loc.Lng, true
}

// Withdrawal is a neighbouring cash withdrawal.
type Withdrawal struct {
	TransactionID string  `json:"transaction_id"`
	Timestamp     string  `json:"timestamp"`
	Amount        float64 `json:"amount"`
	Location      string  `json:"location"`
	TimeDiffHours float64 `json:"time_diff_hours"`
}

// WithdrawalPattern is the verdict of CheckWithdrawalPattern.
type WithdrawalPattern struct {
	TransactionID            string       `json:"transaction_id"`
	HasPattern               bool         `json:"has_pattern"`
	TimeWindowHours          float64      `json:"time_window_hours"`
	RecentWithdrawals        []Withdrawal `json:"recent_withdrawals"`
	TotalWithdrawalsInWindow int          `json:"total_withdrawals_in_window"`
	Failure
}

// CheckWithdrawalPattern lists the sender's other withdrawals within ±windowH.
func (s *Service) CheckWithdrawalPattern(ctx context.Context, id string, windowH float64) (*WithdrawalPattern, error) {
	if windowH <= 0 {
		windowH = DefaultWithdrawalWindow
	}
	out := &WithdrawalPattern{TransactionID: id, TimeWindowHours: windowH, RecentWithdrawals: []Withdrawal{}}

	sub, f, err := s.resolve(ctx, id)
	if err != nil || f.Failed() {
		out.Failure = f
		return out, err
	}
	if !sub.tx.Type.IsWithdrawal() {
		out.Failure = fail(CodeNotAWithdrawal)
		return out, nil
	}
	if sub.sender == nil {
		out.Failure = fail(CodeSenderNotFound)
		return out, nil
	}
	if !sub.hasTime {
		out.Failure = fail(CodeInvalidTimestamp)
		return out, nil
	}

	for _, other := range sub.senderTransactions() {
		if other.ID == sub.tx.ID || !other.Type.IsWithdrawal() {
			continue
		}
		ot, ok := other.Time()
		if !ok {
			continue
		}
		diff := sub.txTime.Sub(ot).Hours()
		if diff < 0 {
			diff = -diff
		}
		if diff > windowH {
			continue
		}
		out.RecentWithdrawals = append(out.RecentWithdrawals, Withdrawal{
			TransactionID: other.ID,
			Timestamp:     other.Timestamp,
			Amount:        other.Amount,
			Location:      other.Location,
			TimeDiffHours: domain.Round2(diff),
		})
	}
	out.TotalWithdrawalsInWindow = len(out.RecentWithdrawals) + 1
	out.HasPattern = out.TotalWithdrawalsInWindow >= 2
	return out, nil
}

// PhishingIndicators is the verdict of CheckPhishingIndicators.
type PhishingIndicators struct {
	TransactionID         string          `json:"transaction_id"`
	HasPhishingIndicators bool            `json:"has_phishing_indicators"`
	TimeWindowHours       float64         `json:"time_window_hours"`
	PhishingEvents        []PhishingEvent `json:"phishing_events"`
	TotalEvents           int             `json:"total_events"`
	Failure
}

// CheckPhishingIndicators classifies the sender's messages into scam families.
// Undated messages are always included; dated ones must precede T by at most windowH.
func (s *Service) CheckPhishingIndicators(ctx context.Context, id string, windowH float64) (*PhishingIndicators, error) {
	if windowH <= 0 {
		windowH = DefaultPhishingWindow
	}
	out := &PhishingIndicators{TransactionID: id, TimeWindowHours: windowH, PhishingEvents: []PhishingEvent{}}

	sub, f, err := s.resolve(ctx, id)
	if err != nil || f.Failed() {
		out.Failure = f
		return out, err
	}
	if sub.sender == nil {
		out.Failure = fail(CodeSenderNotFound)
		return out, nil
	}

	for _, ev := range sub.senderComms() {
		cats := comms.Classify(ev.text)
		if len(cats) == 0 {
			continue
		}
		if ev.hasTime && sub.hasTime {
			diff := sub.txTime.Sub(ev.at).Hours()
			if diff < 0 || diff > windowH {
				continue
			}
		}
		pe := newEvent(ev, sub.txTime, sub.hasTime, phishingPreview)
		pe.Categories = cats
		out.PhishingEvents = append(out.PhishingEvents, pe)
	}
	out.TotalEvents = len(out.PhishingEvents)
	out.HasPhishingIndicators = out.TotalEvents > 0
	return out, nil
}
