// Package aggregator joins a transaction with its participants, their nearby
// communications, GPS traces and neighbouring transactions.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/comms"
	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxBatch is the largest accepted batch.
const MaxBatch = 200

// Windows around the transaction time T.
const (
	CommsWindow    = 3 * time.Hour  // [T-3h, T]
	LocationWindow = 24 * time.Hour // [T-24h, T+24h]
	NeighborWindow = 3 * time.Hour  // [T-3h, T+3h]
)

var (
	ErrNotFound      = errors.New("transaction not found")
	ErrInvalidID     = errors.New("transaction id must be a 36-character UUID")
	ErrEmptyBatch    = errors.New("batch must contain at least one transaction id")
	ErrBatchTooLarge = fmt.Errorf("batch cannot exceed %d transaction ids", MaxBatch)
)

// Aggregator builds evidence bundles from the active dataset.
type Aggregator struct {
	store *dataset.Store
}

// New creates an aggregator over store.
func New(store *dataset.Store) *Aggregator {
	return &Aggregator{store: store}
}

// ValidateID checks the 36-char UUID shape of a transaction id.
func ValidateID(id string) error {
	if len(id) != 36 {
		return ErrInvalidID
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidID
	}
	return nil
}

// Aggregate returns the bundle for one transaction.
func (a *Aggregator) Aggregate(ctx context.Context, id string) (*domain.AggregatedTransaction, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Build(snap, id)
}

// AggregateBatch returns one item per id, in input order. Per-id failures are
// reported inline; only the batch shape itself can fail the call.
func (a *Aggregator) AggregateBatch(ctx context.Context, ids []string) ([]domain.BatchItem, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(ids) > MaxBatch {
		return nil, ErrBatchTooLarge
	}
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]domain.BatchItem, len(ids))
	for i, id := range ids {
		items[i].TransactionID = id
		if err := ValidateID(id); err != nil {
			items[i].Error = err.Error()
			continue
		}
		bundle, err := Build(snap, id)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		items[i].Bundle = bundle
	}
	return items, nil
}

// Build assembles the bundle for id from snap. It is a pure function of the snapshot.
func Build(snap *dataset.Snapshot, id string) (*domain.AggregatedTransaction, error) {
	tx, ok := snap.Transaction(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	t, hasTime := tx.Time()
	out := &domain.AggregatedTransaction{
		Transaction:        *tx,
		SenderEmails:       []domain.Email{},
		RecipientEmails:    []domain.Email{},
		SenderSMS:          []domain.SMS{},
		RecipientSMS:       []domain.SMS{},
		SenderLocations:    []domain.Location{},
		RecipientLocations: []domain.Location{},
	}

	sender := ResolveUser(snap, tx.SenderID, tx.SenderIBAN)
	recipient := ResolveUser(snap, tx.RecipientID, tx.RecipientIBAN)

	if sender != nil {
		out.Sender = withNeighbors(snap, sender, tx, t, hasTime)
		out.SenderEmails = emailsFor(snap, sender.CommsID(), t, hasTime)
		out.SenderSMS = smsFor(snap, sender.CommsID(), t, hasTime)
	}
	if recipient != nil {
		out.Recipient = withNeighbors(snap, recipient, tx, t, hasTime)
		out.RecipientEmails = emailsFor(snap, recipient.CommsID(), t, hasTime)
		out.RecipientSMS = smsFor(snap, recipient.CommsID(), t, hasTime)
	}

	out.SenderLocations = locationsFor(snap, biotagOf(tx.SenderID, sender), t, hasTime)
	out.RecipientLocations = locationsFor(snap, biotagOf(tx.RecipientID, recipient), t, hasTime)
	return out, nil
}

// ResolveUser finds a participant by biotag first, then by IBAN.
func ResolveUser(snap *dataset.Snapshot, biotag, iban string) *domain.User {
	if u, ok := snap.UserByBiotag(biotag); ok {
		return u
	}
	if u, ok := snap.UserByIBAN(iban); ok {
		return u
	}
	return nil
}

func biotagOf(id string, u *domain.User) string {
	if id != "" {
		return id
	}
	if u != nil {
		return u.Biotag
	}
	return ""
}

func withNeighbors(snap *dataset.Snapshot, u *domain.User, target *domain.Transaction, t time.Time, hasTime bool) *domain.UserWithTransactions {
	out := &domain.UserWithTransactions{User: *u, OtherTransactions: []domain.Transaction{}}
	if !hasTime || u.IBAN == "" {
		return out
	}
	from, to := t.Add(-NeighborWindow), t.Add(NeighborWindow)
	for _, other := range snap.TransactionsByIBAN(u.IBAN) {
		if other.ID == target.ID {
			continue
		}
		ot, ok := other.Time()
		if !ok || !domain.InWindow(ot, from, to) {
			continue
		}
		out.OtherTransactions = append(out.OtherTransactions, *other)
	}
	return out
}

func emailsFor(snap *dataset.Snapshot, userID string, t time.Time, hasTime bool) []domain.Email {
	out := []domain.Email{}
	from := t.Add(-CommsWindow)
	for _, e := range snap.Emails {
		if !comms.EmailInvolves(e.Mail, userID) {
			continue
		}
		if hasTime {
			if et, ok := comms.EmailDate(e.Mail); ok && !domain.InWindow(et, from, t) {
				continue
			}
		}
		out = append(out, domain.Email{Mail: comms.PlainText(e.Mail)})
	}
	return out
}

func smsFor(snap *dataset.Snapshot, userID string, t time.Time, hasTime bool) []domain.SMS {
	out := []domain.SMS{}
	from := t.Add(-CommsWindow)
	for _, s := range snap.SMS {
		if !comms.SMSInvolves(s, userID) {
			continue
		}
		if hasTime {
			if st, ok := comms.SMSTime(s); ok && !domain.InWindow(st, from, t) {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func locationsFor(snap *dataset.Snapshot, biotag string, t time.Time, hasTime bool) []domain.Location {
	out := []domain.Location{}
	if biotag == "" {
		return out
	}
	from, to := t.Add(-LocationWindow), t.Add(LocationWindow)
	for _, loc := range snap.LocationsFor(biotag) {
		if hasTime {
			lt, ok := domain.ParseTimestamp(loc.Datetime)
			if !ok || !domain.InWindow(lt, from, to) {
				continue
			}
		}
		out = append(out, loc)
	}
	return out
}
