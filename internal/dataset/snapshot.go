package dataset

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Snapshot is an immutable, fully indexed view of one dataset folder.
// Callers must not mutate the returned entities.
type Snapshot struct {
	Folder   string
	Path     string
	LoadedAt time.Time

	Transactions []domain.Transaction
	Users        []domain.User
	Locations    []domain.Location
	SMS          []domain.SMS
	Emails       []domain.Email

	txByID            map[string]int
	usersByIBAN       map[string]int
	usersByBiotag     map[string]int
	locationsByBiotag map[string][]int
	txByIBAN          map[string][]int
	txBySender        map[string][]int
	ids               []string
}

// Counts reports collection sizes.
type Counts struct {
	Transactions int `json:"transactions"`
	Users        int `json:"users"`
	Locations    int `json:"locations"`
	SMS          int `json:"sms"`
	Emails       int `json:"emails"`
}

func newSnapshot(folder, path string, txs []domain.Transaction, users []domain.User, locs []domain.Location, sms []domain.SMS, emails []domain.Email) *Snapshot {
	s := &Snapshot{
		Folder:            folder,
		Path:              path,
		LoadedAt:          time.Now().UTC(),
		Transactions:      txs,
		Users:             users,
		Locations:         locs,
		SMS:               sms,
		Emails:            emails,
		txByID:            make(map[string]int, len(txs)),
		usersByIBAN:       make(map[string]int, len(users)),
		usersByBiotag:     make(map[string]int, len(users)),
		locationsByBiotag: make(map[string][]int),
		txByIBAN:          make(map[string][]int),
		txBySender:        make(map[string][]int),
		ids:               make([]string, 0, len(txs)),
	}

	for i := range txs {
		tx := &txs[i]
		s.txByID[tx.ID] = i
		s.ids = append(s.ids, tx.ID)
		if tx.SenderIBAN != "" {
			s.txByIBAN[tx.SenderIBAN] = append(s.txByIBAN[tx.SenderIBAN], i)
		}
		if tx.RecipientIBAN != "" && tx.RecipientIBAN != tx.SenderIBAN {
			s.txByIBAN[tx.RecipientIBAN] = append(s.txByIBAN[tx.RecipientIBAN], i)
		}
		if tx.SenderID != "" {
			s.txBySender[tx.SenderID] = append(s.txBySender[tx.SenderID], i)
		}
	}
	for i := range users {
		u := &users[i]
		if u.IBAN != "" {
			if _, dup := s.usersByIBAN[u.IBAN]; !dup {
				s.usersByIBAN[u.IBAN] = i
			}
		}
		if u.Biotag != "" {
			if _, dup := s.usersByBiotag[u.Biotag]; !dup {
				s.usersByBiotag[u.Biotag] = i
			}
		}
	}
	for i := range locs {
		b := locs[i].Biotag
		s.locationsByBiotag[b] = append(s.locationsByBiotag[b], i)
	}
	return s
}

// Transaction looks up a transaction by id.
func (s *Snapshot) Transaction(id string) (*domain.Transaction, bool) {
	i, ok := s.txByID[id]
	if !ok {
		return nil, false
	}
	return &s.Transactions[i], true
}

// UserByIBAN looks up a user by IBAN.
func (s *Snapshot) UserByIBAN(iban string) (*domain.User, bool) {
	if iban == "" {
		return nil, false
	}
	i, ok := s.usersByIBAN[iban]
	if !ok {
		return nil, false
	}
	return &s.Users[i], true
}

// UserByBiotag looks up a user by biotag.
func (s *Snapshot) UserByBiotag(biotag string) (*domain.User, bool) {
	if biotag == "" {
		return nil, false
	}
	i, ok := s.usersByBiotag[biotag]
	if !ok {
		return nil, false
	}
	return &s.Users[i], true
}

// LocationsFor returns the GPS fixes recorded for a biotag, in file order.
func (s *Snapshot) LocationsFor(biotag string) []domain.Location {
	idx := s.locationsByBiotag[biotag]
	out := make([]domain.Location, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.Locations[i])
	}
	return out
}

// TransactionsByIBAN returns transactions where iban is the sender or the recipient.
func (s *Snapshot) TransactionsByIBAN(iban string) []*domain.Transaction {
	return s.pick(s.txByIBAN[iban])
}

// TransactionsBySender returns transactions whose sender_id equals id.
func (s *Snapshot) TransactionsBySender(id string) []*domain.Transaction {
	return s.pick(s.txBySender[id])
}

func (s *Snapshot) pick(idx []int) []*domain.Transaction {
	out := make([]*domain.Transaction, 0, len(idx))
	for _, i := range idx {
		out = append(out, &s.Transactions[i])
	}
	return out
}

// TransactionIDs returns ids in file order. The slice is shared; do not modify.
func (s *Snapshot) TransactionIDs() []string {
	return s.ids
}

// Counts reports the size of every collection.
func (s *Snapshot) Counts() Counts {
	return Counts{
		Transactions: len(s.Transactions),
		Users:        len(s.Users),
		Locations:    len(s.Locations),
		SMS:          len(s.SMS),
		Emails:       len(s.Emails),
	}
}
