package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// File names inside a dataset folder.
const (
	TransactionsFile      = "transactions_dataset.json"
	UsersFile             = "users.json"
	UsersDescriptionsFile = "users_descriptions.json"
	LocationsFile         = "locations.json"
	smsPattern            = "generated_sms*.json"
	mailsPattern          = "generated_mails*.json"
)

// load reads and indexes every collection of the folder at path.
func load(ctx context.Context, folder, path string) (*Snapshot, error) {
	if _, err := os.Stat(filepath.Join(path, TransactionsFile)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredFile, filepath.Join(path, TransactionsFile))
	}

	txs, err := loadTransactions(filepath.Join(path, TransactionsFile))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users, err := loadUsers(path)
	if err != nil {
		return nil, err
	}
	deriveBiotags(users, txs)

	locs, err := loadLocations(filepath.Join(path, LocationsFile))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sms []domain.SMS
	if f := newest(path, smsPattern); f != "" {
		if err := readJSON(f, &sms); err != nil {
			return nil, err
		}
	}
	var emails []domain.Email
	if f := newest(path, mailsPattern); f != "" {
		if err := readJSON(f, &emails); err != nil {
			return nil, err
		}
	}

	return newSnapshot(folder, path, txs, users, locs, sms, emails), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func loadTransactions(path string) ([]domain.Transaction, error) {
	var raw []domain.Transaction
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]domain.Transaction, 0, len(raw))
	for _, tx := range raw {
		if _, dup := seen[tx.ID]; dup {
			slog.Warn("duplicate transaction id, keeping first occurrence", "tx_id", tx.ID)
			continue
		}
		seen[tx.ID] = struct{}{}
		if err := tx.Validate(); err != nil {
			slog.Warn("invalid transaction record", "tx_id", tx.ID, "error", err)
		}
		if tx.Timestamp != "" {
			if _, ok := domain.ParseTimestamp(tx.Timestamp); !ok {
				slog.Warn("unparseable transaction timestamp", "tx_id", tx.ID, "timestamp", tx.Timestamp)
				tx.Timestamp = ""
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

// describedUser is one record of users_descriptions.json.
type describedUser struct {
	PersonData struct {
		domain.User
		Biotag string `json:"_biotag"`
	} `json:"person_data"`
	Description string `json:"description"`
}

// loadUsers prefers the embedded users_descriptions.json form.
func loadUsers(dir string) ([]domain.User, error) {
	var users []domain.User

	descPath := filepath.Join(dir, UsersDescriptionsFile)
	if _, err := os.Stat(descPath); err == nil {
		var raw []describedUser
		if err := readJSON(descPath, &raw); err != nil {
			return nil, err
		}
		users = make([]domain.User, 0, len(raw))
		for _, r := range raw {
			u := r.PersonData.User
			if r.PersonData.Biotag != "" {
				u.Biotag = r.PersonData.Biotag
			}
			if r.Description != "" {
				u.Description = r.Description
			}
			users = append(users, u)
		}
	} else {
		err := readJSON(filepath.Join(dir, UsersFile), &users)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("dataset has no users file", "path", dir)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	for i := range users {
		if err := users[i].Validate(); err != nil {
			slog.Warn("invalid user record", "iban", users[i].IBAN, "error", err)
		}
	}
	return users, nil
}

// deriveBiotags fills missing user biotags from transactions that carry both
// an IBAN and a sender_id/recipient_id for it.
func deriveBiotags(users []domain.User, txs []domain.Transaction) {
	byIBAN := make(map[string]string)
	for _, tx := range txs {
		if tx.SenderIBAN != "" && tx.SenderID != "" {
			if _, ok := byIBAN[tx.SenderIBAN]; !ok {
				byIBAN[tx.SenderIBAN] = tx.SenderID
			}
		}
		if tx.RecipientIBAN != "" && tx.RecipientID != "" {
			if _, ok := byIBAN[tx.RecipientIBAN]; !ok {
				byIBAN[tx.RecipientIBAN] = tx.RecipientID
			}
		}
	}
	for i := range users {
		if users[i].Biotag == "" {
			users[i].Biotag = byIBAN[users[i].IBAN]
		}
	}
}

// rawLocation accepts both "datetime" and its "timestamp" alias.
type rawLocation struct {
	Biotag    string  `json:"biotag"`
	Datetime  string  `json:"datetime"`
	Timestamp string  `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

func loadLocations(path string) ([]domain.Location, error) {
	var raw []rawLocation
	err := readJSON(path, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Location, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		dt := r.Datetime
		if dt == "" {
			dt = r.Timestamp
		}
		if dt == "" {
			dropped++
			continue
		}
		out = append(out, domain.Location{Biotag: r.Biotag, Datetime: dt, Lat: r.Lat, Lng: r.Lng})
	}
	if dropped > 0 {
		slog.Warn("dropped locations without datetime", "count", dropped)
	}
	return out, nil
}

// newest returns the most recently modified file matching pattern in dir, or "".
func newest(dir, pattern string) string {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil || len(matches) == 0 {
		return ""
	}
	var best string
	var bestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = m, mod
		}
	}
	return best
}
