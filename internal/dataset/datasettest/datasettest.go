// Package datasettest writes dataset folders for tests.
package datasettest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/dataset"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Folder is the dataset folder name used by NewStore.
const Folder = "test"

// Fixture is the content of one dataset folder.
type Fixture struct {
	Transactions []domain.Transaction
	Users        []domain.User
	Locations    []domain.Location
	SMS          []domain.SMS
	Emails       []domain.Email
}

// Write stores fx as <root>/dataset/<folder>.
func Write(t testing.TB, root, folder string, fx Fixture) string {
	t.Helper()
	dir := filepath.Join(root, "dataset", folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	write := func(name string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s failed: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
	}
	write(dataset.TransactionsFile, nonNil(fx.Transactions))
	write(dataset.UsersFile, nonNil(fx.Users))
	write(dataset.LocationsFile, nonNil(fx.Locations))
	write("generated_sms.json", nonNil(fx.SMS))
	write("generated_mails.json", nonNil(fx.Emails))
	return dir
}

// NewStore writes fx into a temp root and returns a store pointing at it.
func NewStore(t testing.TB, fx Fixture) *dataset.Store {
	t.Helper()
	root := t.TempDir()
	Write(t, root, Folder, fx)
	return dataset.NewStore(root, Folder)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// F is a float pointer helper for optional coordinates.
func F(v float64) *float64 { return &v }
