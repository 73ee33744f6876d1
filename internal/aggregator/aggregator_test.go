package aggregator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/dataset/datasettest"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	target  = "aaaaaaaa-0000-0000-0000-000000000001"
	near    = "aaaaaaaa-0000-0000-0000-000000000002"
	far     = "aaaaaaaa-0000-0000-0000-000000000003"
	edge    = "aaaaaaaa-0000-0000-0000-000000000004"
	undated = "aaaaaaaa-0000-0000-0000-000000000005"
	unknown = "ffffffff-0000-0000-0000-000000000000"
	ibanA   = "IT60X0542811101000000123456"
	ibanB   = "IT60X0542811101000000654321"
	ibanC   = "IT60X0542811101000000777777"
	biotagA = "MRRS-BIO-A"
	biotagB = "NVRD-BIO-B"
)

func email(from, to, date, body string) domain.Email {
	msg := fmt.Sprintf("From: %s\nTo: %s\n", from, to)
	if date != "" {
		msg += "Date: " + date + "\n"
	}
	return domain.Email{Mail: msg + "\n" + body}
}

func fixture() datasettest.Fixture {
	return datasettest.Fixture{
		Transactions: []domain.Transaction{
			{ID: target, SenderID: biotagA, RecipientID: biotagB, SenderIBAN: ibanA, RecipientIBAN: ibanB, Type: domain.TypeTransfer, Amount: 100, Timestamp: "2025-11-17T12:00:00Z"},
			{ID: near, SenderID: biotagA, SenderIBAN: ibanA, RecipientIBAN: ibanC, Amount: 5, Timestamp: "2025-11-17T10:00:00Z"},
			{ID: far, SenderID: biotagA, SenderIBAN: ibanA, RecipientIBAN: ibanC, Amount: 5, Timestamp: "2025-11-17T08:00:00Z"},
			{ID: edge, SenderIBAN: ibanC, RecipientIBAN: ibanA, Amount: 5, Timestamp: "2025-11-17T15:00:00Z"},
			{ID: undated, SenderIBAN: ibanC, RecipientIBAN: ibanB, Amount: 1},
		},
		Users: []domain.User{
			{FirstName: "Mario", LastName: "Rossi", BirthYear: 1980, Salary: 30000, IBAN: ibanA, Biotag: biotagA, Residence: domain.Residence{City: "Torino", Lat: "45.07", Lng: "7.69"}},
			{FirstName: "Nina", LastName: "Verdi", BirthYear: 1985, Salary: 20000, IBAN: ibanB, Biotag: biotagB},
			// reachable through IBAN only
			{FirstName: "Impostor", LastName: "X", BirthYear: 1985, Salary: 1, IBAN: ibanC},
		},
		Locations: []domain.Location{
			{Biotag: biotagA, Datetime: "2025-11-16T12:00:00Z", Lat: 45, Lng: 7},
			{Biotag: biotagA, Datetime: "2025-11-16T11:59:59Z", Lat: 45, Lng: 7},
			{Biotag: biotagA, Datetime: "2025-11-18T12:00:00Z", Lat: 45, Lng: 7},
			{Biotag: biotagB, Datetime: "2025-11-17T12:30:00Z", Lat: 41, Lng: 12},
		},
		SMS: []domain.SMS{
			{IDUser: "Mario_Rossi", Body: "Date: 2025-11-17 09:00:00\nat T-3h"},
			{IDUser: "mario_rossi_2", Body: "Date: 2025-11-17 08:59:59\ntoo early"},
			{IDUser: "Mario_Rossi", Body: "no date at all"},
			{IDUser: "Mario_Rossi", Body: "Date: 2025-11-17 12:00:01\nafter T"},
			{IDUser: "Nina_Verdi", Body: "Date: 2025-11-17 12:00:00\nat T"},
			{IDUser: "Mario_Rossi", Datetime: "2025-11-17T07:00:00Z", Body: "Date: 2025-11-17 10:00:00\nrecord says too early"},
			{IDUser: "Mario_Rossi", Timestamp: "2025-11-17 11:00:00", Body: "record dated"},
		},
		Emails: []domain.Email{
			email(`"Bank" <bank@x.it>`, `"Mario Rossi" <m@x.it>`, "Mon, 17 Nov 2025 12:00:00 +0000", "<p>at&nbsp;T</p>"),
			email(`<mario.rossi@x.it>`, `<shop@x.it>`, "Mon, 17 Nov 2025 08:59:59 +0000", "too early"),
			email(`<mario.rossi@x.it>`, `<shop@x.it>`, "", "undated"),
			email(`<other@x.it>`, `<shop@x.it>`, "Mon, 17 Nov 2025 11:00:00 +0000", "not involved"),
		},
	}
}

func newAggregator(t *testing.T) *Aggregator {
	return New(datasettest.NewStore(t, fixture()))
}

func TestAggregate(t *testing.T) {
	agg := newAggregator(t)
	b, err := agg.Aggregate(context.Background(), target)
	require.NoError(t, err)

	require.NotNil(t, b.Sender)
	require.NotNil(t, b.Recipient)
	assert.Equal(t, "Mario", b.Sender.FirstName)
	assert.Equal(t, "Nina", b.Recipient.FirstName)

	t.Run("other transactions exclude target and respect ±3h", func(t *testing.T) {
		var ids []string
		for _, o := range b.Sender.OtherTransactions {
			assert.NotEqual(t, target, o.ID)
			ids = append(ids, o.ID)
		}
		assert.Equal(t, []string{near, edge}, ids)
		assert.Empty(t, b.Recipient.OtherTransactions)
	})

	t.Run("sms window inclusive, undated kept", func(t *testing.T) {
		var bodies []string
		for _, s := range b.SenderSMS {
			bodies = append(bodies, s.Body)
		}
		assert.Equal(t, []string{"Date: 2025-11-17 09:00:00\nat T-3h", "no date at all", "record dated"}, bodies)
		assert.Len(t, b.RecipientSMS, 1)
	})

	t.Run("emails filtered and reduced to text", func(t *testing.T) {
		require.Len(t, b.SenderEmails, 2)
		assert.Contains(t, b.SenderEmails[0].Mail, "at T")
		assert.NotContains(t, b.SenderEmails[0].Mail, "<p>")
		assert.Contains(t, b.SenderEmails[1].Mail, "undated")
		assert.Empty(t, b.RecipientEmails)
	})

	t.Run("locations ±24h", func(t *testing.T) {
		assert.Len(t, b.SenderLocations, 2)
		assert.Len(t, b.RecipientLocations, 1)
	})
}

func TestAggregateResolution(t *testing.T) {
	agg := newAggregator(t)

	// edge has no sender_id: resolved through IBAN
	b, err := agg.Aggregate(context.Background(), edge)
	require.NoError(t, err)
	require.NotNil(t, b.Sender)
	assert.Equal(t, "Impostor", b.Sender.FirstName)
	require.NotNil(t, b.Recipient)
	assert.Equal(t, "Mario", b.Recipient.FirstName)
	assert.Empty(t, b.SenderLocations)

	t.Run("biotag wins over iban", func(t *testing.T) {
		snap, err := agg.store.Snapshot(context.Background())
		require.NoError(t, err)
		u := ResolveUser(snap, biotagA, ibanC)
		require.NotNil(t, u)
		assert.Equal(t, "Mario", u.FirstName)
		assert.Nil(t, ResolveUser(snap, "", ""))
	})
}

func TestAggregateWithoutTimestamp(t *testing.T) {
	agg := newAggregator(t)
	b, err := agg.Aggregate(context.Background(), undated)
	require.NoError(t, err)
	require.NotNil(t, b.Recipient)
	assert.Empty(t, b.Recipient.OtherTransactions)
	assert.Len(t, b.RecipientSMS, 1, "no time filter without T")
}

func TestAggregateErrors(t *testing.T) {
	agg := newAggregator(t)
	ctx := context.Background()

	_, err := agg.Aggregate(ctx, "short")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = agg.Aggregate(ctx, unknown)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAggregateBatch(t *testing.T) {
	agg := newAggregator(t)
	ctx := context.Background()

	t.Run("ordered with inline errors", func(t *testing.T) {
		items, err := agg.AggregateBatch(ctx, []string{near, unknown, "bad", target})
		require.NoError(t, err)
		require.Len(t, items, 4)
		assert.Equal(t, near, items[0].Bundle.Transaction.ID)
		assert.Nil(t, items[1].Bundle)
		assert.Contains(t, items[1].Error, "not found")
		assert.Equal(t, ErrInvalidID.Error(), items[2].Error)
		assert.Equal(t, target, items[3].Bundle.Transaction.ID)
	})

	t.Run("bounds", func(t *testing.T) {
		_, err := agg.AggregateBatch(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyBatch)

		ids := make([]string, MaxBatch+1)
		for i := range ids {
			ids[i] = target
		}
		_, err = agg.AggregateBatch(ctx, ids)
		assert.ErrorIs(t, err, ErrBatchTooLarge)

		items, err := agg.AggregateBatch(ctx, ids[:MaxBatch])
		require.NoError(t, err)
		assert.Len(t, items, MaxBatch)
	})
}
