package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/dataset/datasettest"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	txTransfer  = "bbbbbbbb-0000-0000-0000-000000000001"
	txWithdraw  = "bbbbbbbb-0000-0000-0000-000000000002"
	txPrevCash  = "bbbbbbbb-0000-0000-0000-000000000003"
	txShopAmazn = "bbbbbbbb-0000-0000-0000-000000000004"
	txShopAcme  = "bbbbbbbb-0000-0000-0000-000000000005"
	txRoma      = "bbbbbbbb-0000-0000-0000-000000000006"
	txGPS       = "bbbbbbbb-0000-0000-0000-000000000007"
	txOrphan    = "bbbbbbbb-0000-0000-0000-000000000008"
	txMilano    = "bbbbbbbb-0000-0000-0000-000000000009"
	missing     = "bbbbbbbb-0000-0000-0000-0000000000ff"

	bio  = "GRLN-BIO-1"
	iban = "IT60X0542811101000000123456"
)

func fixture() datasettest.Fixture {
	return datasettest.Fixture{
		Transactions: []domain.Transaction{
			{ID: txTransfer, SenderID: bio, SenderIBAN: iban, RecipientIBAN: "IT00X0000000000000000000001", Type: domain.TypeTransfer, Amount: 300, Location: "Torino", Timestamp: "2025-11-17T12:00:00Z"},
			{ID: txWithdraw, SenderID: bio, SenderIBAN: iban, Type: domain.TypeWithdrawal, Amount: 250, Location: "Torino - ATM", Timestamp: "2025-11-18T10:00:00Z"},
			{ID: txPrevCash, SenderID: bio, SenderIBAN: iban, Type: domain.TypeWithdrawal, Amount: 200, Location: "Torino - ATM", Timestamp: "2025-11-18T09:30:00Z"},
			{ID: txShopAmazn, SenderID: bio, SenderIBAN: iban, RecipientID: "AMZ", Type: domain.TypeEcommerce, Amount: 20, Description: "Amazon order", Timestamp: "2025-11-10T10:00:00Z"},
			{ID: txShopAcme, SenderID: bio, SenderIBAN: iban, RecipientID: "ACME", Type: domain.TypeEcommerce, Amount: 80, Description: "Acme widgets", Timestamp: "2025-11-11T10:00:00Z"},
			{ID: txRoma, SenderID: bio, SenderIBAN: iban, Type: domain.TypeInPerson, Amount: 30, Location: "Palermo - Bar", Timestamp: "2025-11-12T10:00:00Z"},
			{ID: txGPS, SenderID: bio, SenderIBAN: iban, Type: domain.TypeInPerson, Amount: 30, Location: "", Lat: datasettest.F(37.50), Lng: datasettest.F(15.09), Timestamp: "2025-11-12T11:00:00Z"},
			{ID: txOrphan, SenderID: "NOBODY", Type: domain.TypeTransfer, Amount: 1, Timestamp: "2025-11-12T11:00:00Z"},
			{ID: txMilano, SenderID: bio, SenderIBAN: iban, Type: domain.TypeInPerson, Amount: 30, Location: "Milano", Timestamp: "2025-11-13T11:00:00Z"},
		},
		Users: []domain.User{
			{FirstName: "Giulia", LastName: "Lanza", BirthYear: 1988, Salary: 30000, IBAN: iban, Biotag: bio, Residence: domain.Residence{City: "Torino", Lat: "45.07", Lng: "7.69"}},
		},
		Emails: []domain.Email{
			{Mail: "From: \"Security Team\" <alert@bank.example>\nTo: \"Giulia Lanza\" <g@x.it>\nDate: Mon, 17 Nov 2025 10:30:00 +0000\n\nYour bank account is locked, verify now"},
			{Mail: "From: \"Courier\" <c@x.it>\nTo: <giulia.lanza@x.it>\n\nYour parcel is held at customs"},
			{Mail: "From: \"Mum\" <m@x.it>\nTo: <giulia.lanza@x.it>\nDate: Mon, 17 Nov 2025 11:00:00 +0000\n\nDinner tonight?"},
		},
		SMS: []domain.SMS{
			{IDUser: "Giulia_Lanza", Body: "Date: 2025-11-17 02:00:00\nYour card is suspended"},
		},
	}
}

func newService(t *testing.T) *Service {
	return New(datasettest.NewStore(t, fixture()))
}

func TestCheckTimeCorrelation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	v, err := svc.CheckTimeCorrelation(ctx, txTransfer, 0)
	require.NoError(t, err)
	assert.True(t, v.TimeCorrelation)
	assert.Equal(t, DefaultCorrelationWindow, v.TimeWindowHours)
	require.Equal(t, 1, v.PhishingEventsCount)
	ev := v.PhishingEvents[0]
	assert.Equal(t, "email", ev.Type)
	require.NotNil(t, ev.TimeDiffHours)
	assert.Equal(t, 1.5, *ev.TimeDiffHours)

	wide, err := svc.CheckTimeCorrelation(ctx, txTransfer, 12)
	require.NoError(t, err)
	assert.Equal(t, 2, wide.PhishingEventsCount, "the sms ten hours earlier joins")

	v, err = svc.CheckTimeCorrelation(ctx, missing, 4)
	require.NoError(t, err)
	assert.Equal(t, CodeNotFound, v.Error)

	v, err = svc.CheckTimeCorrelation(ctx, txOrphan, 4)
	require.NoError(t, err)
	assert.Equal(t, CodeSenderNotFound, v.Error)
	assert.False(t, v.TimeCorrelation)

	v, err = svc.CheckTimeCorrelation(ctx, "nope", 4)
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidID, v.Error)
}

func TestCheckNewMerchant(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	v, err := svc.CheckNewMerchant(ctx, txShopAcme)
	require.NoError(t, err)
	assert.True(t, v.IsNewMerchant)
	assert.Equal(t, "Acme widgets", v.Description)
	assert.Equal(t, 8, v.TotalUserTransactions)

	v, err = svc.CheckNewMerchant(ctx, txWithdraw)
	require.NoError(t, err)
	assert.True(t, v.IsNewMerchant, "no recipient, no description")
}

func TestCheckNewMerchantSeen(t *testing.T) {
	fx := fixture()
	fx.Transactions = append(fx.Transactions, domain.Transaction{
		ID: "bbbbbbbb-0000-0000-0000-00000000000a", SenderID: bio, SenderIBAN: iban, RecipientID: "AMZ2",
		Type: domain.TypeEcommerce, Description: "AMAZON marketplace", Timestamp: "2025-11-12T10:00:00Z",
	})
	svc := New(datasettest.NewStore(t, fx))

	v, err := svc.CheckNewMerchant(context.Background(), txShopAmazn)
	require.NoError(t, err)
	assert.False(t, v.IsNewMerchant)
	require.Len(t, v.SeenInTransactions, 1)
	assert.Equal(t, "description", v.SeenInTransactions[0].MatchType)
}

func TestCheckLocationAnomaly(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	t.Run("same city", func(t *testing.T) {
		v, err := svc.CheckLocationAnomaly(ctx, txTransfer, true)
		require.NoError(t, err)
		assert.Equal(t, "city", v.Method)
		assert.False(t, v.HasLocationAnomaly)
	})

	t.Run("far city never visited", func(t *testing.T) {
		v, err := svc.CheckLocationAnomaly(ctx, txRoma, true)
		require.NoError(t, err)
		assert.Equal(t, "Palermo", v.TransactionCity)
		assert.Nil(t, v.CityDistanceKm, "Palermo-Torino is not in the table")
		assert.True(t, v.HasLocationAnomaly)
	})

	t.Run("known short distance", func(t *testing.T) {
		v, err := svc.CheckLocationAnomaly(ctx, txMilano, true)
		require.NoError(t, err)
		require.NotNil(t, v.CityDistanceKm)
		assert.Equal(t, 140.0, *v.CityDistanceKm)
		assert.True(t, v.HasLocationAnomaly)
		assert.Equal(t, []string{"Palermo", "Torino"}, v.SeenCities)
	})

	t.Run("gps", func(t *testing.T) {
		v, err := svc.CheckLocationAnomaly(ctx, txGPS, false)
		require.NoError(t, err)
		assert.Equal(t, "gps", v.Method)
		require.NotNil(t, v.DistanceKm)
		assert.Greater(t, *v.DistanceKm, 1000.0)
		assert.True(t, v.HasLocationAnomaly)
	})

	t.Run("insufficient data", func(t *testing.T) {
		v, err := svc.CheckLocationAnomaly(ctx, txShopAcme, false)
		require.NoError(t, err)
		assert.Equal(t, CodeInsufficientLocData, v.Error)
	})
}

func TestCheckWithdrawalPattern(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	v, err := svc.CheckWithdrawalPattern(ctx, txWithdraw, 0)
	require.NoError(t, err)
	assert.True(t, v.HasPattern)
	assert.Equal(t, 2, v.TotalWithdrawalsInWindow)
	require.Len(t, v.RecentWithdrawals, 1)
	assert.Equal(t, txPrevCash, v.RecentWithdrawals[0].TransactionID)
	assert.Equal(t, 0.5, v.RecentWithdrawals[0].TimeDiffHours)

	v, err = svc.CheckWithdrawalPattern(ctx, txTransfer, 2)
	require.NoError(t, err)
	assert.Equal(t, CodeNotAWithdrawal, v.Error)
	assert.False(t, v.HasPattern)
}

func TestCheckPhishingIndicators(t *testing.T) {
	svc := newService(t)

	v, err := svc.CheckPhishingIndicators(context.Background(), txTransfer, 4)
	require.NoError(t, err)
	assert.True(t, v.HasPhishingIndicators)
	require.Equal(t, 2, v.TotalEvents, "in-window bank alert and undated parcel mail")
	assert.Contains(t, v.PhishingEvents[0].Categories, "bank_fraud_alert")
	assert.Equal(t, []string{"parcel_customs"}, v.PhishingEvents[1].Categories)
	assert.Nil(t, v.PhishingEvents[1].Time)
}

func TestCityDistance(t *testing.T) {
	km, ok := CityDistance("milano", "TORINO - Centro")
	assert.True(t, ok)
	assert.Equal(t, 140.0, km)

	km, ok = CityDistance("Bari", "Bari")
	assert.True(t, ok)
	assert.Zero(t, km)

	_, ok = CityDistance("Torino", "Palermo")
	assert.False(t, ok)
}

func TestHaversine(t *testing.T) {
	d := Haversine(45.07, 7.69, 37.50, 15.09)
	assert.InDelta(t, 1040, d, 30)
}
