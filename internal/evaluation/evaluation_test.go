package evaluation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func truthOf(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestReadGroundTruth(t *testing.T) {
	t.Run("HeaderColumn", func(t *testing.T) {
		truth, err := ReadGroundTruth(strings.NewReader("label,transaction_id\nfraud,tx-1\nfraud, tx-2 \nfraud,\n"))
		require.NoError(t, err)
		assert.Equal(t, truthOf("tx-1", "tx-2"), truth)
	})

	t.Run("NoHeader", func(t *testing.T) {
		truth, err := ReadGroundTruth(strings.NewReader("tx-1\ntx-2\n"))
		require.NoError(t, err)
		assert.Equal(t, truthOf("tx-1", "tx-2"), truth)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ReadGroundTruth(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrNoTruth)

		_, err = ReadGroundTruth(strings.NewReader("transaction_id\n"))
		assert.ErrorIs(t, err, ErrNoTruth)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "public_1.csv")
		require.NoError(t, os.WriteFile(path, []byte("transaction_id\ntx-9\n"), 0o644))

		truth, err := LoadGroundTruth(path)
		require.NoError(t, err)
		assert.Contains(t, truth, "tx-9")

		_, err = LoadGroundTruth(filepath.Join(t.TempDir(), "absent.csv"))
		assert.Error(t, err)
	})
}

func TestScore(t *testing.T) {
	truth := truthOf("a", "b", "c", "d")

	m := Score([]string{"a", "b", "x", "a"}, truth, 10)

	assert.Equal(t, 3, m.Predictions)
	assert.Equal(t, 2, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 2, m.FalseNegatives)
	assert.Equal(t, 5, m.TrueNegatives)
	assert.Equal(t, []string{"c", "d"}, m.Missed)
	assert.Equal(t, 0.6667, m.Precision)
	assert.Equal(t, 0.5, m.Recall)
	assert.Equal(t, 0.5714, m.F1)
	assert.Equal(t, 0.7, m.Accuracy)

	require.Len(t, m.Results, 3)
	assert.Equal(t, Labeled{TransactionID: "x", Correct: 0, Label: "FP"}, m.Results[2])
	assert.Equal(t, "TP", m.Results[0].Label)
}

func TestScoreWithoutPredictions(t *testing.T) {
	m := Score(nil, truthOf("a"), 0)

	assert.Zero(t, m.Precision)
	assert.Zero(t, m.Recall)
	assert.Zero(t, m.F1)
	assert.Zero(t, m.Accuracy)
	assert.Equal(t, []string{"a"}, m.Missed)
}

func TestEvaluate(t *testing.T) {
	truth := truthOf("a", "b", "c")
	suspects := []domain.SuspectRecord{{TransactionID: "a"}, {TransactionID: "b"}, {TransactionID: "y"}}
	confirmed := []domain.ConfirmedFraud{{TransactionID: "a"}}

	r := Evaluate(suspects, confirmed, truth, 100)

	require.NotNil(t, r.Prescreen)
	assert.Equal(t, 2, r.Prescreen.TruePositives)
	assert.Nil(t, r.Prescreen.Results)
	assert.Equal(t, 1, r.UnreachableFrauds)
	assert.Equal(t, 1, r.Confirmed.TruePositives)
	assert.Equal(t, 1.0, r.Confirmed.Precision)
	assert.Equal(t, []string{"b", "c"}, r.Confirmed.Missed)

	r = Evaluate(nil, confirmed, truth, 0)
	assert.Nil(t, r.Prescreen)
}
