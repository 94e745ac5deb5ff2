package federation

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_StepsAreOrderedAndMonotonic(t *testing.T) {
	rec := NewRecorder()
	rec.Record("service_announced")
	rec.Record("required_bids_received")
	rec.Record("winner_choosen")

	steps := rec.Steps()
	require.Len(t, steps, 3)
	assert.Equal(t, "service_announced", steps[0][0])
	assert.Equal(t, "required_bids_received", steps[1][0])
	assert.Equal(t, "winner_choosen", steps[2][0])

	prev := int64(-1)
	for _, s := range steps {
		ms, err := strconv.ParseInt(s[1], 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ms, prev)
		prev = ms
	}
}

func TestRecorder_Export(t *testing.T) {
	rec := NewRecorder()
	rec.Record("service_announced")
	rec.Recordf("bid_received_%d", 0)
	rec.Record("winner_choosen")

	path := filepath.Join(t.TempDir(), "out", "consumer-test.csv")
	require.NoError(t, rec.Export(path, "service1718000000-consumer-1"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)

	assert.Equal(t, []string{"step", "timestamp"}, rows[0])
	assert.Equal(t, "service_announced", rows[1][0])
	assert.Equal(t, "bid_received_0", rows[2][0])
	assert.Equal(t, "winner_choosen", rows[3][0])
	// the final row carries the identifier, not a timestamp
	assert.Equal(t, []string{"service_id", "service1718000000-consumer-1"}, rows[4])
}

func TestRecorder_ExportWithoutServiceID(t *testing.T) {
	rec := NewRecorder()
	rec.Record("no_wins")

	path := filepath.Join(t.TempDir(), "provider.csv")
	require.NoError(t, rec.Export(path, ""))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "no_wins", rows[1][0])
}
