package farm

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	reference := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)
	referenceMs := reference.UnixMilli()

	testCases := []struct {
		name string
		raw  string
		want int64
	}{
		{
			name: "epoch milliseconds",
			raw:  `1717245045000`,
			want: referenceMs,
		},
		{
			name: "epoch seconds",
			raw:  `1717245045`,
			want: referenceMs,
		},
		{
			name: "fractional epoch seconds",
			raw:  `1717245045.5`,
			want: referenceMs + 500,
		},
		{
			name: "iso-8601 string",
			raw:  `"2024-06-01T12:30:45Z"`,
			want: referenceMs,
		},
		{
			name: "iso-8601 with offset",
			raw:  `"2024-06-01T14:30:45+02:00"`,
			want: referenceMs,
		},
		{
			name: "numeric string seconds",
			raw:  `"1717245045"`,
			want: referenceMs,
		},
		{
			name: "null",
			raw:  `null`,
			want: 0,
		},
		{
			name: "empty string",
			raw:  `""`,
			want: 0,
		},
		{
			name: "garbage string",
			raw:  `"not a time"`,
			want: 0,
		},
		{
			name: "negative",
			raw:  `-5`,
			want: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tc.raw), &ts)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, ts.Milliseconds(), 1)
		})
	}
}

func TestTimestamp_UnmarshalJSON_MalformedFieldDoesNotFailDocument(t *testing.T) {
	var snapshot Snapshot
	err := json.Unmarshal([]byte(`{"balance": 42, "server_time_unix_ms": "garbage"}`), &snapshot)
	require.NoError(t, err)
	assert.Equal(t, 42, snapshot.Balance)
	assert.True(t, snapshot.ServerTime().IsZero())
}

func TestPlot_PlantedAt(t *testing.T) {
	p := Plot{PlantedAtISO: 1000, PlantedAtUnixMs: 2000}
	assert.Equal(t, int64(2000), p.PlantedAt().Milliseconds())

	p = Plot{PlantedAtISO: 1000}
	assert.Equal(t, int64(1000), p.PlantedAt().Milliseconds())
}

func TestSnapshot_Name(t *testing.T) {
	testCases := []struct {
		name     string
		snapshot Snapshot
		want     string
	}{
		{
			name:     "display name wins",
			snapshot: Snapshot{DisplayName: "Farmer", FirstName: "Ann", Username: "ann42"},
			want:     "Farmer",
		},
		{
			name:     "first name next",
			snapshot: Snapshot{FirstName: "Ann", Username: "ann42"},
			want:     "Ann",
		},
		{
			name:     "username last",
			snapshot: Snapshot{Username: "ann42"},
			want:     "ann42",
		},
		{
			name:     "fallback",
			snapshot: Snapshot{},
			want:     "Player",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.snapshot.Name())
		})
	}
}

func TestSnapshot_PlusIndex(t *testing.T) {
	assert.Equal(t, 2, (&Snapshot{FieldsOwned: 2}).PlusIndex())
	assert.Equal(t, -1, (&Snapshot{FieldsOwned: MaxFields}).PlusIndex())
}

func TestSnapshot_Clone(t *testing.T) {
	original := &Snapshot{
		Balance: 10,
		Plots:   []Plot{{Index: 0, CropKey: "wheat"}},
	}
	clone := original.Clone()
	clone.Plots[0].CropKey = "carrot"
	assert.Equal(t, "wheat", original.Plots[0].CropKey)

	var nilSnapshot *Snapshot
	assert.Nil(t, nilSnapshot.Clone())
}
