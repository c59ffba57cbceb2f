package state

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/sashagrib/minifarm/pkg/clock"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(clock.NewServerClock(clockwork.NewFakeClock()))
}

func TestStore_Bootstrap(t *testing.T) {
	store := newTestStore(t)
	assert.Nil(t, store.Snapshot())
	assert.Empty(t, store.Nonce())

	store.Bootstrap(&farm.Snapshot{
		Balance:      100,
		ActionNonce:  "nonce-1",
		ServerTimeMs: 1_000_000,
	})

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 100, snapshot.Balance)
	assert.Equal(t, "nonce-1", store.Nonce())
}

func TestStore_Replace_PreservesOmittedPlots(t *testing.T) {
	store := newTestStore(t)
	store.Bootstrap(&farm.Snapshot{
		Balance:     100,
		FieldsOwned: 2,
		Plots: []farm.Plot{
			{Index: 0, CropKey: "wheat", PlantedAtUnixMs: 1_000_000},
			{Index: 1},
		},
		ActionNonce: "nonce-1",
	})

	// A partial response, e.g. after a sell, omits the plots collection.
	store.Replace(&farm.Snapshot{
		Balance:     110,
		FieldsOwned: 2,
		ActionNonce: "nonce-2",
	})

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 110, snapshot.Balance)
	require.Len(t, snapshot.Plots, 2)
	assert.Equal(t, "wheat", snapshot.Plots[0].CropKey)
	assert.Equal(t, "nonce-2", store.Nonce())
}

func TestStore_Replace_EmptyPlotsIsAuthoritative(t *testing.T) {
	store := newTestStore(t)
	store.Bootstrap(&farm.Snapshot{
		Plots: []farm.Plot{{Index: 0, CropKey: "wheat"}},
	})

	// An explicitly empty collection replaces the held plots.
	store.Replace(&farm.Snapshot{Plots: []farm.Plot{}})

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Empty(t, snapshot.Plots)
	assert.NotNil(t, snapshot.Plots)
}

func TestStore_Replace_DiscardsNonceWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	store.Bootstrap(&farm.Snapshot{ActionNonce: "nonce-1"})

	// A snapshot without a nonce must not leave the stale one in place.
	store.Replace(&farm.Snapshot{Balance: 5})
	assert.Empty(t, store.Nonce())
}

func TestStore_Replace_IgnoresNil(t *testing.T) {
	store := newTestStore(t)
	store.Bootstrap(&farm.Snapshot{Balance: 100, ActionNonce: "nonce-1"})

	store.Replace(nil)
	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 100, snapshot.Balance)
	assert.Equal(t, "nonce-1", store.Nonce())
}

func TestStore_ClearNonce(t *testing.T) {
	store := newTestStore(t)
	store.Bootstrap(&farm.Snapshot{ActionNonce: "nonce-1"})

	store.ClearNonce()
	assert.Empty(t, store.Nonce())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	store := newTestStore(t)
	store.Bootstrap(&farm.Snapshot{
		Plots: []farm.Plot{{Index: 0, CropKey: "wheat"}},
	})

	snapshot := store.Snapshot()
	snapshot.Plots[0].CropKey = "carrot"
	assert.Equal(t, "wheat", store.Snapshot().Plots[0].CropKey)
}
