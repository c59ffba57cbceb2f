package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/sashagrib/minifarm/pkg/clock"
	"github.com/sashagrib/minifarm/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGameServer simulates the server side of the nonce protocol: every
// state fetch issues a fresh nonce, and every action must present the
// current one.
type fakeGameServer struct {
	mux          *http.ServeMux
	nonceCounter atomic.Int64
	stateCalls   atomic.Int64
	actionCalls  atomic.Int64
	balance      int
	fieldsOwned  int
}

func newFakeGameServer() *fakeGameServer {
	f := &fakeGameServer{
		mux:         http.NewServeMux(),
		balance:     100,
		fieldsOwned: 2,
	}
	f.mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		f.stateCalls.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    true,
			"state": f.snapshot(),
		})
	})
	return f
}

func (f *fakeGameServer) currentNonce() string {
	return fmt.Sprintf("nonce-%d", f.nonceCounter.Load())
}

func (f *fakeGameServer) snapshot() map[string]interface{} {
	f.nonceCounter.Add(1)
	return map[string]interface{}{
		"user_id":             int64(1),
		"balance":             f.balance,
		"fields_owned":        f.fieldsOwned,
		"plots":               []map[string]interface{}{},
		"action_nonce":        f.currentNonce(),
		"server_time_unix_ms": time.Now().UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestGateway(t *testing.T, url string) (*Gateway, *state.Store) {
	t.Helper()
	store := state.NewStore(clock.NewServerClock(clockwork.NewRealClock()))
	gw := NewGateway(NewGatewayOptions{
		BaseURL: url,
		Store:   store,
	})
	return gw, store
}

func TestGateway_Resync(t *testing.T) {
	fake := newFakeGameServer()
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, store := newTestGateway(t, server.URL)
	snapshot, err := gw.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, snapshot.Balance)
	assert.Equal(t, "nonce-1", store.Nonce())
}

func TestGateway_BuyField(t *testing.T) {
	fake := newFakeGameServer()
	fake.mux.HandleFunc("/api/action/buy_field", func(w http.ResponseWriter, r *http.Request) {
		fake.actionCalls.Add(1)
		assert.Equal(t, fake.currentNonce(), r.Header.Get(NonceHeader))
		fake.balance -= 5
		fake.fieldsOwned++
		boughtIndex := fake.fieldsOwned - 1
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":           true,
			"state":        fake.snapshot(),
			"bought_index": boughtIndex,
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, store := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)

	bought, err := gw.BuyField(context.Background())
	require.NoError(t, err)
	require.NotNil(t, bought)
	assert.Equal(t, 2, bought.Index)

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 95, snapshot.Balance)
	assert.Equal(t, 3, snapshot.FieldsOwned)
}

func TestGateway_BootstrapsNonceBeforeFirstAction(t *testing.T) {
	fake := newFakeGameServer()
	fake.mux.HandleFunc("/api/action/buy_field", func(w http.ResponseWriter, r *http.Request) {
		fake.actionCalls.Add(1)
		assert.Equal(t, fake.currentNonce(), r.Header.Get(NonceHeader))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    true,
			"state": fake.snapshot(),
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	// No prior resync: the action must fetch a nonce first.
	gw, _ := newTestGateway(t, server.URL)
	bought, err := gw.BuyField(context.Background())
	require.NoError(t, err)
	require.NotNil(t, bought)
	assert.Equal(t, int64(1), fake.stateCalls.Load())
	assert.Equal(t, int64(1), fake.actionCalls.Load())
}

func TestGateway_SuppressesDuplicateInFlight(t *testing.T) {
	fake := newFakeGameServer()
	entered := make(chan struct{})
	release := make(chan struct{})
	fake.mux.HandleFunc("/api/action/buy_field", func(w http.ResponseWriter, r *http.Request) {
		fake.actionCalls.Add(1)
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    true,
			"state": fake.snapshot(),
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		_, err := gw.BuyField(context.Background())
		firstDone <- err
	}()
	<-entered

	// A duplicate trigger of the same action class while the first is in
	// flight is dropped silently with no network call.
	bought, err := gw.BuyField(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, bought)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, int64(1), fake.actionCalls.Load())
}

func TestGateway_StaleNonceResyncsWithoutReplay(t *testing.T) {
	fake := newFakeGameServer()
	fake.mux.HandleFunc("/api/action/plant", func(w http.ResponseWriter, r *http.Request) {
		fake.actionCalls.Add(1)
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"ok":    false,
			"error": "bad_or_expired_nonce",
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, store := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), fake.stateCalls.Load())

	_, err = gw.Plant(context.Background(), 0, "seed_wheat")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ErrorKindBadOrExpiredNonce, actionErr.Kind)

	// The rejection triggers exactly one resync and never replays the
	// original submission.
	assert.Equal(t, int64(1), fake.actionCalls.Load())
	assert.Equal(t, int64(2), fake.stateCalls.Load())
	assert.Equal(t, "nonce-2", store.Nonce())
}

func TestGateway_SellRejection(t *testing.T) {
	fake := newFakeGameServer()
	fake.mux.HandleFunc("/api/action/sell", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok":    false,
			"error": "cannot_sell_item",
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, store := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)
	before := store.Snapshot()

	_, err = gw.Sell(context.Background(), "seed_wheat")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ErrorKindCannotSellItem, actionErr.Kind)

	// Rejections other than a stale nonce leave the held state untouched.
	after := store.Snapshot()
	assert.Equal(t, before.Balance, after.Balance)
	assert.Equal(t, "nonce-1", store.Nonce())
}

func TestGateway_BlockedUser(t *testing.T) {
	fake := newFakeGameServer()
	fake.mux.HandleFunc("/api/action/harvest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"ok":             false,
			"error":          "user_blocked",
			"blocked_reason": "Account blocked",
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)

	_, err = gw.Harvest(context.Background(), 0)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "Account blocked", blocked.Reason)
}

func TestGateway_ResyncRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		// The first attempts die before a valid envelope is produced.
		if calls.Add(1) <= 2 {
			_, _ = w.Write([]byte("oops"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true,
			"state": map[string]interface{}{
				"balance":             100,
				"fields_owned":        2,
				"action_nonce":        "nonce-1",
				"server_time_unix_ms": time.Now().UnixMilli(),
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	gw, store := newTestGateway(t, server.URL)
	snapshot, err := gw.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, snapshot.Balance)
	assert.Equal(t, "nonce-1", store.Nonce())
	assert.Equal(t, int64(3), calls.Load())
}

func TestGateway_ResyncGivesUpAfterBoundedRetries(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("oops"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	gw, store := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(resyncMaxTries), calls.Load())
	assert.Nil(t, store.Snapshot())
}

func TestGateway_ResyncDoesNotRetryServerFailures(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok":    false,
			"error": "player_not_found",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ErrorKindPlayerNotFound, actionErr.Kind)

	// A failure the server itself reported is not worth repeating.
	assert.Equal(t, int64(1), calls.Load())
}

func TestGateway_GuardReleasedAfterTransportFailure(t *testing.T) {
	fake := newFakeGameServer()
	var failing atomic.Bool
	failing.Store(true)
	fake.mux.HandleFunc("/api/action/buy_field", func(w http.ResponseWriter, r *http.Request) {
		fake.actionCalls.Add(1)
		if failing.Load() {
			// Drop the connection mid-request to fail at the transport.
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    true,
			"state": fake.snapshot(),
		})
	})
	server := httptest.NewServer(fake.mux)
	defer server.Close()

	gw, _ := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)

	_, err = gw.BuyField(context.Background())
	require.Error(t, err)

	// The failed submission released its guard: once the server recovers,
	// the same action class goes through.
	failing.Store(false)
	bought, err := gw.BuyField(context.Background())
	require.NoError(t, err)
	require.NotNil(t, bought)
	assert.Equal(t, int64(2), fake.actionCalls.Load())
}

func TestGateway_TransportFailureLeavesStateUntouched(t *testing.T) {
	fake := newFakeGameServer()
	server := httptest.NewServer(fake.mux)

	gw, store := newTestGateway(t, server.URL)
	_, err := gw.Resync(context.Background())
	require.NoError(t, err)
	before := store.Snapshot()

	server.Close()

	_, err = gw.BuyField(context.Background())
	require.Error(t, err)

	after := store.Snapshot()
	assert.Equal(t, before.Balance, after.Balance)
	assert.Equal(t, "nonce-1", store.Nonce())
}
