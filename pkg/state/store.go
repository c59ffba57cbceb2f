package state

import (
	"sync"

	"github.com/sashagrib/minifarm/pkg/clock"
	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/log"
)

// Store holds the single authoritative client-side snapshot and the
// current single-use action nonce. All mutation goes through Bootstrap,
// Replace and ClearNonce; readers never observe a half-updated snapshot.
// Nonce rotation is part of Replace: every installed snapshot brings its
// own nonce, or none.
type Store struct {
	lock     sync.RWMutex
	snapshot *farm.Snapshot
	nonce    string
	clock    *clock.ServerClock
}

func NewStore(serverClock *clock.ServerClock) *Store {
	return &Store{
		clock: serverClock,
	}
}

// Bootstrap installs a snapshot wholesale and captures its time anchor.
func (s *Store) Bootstrap(snapshot *farm.Snapshot) {
	if snapshot == nil {
		log.Warn("Ignoring nil snapshot on bootstrap")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.snapshot = snapshot.Clone()
	s.nonce = snapshot.ActionNonce
	s.clock.CaptureAnchor(snapshot.ServerTime())
}

// Replace installs a new authoritative snapshot after a successful action
// or resync. A partial response that omits the plots collection keeps the
// previously known plots rather than discarding them. The previously held
// nonce is always discarded, even when the new snapshot carries none:
// forcing a resync beats reusing a stale nonce.
func (s *Store) Replace(snapshot *farm.Snapshot) {
	if snapshot == nil {
		log.Warn("Ignoring nil snapshot on replace")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	next := snapshot.Clone()
	if next.Plots == nil && s.snapshot != nil && s.snapshot.Plots != nil {
		next.Plots = make([]farm.Plot, len(s.snapshot.Plots))
		copy(next.Plots, s.snapshot.Plots)
	}
	s.snapshot = next
	s.nonce = snapshot.ActionNonce
	s.clock.CaptureAnchor(snapshot.ServerTime())
}

// ClearNonce discards the held nonce, forcing the next action through the
// resync bootstrap path.
func (s *Store) ClearNonce() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nonce = ""
}

// Snapshot returns a copy of the current snapshot, or nil before bootstrap.
func (s *Store) Snapshot() *farm.Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.snapshot.Clone()
}

// Nonce returns the currently held single-use action nonce, or "".
func (s *Store) Nonce() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.nonce
}
