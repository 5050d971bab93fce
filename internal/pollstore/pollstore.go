// Package pollstore implements the persistent poll-data bookkeeping
// that lets the reconciliation loop detect offer-state transitions
// exactly once. It holds no knowledge of transport or the remote API;
// callers own the load/save side via injected callbacks.
package pollstore

import (
	"sort"
	"sync"

	"github.com/nugget/tradeoffer/internal/offer"
)

// backdateMargin matches the server's backdating tolerance: an id's
// last-seen timestamp must be this far behind the cutoff before it is
// eligible for pruning.
const backdateMargin = 1800 // seconds

// Data is the persisted shape of a Store: five id-keyed maps plus the
// historical cutoff scalar. It is what LoadFunc/SaveFunc exchange with
// on-disk storage.
type Data struct {
	Sent               map[string]offer.State
	Received           map[string]offer.State
	Timestamps         map[string]int64
	CancelTimes        map[string]int64
	PendingCancelTimes map[string]int64
	OffersSince        int64
}

func newData() Data {
	return Data{
		Sent:               make(map[string]offer.State),
		Received:           make(map[string]offer.State),
		Timestamps:         make(map[string]int64),
		CancelTimes:        make(map[string]int64),
		PendingCancelTimes: make(map[string]int64),
	}
}

// LoadFunc loads persisted poll data for username. A nil Data with nil
// error means "nothing persisted yet", not an error.
type LoadFunc func(username string) (*Data, error)

// SaveFunc persists poll data for username.
type SaveFunc func(data Data, username string) error

// Store is the in-memory, mutex-guarded poll-data table owned by the
// reconciliation loop. It is safe for concurrent use; C.send touches it
// on success, the loop touches it on every tick.
type Store struct {
	mu       sync.Mutex
	data     Data
	loaded   bool
	load     LoadFunc
	save     SaveFunc
	username string
}

// New creates a Store. load/save may both be nil to disable
// persistence entirely (in-memory only); otherwise both must be set.
func New(username string, load LoadFunc, save SaveFunc) *Store {
	return &Store{
		data:     newData(),
		load:     load,
		save:     save,
		username: username,
	}
}

// EnsureLoaded performs the one-shot lazy load on first use. Any
// in-memory entries accumulated before load (there should be none in
// practice, since the loop loads before its first tick, but a send
// could race ahead) are merged in, with the loaded map losing on
// collision. Missing data (load returns nil, nil) is not an error and
// simply leaves the in-memory map as-is.
func (s *Store) EnsureLoaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded || s.load == nil {
		s.loaded = true
		return nil
	}

	loaded, err := s.load(s.username)
	s.loaded = true
	if err != nil {
		return err
	}
	if loaded == nil {
		return nil
	}

	merged := *loaded
	mergeInto(merged.Sent, s.data.Sent)
	mergeInto(merged.Received, s.data.Received)
	mergeTimestamps(merged.Timestamps, s.data.Timestamps)
	mergeTimestamps(merged.CancelTimes, s.data.CancelTimes)
	mergeTimestamps(merged.PendingCancelTimes, s.data.PendingCancelTimes)
	if merged.OffersSince == 0 {
		merged.OffersSince = s.data.OffersSince
	}
	s.data = merged
	ensureMaps(&s.data)
	return nil
}

func mergeInto(dst, src map[string]offer.State) {
	for k, v := range src {
		dst[k] = v
	}
}

func mergeTimestamps(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] = v
	}
}

func ensureMaps(d *Data) {
	if d.Sent == nil {
		d.Sent = make(map[string]offer.State)
	}
	if d.Received == nil {
		d.Received = make(map[string]offer.State)
	}
	if d.Timestamps == nil {
		d.Timestamps = make(map[string]int64)
	}
	if d.CancelTimes == nil {
		d.CancelTimes = make(map[string]int64)
	}
	if d.PendingCancelTimes == nil {
		d.PendingCancelTimes = make(map[string]int64)
	}
}

// Record sets the last-known state and last-seen timestamp for id on
// the given side ("sent" or "received").
func (s *Store) Record(sent bool, id string, state offer.State, updatedAtSeconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sent {
		s.data.Sent[id] = state
	} else {
		s.data.Received[id] = state
	}
	s.data.Timestamps[id] = updatedAtSeconds
}

// SentState returns the last-known state for a sent offer id and
// whether an entry exists.
func (s *Store) SentState(id string) (offer.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data.Sent[id]
	return st, ok
}

// ReceivedState returns the last-known state for a received offer id
// and whether an entry exists.
func (s *Store) ReceivedState(id string) (offer.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data.Received[id]
	return st, ok
}

// Timestamp returns the last-seen updated_at (seconds) for id.
func (s *Store) Timestamp(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.data.Timestamps[id]
	return ts, ok
}

// SetCancel sets a per-offer cancel_time override, in milliseconds.
func (s *Store) SetCancel(id string, ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.CancelTimes[id] = ms
}

// SetPendingCancel sets a per-offer pending_cancel_time override, in milliseconds.
func (s *Store) SetPendingCancel(id string, ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.PendingCancelTimes[id] = ms
}

// CancelOverride returns the per-offer cancel_time override, if any.
func (s *Store) CancelOverride(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.data.CancelTimes[id]
	return ms, ok
}

// PendingCancelOverride returns the per-offer pending_cancel_time override, if any.
func (s *Store) PendingCancelOverride(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.data.PendingCancelTimes[id]
	return ms, ok
}

// DeleteTimeProps removes the cancel_time and pending_cancel_time
// overrides for id, leaving its state/timestamp entries intact.
func (s *Store) DeleteTimeProps(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.CancelTimes, id)
	delete(s.data.PendingCancelTimes, id)
}

// DeleteAll removes every trace of id from the store.
func (s *Store) DeleteAll(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Sent, id)
	delete(s.data.Received, id)
	delete(s.data.Timestamps, id)
	delete(s.data.CancelTimes, id)
	delete(s.data.PendingCancelTimes, id)
}

// OffersSince returns the current historical cutoff.
func (s *Store) OffersSince() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.OffersSince
}

// SetOffersSince advances the historical cutoff. Callers are
// responsible for the monotonicity guarantee (see reconcile).
func (s *Store) SetOffersSince(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.OffersSince = v
}

// Prune walks sent and received, deleting any id whose recorded state
// is terminal and whose timestamp is older than offers_since - 1800.
func (s *Store) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.data.OffersSince - backdateMargin
	prune := func(m map[string]offer.State) {
		for id, st := range m {
			if !st.IsTerminal() {
				continue
			}
			ts, ok := s.data.Timestamps[id]
			if ok && ts < cutoff {
				delete(s.data.Sent, id)
				delete(s.data.Received, id)
				delete(s.data.Timestamps, id)
				delete(s.data.CancelTimes, id)
				delete(s.data.PendingCancelTimes, id)
			}
		}
	}
	prune(s.data.Sent)
	prune(s.data.Received)
}

// Save persists the current data via the configured SaveFunc. A nil
// SaveFunc makes this a no-op; failures are the caller's to log.
func (s *Store) Save() error {
	s.mu.Lock()
	data := s.data
	username := s.username
	save := s.save
	s.mu.Unlock()

	if save == nil {
		return nil
	}
	return save(data, username)
}

// ActiveSentIDs returns the ids of sent offers currently recorded as
// Active, sorted oldest-first by Timestamps. Used by the quota-trim
// policy to choose cancellation order.
func (s *Store) ActiveSentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, st := range s.data.Sent {
		if st == offer.StateActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.data.Timestamps[ids[i]] < s.data.Timestamps[ids[j]]
	})
	return ids
}
