package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/tradeoffer/internal/events"
)

// Counters tallies reconciliation-loop activity by subscribing to an
// events.Bus. It holds no reference back to the loop or the poll
// store; ActiveSentFunc, if set, is the only pull-based gauge.
type Counters struct {
	pollSuccess  int64
	pollFailure  int64
	newOffers    int64
	sentChanged  int64
	recvChanged  int64
	autoCanceled int64

	mu              sync.Mutex
	lastPollSuccess time.Time
	lastPollFailure time.Time
	lastPollError   string

	// ActiveSentFunc, if set, reports the current count of outstanding
	// active sent offers. Typically pollstore.Store.ActiveSentIDs length.
	ActiveSentFunc func() int
}

// NewCounters creates a Counters and subscribes it to bus. The
// subscription is never unsubscribed; Counters is meant to live for
// the process lifetime alongside the reconciliation loop.
func NewCounters(bus *events.Bus) *Counters {
	c := &Counters{}
	ch := bus.Subscribe(64)
	go func() {
		for ev := range ch {
			c.observe(ev)
		}
	}()
	return c
}

func (c *Counters) observe(ev events.Event) {
	switch ev.Kind {
	case events.KindPollSuccess:
		atomic.AddInt64(&c.pollSuccess, 1)
		c.mu.Lock()
		c.lastPollSuccess = time.Now()
		c.mu.Unlock()
	case events.KindPollFailure:
		atomic.AddInt64(&c.pollFailure, 1)
		c.mu.Lock()
		c.lastPollFailure = time.Now()
		if pf, ok := ev.Payload.(events.PollFailure); ok && pf.Err != nil {
			c.lastPollError = pf.Err.Error()
		}
		c.mu.Unlock()
	case events.KindNewOffer:
		atomic.AddInt64(&c.newOffers, 1)
	case events.KindSentOfferChanged:
		atomic.AddInt64(&c.sentChanged, 1)
	case events.KindReceivedOfferChanged:
		atomic.AddInt64(&c.recvChanged, 1)
	case events.KindSentOfferCanceled, events.KindSentPendingOfferCanceled:
		atomic.AddInt64(&c.autoCanceled, 1)
	}
}

// Snapshot is a point-in-time read of every counter, safe to publish.
type Snapshot struct {
	PollSuccess     int64
	PollFailure     int64
	NewOffers       int64
	SentChanged     int64
	ReceivedChanged int64
	AutoCanceled    int64
	ActiveSent      int
	LastPollSuccess time.Time
	LastPollFailure time.Time
	LastPollError   string
}

// Snapshot reads the current state of every counter.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	if c.ActiveSentFunc != nil {
		active = c.ActiveSentFunc()
	}

	return Snapshot{
		PollSuccess:     atomic.LoadInt64(&c.pollSuccess),
		PollFailure:     atomic.LoadInt64(&c.pollFailure),
		NewOffers:       atomic.LoadInt64(&c.newOffers),
		SentChanged:     atomic.LoadInt64(&c.sentChanged),
		ReceivedChanged: atomic.LoadInt64(&c.recvChanged),
		AutoCanceled:    atomic.LoadInt64(&c.autoCanceled),
		ActiveSent:      active,
		LastPollSuccess: c.lastPollSuccess,
		LastPollFailure: c.lastPollFailure,
		LastPollError:   c.lastPollError,
	}
}
