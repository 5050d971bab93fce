// Package reconcile drives the reconciliation loop: the single serial
// timeline that periodically diffs the remote API's view of sent and
// received offers against the poll store, applies auto-cancel policy,
// and publishes events for every observed transition. It is the one
// package that wires together steamapi, pollstore, tradeops,
// autocancel, and the event bus.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/tradeoffer/internal/autocancel"
	"github.com/nugget/tradeoffer/internal/events"
	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/pollstore"
	"github.com/nugget/tradeoffer/internal/steamapi"
	"github.com/nugget/tradeoffer/internal/tradeops"
)

// minInterval is the rate floor: no two ticks may start closer
// together than this, regardless of how aggressively the caller (or a
// user action) requests one.
const minInterval = 1000 * time.Millisecond

// sixMonths backdates a full, unfiltered resync.
const sixMonths = 6 * 30 * 24 * time.Hour

// AuthState reports whether the loop currently has enough to run a
// tick: an API key and an authenticated session.
type AuthState interface {
	Ready() bool
}

// Loop owns the serial reconciliation timeline.
type Loop struct {
	client *steamapi.Client
	store  *pollstore.Store
	ops    *tradeops.Ops
	bus    *events.Bus
	policy autocancel.Policy
	auth   AuthState
	logger *slog.Logger
	now    func() time.Time

	language        string
	getDescriptions bool
	interval        time.Duration

	mu            sync.Mutex
	polling       bool
	stopped       bool
	lastTickStart time.Time
	timer         *time.Timer
	wg            sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option { return func(loop *Loop) { loop.logger = l } }

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(loop *Loop) { loop.now = now } }

// WithLanguage sets the Steam language tag used on remote calls.
func WithLanguage(lang string) Option {
	return func(loop *Loop) { loop.language = lang }
}

// WithDescriptions enables item-name enrichment (and glitch detection
// tied to it).
func WithDescriptions(enabled bool) Option {
	return func(loop *Loop) { loop.getDescriptions = enabled }
}

// New builds a Loop. interval is the scheduling period; a negative
// value disables auto-scheduling (callers must invoke Tick manually).
func New(client *steamapi.Client, store *pollstore.Store, ops *tradeops.Ops, bus *events.Bus, policy autocancel.Policy, auth AuthState, interval time.Duration, opts ...Option) *Loop {
	loop := &Loop{
		client:   client,
		store:    store,
		ops:      ops,
		bus:      bus,
		policy:   policy,
		auth:     auth,
		logger:   slog.Default(),
		now:      time.Now,
		language: "english",
		interval: interval,
	}
	for _, o := range opts {
		o(loop)
	}
	return loop
}

// Start arms the first tick, if the loop is intervalled. Manual-tick
// loops (negative interval) are started implicitly by their first Tick
// call.
func (l *Loop) Start() {
	l.mu.Lock()
	l.stopped = false
	l.mu.Unlock()
	if l.interval >= 0 {
		l.arm(l.interval)
	}
}

// Stop requests the loop finish its current tick (no mid-tick abort)
// and suppresses all future timer-driven ticks. It blocks until the
// in-flight tick, if any, completes.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) arm(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(delay, func() {
		l.Tick(context.Background(), false)
	})
}

// Tick runs one reconciliation pass. Single-flight: a call while
// another tick is in progress returns immediately. fullUpdate forces a
// full, unfiltered resync regardless of the stored cutoff.
func (l *Loop) Tick(ctx context.Context, fullUpdate bool) {
	l.mu.Lock()
	if l.polling {
		l.mu.Unlock()
		return
	}
	now := l.now()
	elapsed := now.Sub(l.lastTickStart)
	if !l.lastTickStart.IsZero() && elapsed < minInterval {
		remaining := minInterval - elapsed
		l.mu.Unlock()
		l.reschedule(remaining)
		return
	}
	l.polling = true
	l.lastTickStart = now
	l.wg.Add(1)
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.polling = false
		l.wg.Done()
		stopped := l.stopped
		l.mu.Unlock()
		if !stopped && l.interval >= 0 {
			l.reschedule(l.interval)
		}
	}()

	if l.auth != nil && !l.auth.Ready() {
		return
	}

	if err := l.runTick(ctx, fullUpdate); err != nil {
		l.bus.Publish(events.Event{Kind: events.KindPollFailure, Payload: events.PollFailure{Err: err}})
		l.logger.Warn("reconcile tick failed", "error", err)
		return
	}
	l.bus.Publish(events.Event{Kind: events.KindPollSuccess, Payload: events.PollSuccess{}})
}

func (l *Loop) reschedule(delay time.Duration) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	l.arm(delay)
}

func (l *Loop) runTick(ctx context.Context, fullUpdate bool) error {
	if err := l.store.EnsureLoaded(); err != nil {
		l.logger.Warn("poll store load failed", "error", err)
	}

	now := l.now()
	offersSince := l.store.OffersSince()

	var cutoff int64
	var filter steamapi.Filter
	if offersSince > 0 && !fullUpdate {
		cutoff = offersSince - 1800
		filter = steamapi.FilterActiveOnly
	} else {
		cutoff = now.Add(-sixMonths).Unix()
		filter = steamapi.FilterAll
	}

	requestedAt := now.Unix() - 1800

	result, err := l.client.GetTradeOffers(ctx, filter, l.language, l.getDescriptions, cutoff)
	if err != nil {
		return err
	}

	hasGlitched := false

	l.walkSent(result.Sent, &hasGlitched)
	l.applyAutoCancelSent(ctx, result.Sent, now)
	l.quotaTrim(ctx, result.Sent, now)
	l.walkReceived(result.Received, &hasGlitched)

	if !hasGlitched {
		if result.HasNonTerminal && result.OldestNonTerminal.Unix() < requestedAt {
			l.store.SetOffersSince(result.OldestNonTerminal.Unix())
		} else {
			l.store.SetOffersSince(requestedAt)
		}
	}

	l.store.Prune()

	if err := l.store.Save(); err != nil {
		l.logger.Warn("poll store save failed", "error", err)
	}

	return nil
}

func (l *Loop) walkSent(sent []steamapi.Offer, hasGlitched *bool) {
	for _, so := range sent {
		o := so
		if o.ID == "" {
			continue
		}
		prevState, known := l.store.SentState(o.ID)

		if !known {
			if tradeops.PendingSends() == 0 {
				l.bus.Publish(events.Event{Kind: events.KindUnknownOfferSent, Payload: events.OfferEvent{OfferID: o.ID}})
				l.emitRealtimeForNewSent(o)
			}
			l.store.Record(true, o.ID, o.State, o.UpdatedAt.Unix())
			continue
		}

		if prevState == o.State {
			continue
		}

		if o.IsGlitched(l.getDescriptions, o.AnyItemMissingName) {
			*hasGlitched = true
			l.bus.Publish(events.Event{Kind: events.KindDebug, Payload: events.DebugEvent{
				Message: "glitched sent offer payload, skipping store update",
			}})
			continue
		}

		l.bus.Publish(events.Event{Kind: events.KindSentOfferChanged, Payload: events.OfferChanged{
			OfferID: o.ID, Previous: prevState.String(), Current: o.State.String(),
		}})
		if o.FromRealtimeTrade && o.State == offer.StateAccepted {
			l.bus.Publish(events.Event{Kind: events.KindRealTimeTradeCompleted, Payload: events.OfferEvent{OfferID: o.ID}})
		}
		l.store.Record(true, o.ID, o.State, o.UpdatedAt.Unix())
	}
}

func (l *Loop) emitRealtimeForNewSent(o steamapi.Offer) {
	if !o.FromRealtimeTrade {
		return
	}
	switch {
	case o.State == offer.StateCreatedNeedsConfirmation,
		o.State == offer.StateActive && o.ConfirmationMethod != offer.ConfirmationNone:
		l.bus.Publish(events.Event{Kind: events.KindRealTimeTradeConfirmationRequired, Payload: events.OfferEvent{OfferID: o.ID}})
	case o.State == offer.StateAccepted:
		l.bus.Publish(events.Event{Kind: events.KindRealTimeTradeCompleted, Payload: events.OfferEvent{OfferID: o.ID}})
	}
}

func (l *Loop) walkReceived(received []steamapi.Offer, hasGlitched *bool) {
	for _, ro := range received {
		o := ro
		if o.ID == "" {
			continue
		}
		if o.IsGlitched(l.getDescriptions, o.AnyItemMissingName) {
			*hasGlitched = true
			continue
		}

		prevState, known := l.store.ReceivedState(o.ID)

		if o.FromRealtimeTrade {
			switch {
			case !known && (o.State == offer.StateCreatedNeedsConfirmation ||
				(o.State == offer.StateActive && o.ConfirmationMethod != offer.ConfirmationNone)):
				l.bus.Publish(events.Event{Kind: events.KindRealTimeTradeConfirmationRequired, Payload: events.OfferEvent{OfferID: o.ID}})
			case o.State == offer.StateAccepted && (!known || prevState != o.State):
				l.bus.Publish(events.Event{Kind: events.KindRealTimeTradeCompleted, Payload: events.OfferEvent{OfferID: o.ID}})
			}
		}

		switch {
		case !known && o.State == offer.StateActive:
			l.bus.Publish(events.Event{Kind: events.KindNewOffer, Payload: events.OfferEvent{OfferID: o.ID}})
		case known && prevState != o.State:
			l.bus.Publish(events.Event{Kind: events.KindReceivedOfferChanged, Payload: events.OfferChanged{
				OfferID: o.ID, Previous: prevState.String(), Current: o.State.String(),
			}})
		}

		l.store.Record(false, o.ID, o.State, o.UpdatedAt.Unix())
	}
}

func (l *Loop) applyAutoCancelSent(ctx context.Context, sent []steamapi.Offer, now time.Time) {
	for _, so := range sent {
		o := so.Offer
		if o.ID == "" {
			continue
		}
		switch {
		case autocancel.CancelActive(o, l.store, l.policy, now):
			if err := l.ops.Decline(ctx, o); err != nil {
				l.logger.Warn("auto-cancel (age) failed", "offer_id", o.ID, "error", err)
				continue
			}
			l.store.DeleteTimeProps(o.ID)
			l.bus.Publish(events.Event{Kind: events.KindSentOfferCanceled, Payload: events.OfferCanceled{
				OfferID: o.ID, Reason: events.CancelReasonAge,
			}})
		case autocancel.CancelPending(o, l.store, l.policy, now):
			if err := l.ops.Decline(ctx, o); err != nil {
				l.logger.Warn("auto-cancel (pending) failed", "offer_id", o.ID, "error", err)
				continue
			}
			l.store.DeleteTimeProps(o.ID)
			l.bus.Publish(events.Event{Kind: events.KindSentPendingOfferCanceled, Payload: events.OfferEvent{OfferID: o.ID}})
		}
	}
}

func (l *Loop) quotaTrim(ctx context.Context, sent []steamapi.Offer, now time.Time) {
	if l.policy.CancelOfferCount <= 0 {
		return
	}

	candidates := l.store.ActiveSentIDs()
	for _, so := range sent {
		if so.State == offer.StateActive {
			candidates = append(candidates, so.ID)
		}
	}

	chosen := autocancel.QuotaTrim(candidates, l.store, l.policy, now)
	for _, id := range chosen {
		o := &offer.Offer{ID: id, State: offer.StateActive, IsOurs: true}
		if err := l.ops.Decline(ctx, o); err != nil {
			l.logger.Warn("quota-trim cancel failed", "offer_id", id, "error", err)
			continue
		}
		l.bus.Publish(events.Event{Kind: events.KindSentOfferCanceled, Payload: events.OfferCanceled{
			OfferID: id, Reason: events.CancelReasonQuota,
		}})
	}
}
