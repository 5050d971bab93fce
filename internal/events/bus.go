// Package events provides a publish/subscribe event bus for the
// offer-lifecycle engine. Every event the core emits is a
// named Kind carrying a typed payload struct; consumers are expected to
// switch exhaustively on Kind and type-assert the matching payload
// rather than grubbing around in a map[string]any. The bus itself is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import "sync"

// Kind enumerates every event the reconciliation loop, offer
// operations, and confirmation engine can publish.
type Kind string

const (
	// KindPollSuccess fires after a reconcile tick completes without error.
	// Payload: PollSuccess.
	KindPollSuccess Kind = "poll_success"
	// KindPollFailure fires when a reconcile tick fails. Payload: PollFailure.
	KindPollFailure Kind = "poll_failure"
	// KindNewOffer fires for a previously unseen, Active received offer.
	// Payload: OfferEvent.
	KindNewOffer Kind = "new_offer"
	// KindSentOfferChanged fires when a known sent offer's state changes.
	// Payload: OfferChanged.
	KindSentOfferChanged Kind = "sent_offer_changed"
	// KindReceivedOfferChanged fires when a known received offer's state changes.
	// Payload: OfferChanged.
	KindReceivedOfferChanged Kind = "received_offer_changed"
	// KindUnknownOfferSent fires for a sent offer with no Store entry,
	// observed while pending_send_counter == 0. Payload: OfferEvent.
	KindUnknownOfferSent Kind = "unknown_offer_sent"
	// KindSentOfferCanceled fires when an auto-cancel policy cancels a sent
	// offer. Payload: OfferCanceled.
	KindSentOfferCanceled Kind = "sent_offer_canceled"
	// KindSentPendingOfferCanceled fires when the pending-confirmation
	// age policy cancels an unconfirmed sent offer. Payload: OfferEvent.
	KindSentPendingOfferCanceled Kind = "sent_pending_offer_canceled"
	// KindRealTimeTradeConfirmationRequired fires for realtime-trade offers
	// awaiting second-factor confirmation. Payload: OfferEvent.
	KindRealTimeTradeConfirmationRequired Kind = "realtime_trade_confirmation_required"
	// KindRealTimeTradeCompleted fires when a realtime-trade offer reaches
	// Accepted. Payload: OfferEvent.
	KindRealTimeTradeCompleted Kind = "realtime_trade_completed"
	// KindSessionExpired fires when the transport or an endpoint detects a
	// dead session. Payload: ErrorEvent.
	KindSessionExpired Kind = "session_expired"
	// KindFamilyViewRestricted fires when the account is family-view locked.
	// Payload: ErrorEvent.
	KindFamilyViewRestricted Kind = "family_view_restricted"
	// KindDebug carries a free-form diagnostic notice. Payload: DebugEvent.
	KindDebug Kind = "debug"
)

// CancelReason names why an auto-cancel policy canceled an offer.
type CancelReason string

const (
	// CancelReasonAge means the offer exceeded its cancel_time age.
	CancelReasonAge CancelReason = "cancelTime"
	// CancelReasonQuota means the offer was trimmed by cancel_offer_count.
	CancelReasonQuota CancelReason = "cancelOfferCount"
)

// Event is a single published occurrence. Kind determines which
// concrete type Payload holds.
type Event struct {
	Kind    Kind
	Payload any
}

// OfferEvent wraps a single offer, used by events that reference
// exactly one offer with no "previous state" context.
type OfferEvent struct {
	OfferID string
}

// OfferChanged wraps an offer id alongside the state it transitioned
// from, for sentOfferChanged / receivedOfferChanged.
type OfferChanged struct {
	OfferID  string
	Previous string
	Current  string
}

// OfferCanceled wraps an offer id and the policy that triggered the cancel.
type OfferCanceled struct {
	OfferID string
	Reason  CancelReason
}

// PollSuccess carries no data; its presence is the signal.
type PollSuccess struct{}

// PollFailure carries the error from a failed reconcile tick.
type PollFailure struct {
	Err error
}

// ErrorEvent wraps an error for session/family-view style faults.
type ErrorEvent struct {
	Err error
}

// DebugEvent carries a free-form diagnostic message.
type DebugEvent struct {
	Message string
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
