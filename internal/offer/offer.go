// Package offer defines the trade-offer value object and the pure
// predicates over it: terminal/non-terminal state classification and
// glitched-payload detection. It has no knowledge of transport,
// persistence, or the reconciliation loop.
package offer

import (
	"fmt"
	"time"
)

// State enumerates the lifecycle states a trade offer can occupy.
type State int

const (
	StateInvalid State = iota
	StateActive
	StateAccepted
	StateCountered
	StateExpired
	StateCanceled
	StateDeclined
	StateInvalidItems
	StateCreatedNeedsConfirmation
	StateCanceledBySecondFactor
	StateInEscrow
	StateEscrowRollback
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateActive:
		return "Active"
	case StateAccepted:
		return "Accepted"
	case StateCountered:
		return "Countered"
	case StateExpired:
		return "Expired"
	case StateCanceled:
		return "Canceled"
	case StateDeclined:
		return "Declined"
	case StateInvalidItems:
		return "InvalidItems"
	case StateCreatedNeedsConfirmation:
		return "CreatedNeedsConfirmation"
	case StateCanceledBySecondFactor:
		return "CanceledBySecondFactor"
	case StateInEscrow:
		return "InEscrow"
	case StateEscrowRollback:
		return "EscrowRollback"
	default:
		return "Unknown"
	}
}

// nonTerminal holds the states from which further transitions are expected.
var nonTerminal = map[State]bool{
	StateActive:                   true,
	StateAccepted:                 true,
	StateCreatedNeedsConfirmation: true,
	StateInEscrow:                 true,
}

// IsNonTerminal reports whether further transitions are expected from s.
func (s State) IsNonTerminal() bool { return nonTerminal[s] }

// IsTerminal reports whether no further transitions are expected from s.
func (s State) IsTerminal() bool { return !nonTerminal[s] }

// ConfirmationMethod enumerates how an offer's second factor, if any, is handled.
type ConfirmationMethod int

const (
	ConfirmationNone ConfirmationMethod = iota
	ConfirmationEmail
	ConfirmationMobile
)

func (m ConfirmationMethod) String() string {
	switch m {
	case ConfirmationEmail:
		return "email"
	case ConfirmationMobile:
		return "mobile"
	default:
		return "none"
	}
}

// Item refers to a single stack of game inventory items attached to an offer.
type Item struct {
	GameID    string
	ContextID string
	AssetID   string
	Amount    int
}

// Offer is the value object passed between the remote adapter, the
// reconciliation loop, and offer operations. Fields are exported so
// adapters can populate them directly from decoded DTOs; mutation
// after ID is set is the caller's responsibility to avoid (enforced by
// the Set*/Add/Remove helpers below, not by the zero value itself).
type Offer struct {
	ID       string
	Partner  string
	Message  string
	State    State
	ItemsToGive    []Item
	ItemsToReceive []Item

	IsOurs bool

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	TradeID string

	FromRealtimeTrade bool
	ConfirmationMethod ConfirmationMethod
	EscrowUntil        *time.Time

	Token      string
	Countering string

	// CancelAfter and PendingCancelAfter are per-instance overrides of
	// the manager's cancel_time / pending_cancel_time knobs. Zero means
	// "no override"; the caller falls back to the manager default.
	CancelAfter        time.Duration
	PendingCancelAfter time.Duration

	// HasGlitched is a diagnostic flag for recording that a refresh
	// observed a partial payload for this offer. Nothing in this module
	// sets or clears it; the reconciliation loop checks glitches per
	// tick without storing the result here.
	HasGlitched bool
}

// New constructs an unsent Offer for the given partner, optionally
// carrying a trade-invite token. The partner must be a non-empty
// individual-account identifier; callers that only have a group or
// anonymous id should reject before calling New.
func New(partner, token string) (*Offer, error) {
	if partner == "" {
		return nil, fmt.Errorf("offer: partner identifier required")
	}
	return &Offer{
		Partner: partner,
		Token:   token,
		State:   StateInvalid,
	}, nil
}

// errAlreadySent is returned by mutators once ID has been assigned.
var errAlreadySent = fmt.Errorf("offer: cannot modify a sent offer")

// SetMessage sets the accompanying trade message. Fails once ID is set.
func (o *Offer) SetMessage(msg string) error {
	if o.ID != "" {
		return errAlreadySent
	}
	if len(msg) > 128 {
		return fmt.Errorf("offer: message exceeds 128 characters")
	}
	o.Message = msg
	return nil
}

// SetToken sets the trade-invite token. Fails once ID is set.
func (o *Offer) SetToken(token string) error {
	if o.ID != "" {
		return errAlreadySent
	}
	o.Token = token
	return nil
}

// AddItem appends an item to either the give or receive side. Fails
// once ID is set.
func (o *Offer) AddItem(give bool, item Item) error {
	if o.ID != "" {
		return errAlreadySent
	}
	if item.Amount < 1 {
		return fmt.Errorf("offer: item amount must be >= 1")
	}
	if give {
		o.ItemsToGive = append(o.ItemsToGive, item)
	} else {
		o.ItemsToReceive = append(o.ItemsToReceive, item)
	}
	return nil
}

// RemoveItem drops the item at index idx from the give or receive side.
// Fails once ID is set.
func (o *Offer) RemoveItem(give bool, idx int) error {
	if o.ID != "" {
		return errAlreadySent
	}
	side := &o.ItemsToGive
	if !give {
		side = &o.ItemsToReceive
	}
	if idx < 0 || idx >= len(*side) {
		return fmt.Errorf("offer: item index %d out of range", idx)
	}
	*side = append((*side)[:idx], (*side)[idx+1:]...)
	return nil
}

// IsGlitched reports whether o looks like a partial/degraded payload:
// sent (ID set) and either both item sides are empty, or, when
// descriptions are enabled, any item is missing a display name.
// Display names live on the adapter-side DTO, not this value object,
// so withDescriptions callers pass whether any item lacked one.
func (o *Offer) IsGlitched(descriptionsEnabled, anyItemMissingName bool) bool {
	if o.ID == "" {
		return false
	}
	if len(o.ItemsToGive) == 0 && len(o.ItemsToReceive) == 0 {
		return true
	}
	return descriptionsEnabled && anyItemMissingName
}

// StateName returns the string tag for o.State, for logging.
func (o *Offer) StateName() string { return o.State.String() }

// ConfirmationMethodName returns the string tag for o.ConfirmationMethod.
func (o *Offer) ConfirmationMethodName() string { return o.ConfirmationMethod.String() }
