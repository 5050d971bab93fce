// Package tradeerr defines the typed error taxonomy shared by the
// transport, remote API adapter, offer operations, and confirmation
// engine. Callers use errors.As to recover an *Error and inspect its
// Kind rather than matching on string content.
package tradeerr

import (
	"errors"
	"fmt"
)

// Kind names a category of failure recognized across the trade-offer
// engine. Values are neutral labels, not wire strings.
type Kind int

const (
	// NotLoggedIn means the transport or an endpoint detected a missing
	// or expired session. Fatal for the current operation; recoverable
	// only by re-authenticating.
	NotLoggedIn Kind = iota
	// FamilyViewRestricted means the account is locked by family view.
	FamilyViewRestricted
	// HTTPError is a generic non-2xx response with no more specific match.
	HTTPError
	// MalformedResponse means the server returned structurally invalid data.
	MalformedResponse
	// DataTemporarilyUnavailable means the server returned a well-formed
	// but empty envelope, typically a transient upstream hiccup.
	DataTemporarilyUnavailable
	// TradeBan means the account is currently trade-banned.
	TradeBan
	// NewDevice means the target requires a device cooldown before trading.
	NewDevice
	// TargetCannotTrade means the partner's account cannot currently trade.
	TargetCannotTrade
	// OfferLimitExceeded means the account has too many outstanding offers.
	OfferLimitExceeded
	// ItemServerUnavailable means the remote item-description service is down.
	ItemServerUnavailable
	// ConfirmationNotFound means no pending confirmation entry matched the
	// requested offer id, even after one retry.
	ConfirmationNotFound
	// ConfirmationFailed means the confirmation endpoint rejected the
	// operation; Message carries its explanation.
	ConfirmationFailed
	// InvalidState means a precondition on an offer operation failed
	// (e.g. accepting an offer that is not Active).
	InvalidState
	// CannotLoadTradeData means a refresh of a single offer failed.
	CannotLoadTradeData
	// SteamError is a non-200 response from the accept endpoint carrying
	// a server-reported eresult that does not match a more specific kind.
	SteamError
)

func (k Kind) String() string {
	switch k {
	case NotLoggedIn:
		return "NotLoggedIn"
	case FamilyViewRestricted:
		return "FamilyViewRestricted"
	case HTTPError:
		return "HttpError"
	case MalformedResponse:
		return "MalformedResponse"
	case DataTemporarilyUnavailable:
		return "DataTemporarilyUnavailable"
	case TradeBan:
		return "TradeBan"
	case NewDevice:
		return "NewDevice"
	case TargetCannotTrade:
		return "TargetCannotTrade"
	case OfferLimitExceeded:
		return "OfferLimitExceeded"
	case ItemServerUnavailable:
		return "ItemServerUnavailable"
	case ConfirmationNotFound:
		return "ConfirmationNotFound"
	case ConfirmationFailed:
		return "ConfirmationFailed"
	case InvalidState:
		return "InvalidState"
	case CannotLoadTradeData:
		return "CannotLoadTradeData"
	case SteamError:
		return "SteamError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried by every Kind above. Code
// holds an HTTP status or a server-supplied numeric result code when
// one is available; it is zero otherwise.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		if e.Message != "" {
			return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
		}
		return fmt.Sprintf("%s (%d)", e.Kind, e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error of the same Kind, so callers
// can write errors.Is(err, tradeerr.New(tradeerr.NotLoggedIn, "")).
// Prefer the package-level Is helper for Kind-only comparisons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCode attaches a numeric result/status code to an *Error.
func WithCode(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an *Error that wraps an underlying cause, preserving it
// for errors.Unwrap/errors.As chains.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is, or wraps, a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
