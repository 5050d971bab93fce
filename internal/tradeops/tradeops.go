// Package tradeops implements the user-facing offer operations: send,
// decline/cancel, accept, and refresh. It is the layer that turns an
// offer.Offer plus a steamapi.Client into the canonical wire request,
// and translates the response back onto the offer and into the poll
// store.
package tradeops

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/pollstore"
	"github.com/nugget/tradeoffer/internal/steamapi"
	"github.com/nugget/tradeoffer/internal/tradeerr"
)

// offerLifetime is how long a freshly sent offer is valid before the
// remote side expires it unilaterally.
const offerLifetime = 14 * 24 * time.Hour

// pendingSendCounter is the process-wide counter the reconciliation
// loop consults to suppress unknownOfferSent events for offers this
// process just sent itself (spec 4.C step 3 / 5 concurrency model).
var pendingSendCounter int64

// PendingSends reports how many sends are currently in flight.
func PendingSends() int64 { return atomic.LoadInt64(&pendingSendCounter) }

// Ops bundles the collaborators offer operations need: the remote API
// adapter, the poll-data store, a session id source, and a clock for
// tests.
type Ops struct {
	Client    *steamapi.Client
	Store     *pollstore.Store
	SessionID func() string
	Now       func() time.Time

	// PollNow is called to request an out-of-cycle reconciliation tick
	// after decline/accept, per spec 4.C. Nil is a valid no-op, e.g. in
	// tests that don't care about scheduling.
	PollNow func()
}

func (o *Ops) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Ops) sessionID() string {
	if o.SessionID != nil {
		return o.SessionID()
	}
	return ""
}

func (o *Ops) schedulePoll() {
	if o.PollNow != nil {
		o.PollNow()
	}
}

// strErrorPattern extracts a trailing numeric result code, e.g.
// "You have traded with this user too recently (25)".
var strErrorPattern = regexp.MustCompile(`\((\d+)\)\s*$`)

func parseStrError(msg string) (tradeerr.Kind, int) {
	code := 0
	if m := strErrorPattern.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "trade ban") || strings.Contains(lower, "trade banned"):
		return tradeerr.TradeBan, code
	case strings.Contains(lower, "new device") || strings.Contains(lower, "recently set up"):
		return tradeerr.NewDevice, code
	case strings.Contains(lower, "unable to trade") || strings.Contains(lower, "cannot trade") || strings.Contains(lower, "too recently"):
		return tradeerr.TargetCannotTrade, code
	case strings.Contains(lower, "maximum number of items") || strings.Contains(lower, "too many offers"):
		return tradeerr.OfferLimitExceeded, code
	case strings.Contains(lower, "item server") || strings.Contains(lower, "temporarily unavailable"):
		return tradeerr.ItemServerUnavailable, code
	default:
		return tradeerr.HTTPError, code
	}
}

// Send posts of to the send endpoint. of must be unsent and carry at
// least one item across both sides.
func (o *Ops) Send(ctx context.Context, of *offer.Offer) error {
	if of.ID != "" {
		return tradeerr.New(tradeerr.InvalidState, "offer already sent")
	}
	total := len(of.ItemsToGive) + len(of.ItemsToReceive)
	if total == 0 {
		return tradeerr.New(tradeerr.InvalidState, "offer has no items")
	}
	if of.Partner == "" {
		return tradeerr.New(tradeerr.InvalidState, "offer has no partner")
	}

	body := steamapi.SendBody{
		Version: total + 1,
		Me:      buildSide(of.ItemsToGive),
		Them:    buildSide(of.ItemsToReceive),
	}

	atomic.AddInt64(&pendingSendCounter, 1)
	result, err := o.Client.SendOffer(ctx, steamapi.SendRequest{
		SessionID:  o.sessionID(),
		PartnerID:  of.Partner,
		Message:    of.Message,
		Body:       body,
		Token:      of.Token,
		Countering: of.Countering,
	})
	atomic.AddInt64(&pendingSendCounter, -1)

	if err != nil {
		var te *tradeerr.Error
		if errors.As(err, &te) && te.Kind == tradeerr.HTTPError && te.Code == 401 {
			return tradeerr.New(tradeerr.NotLoggedIn, "session expired during send")
		}
		return err
	}

	if result.StrError != "" {
		kind, code := parseStrError(result.StrError)
		if code != 0 {
			return tradeerr.WithCode(kind, code, result.StrError)
		}
		return tradeerr.New(kind, result.StrError)
	}

	if result.TradeOfferID == "" {
		return tradeerr.New(tradeerr.MalformedResponse, "send response carries no tradeofferid")
	}

	now := o.now()
	of.ID = result.TradeOfferID
	of.State = offer.StateActive
	of.CreatedAt = now
	of.UpdatedAt = now
	of.ExpiresAt = now.Add(offerLifetime)

	if result.NeedsMobileConfirmation || result.NeedsEmailConfirmation {
		of.State = offer.StateCreatedNeedsConfirmation
		if result.NeedsMobileConfirmation {
			of.ConfirmationMethod = offer.ConfirmationMobile
		} else {
			of.ConfirmationMethod = offer.ConfirmationEmail
		}
	}

	if o.Store != nil {
		o.Store.Record(true, of.ID, of.State, now.Unix())
	}

	return nil
}

func buildSide(items []offer.Item) steamapi.SendBodySide {
	assets := make([]steamapi.SendAsset, len(items))
	for i, it := range items {
		assets[i] = steamapi.SendAsset{
			AppID:     it.GameID,
			ContextID: it.ContextID,
			AssetID:   it.AssetID,
			Amount:    strconv.Itoa(it.Amount),
		}
	}
	return steamapi.SendBodySide{Assets: assets, Currency: []any{}, Ready: false}
}

// Decline cancels (if ours) or declines (if theirs) of. Also exposed
// as Cancel, the spec's alias for the same operation.
func (o *Ops) Decline(ctx context.Context, of *offer.Offer) error {
	if of.State != offer.StateActive && of.State != offer.StateCreatedNeedsConfirmation {
		return tradeerr.New(tradeerr.InvalidState, "offer not in a cancelable state")
	}

	var err error
	if of.IsOurs {
		err = o.Client.CancelTradeOffer(ctx, of.ID)
	} else {
		err = o.Client.DeclineTradeOffer(ctx, of.ID)
	}
	if err != nil {
		return err
	}

	if of.IsOurs {
		of.State = offer.StateCanceled
	} else {
		of.State = offer.StateDeclined
	}
	of.UpdatedAt = o.now()
	o.schedulePoll()
	return nil
}

// Cancel is an alias for Decline, matching the operation's two names.
func (o *Ops) Cancel(ctx context.Context, of *offer.Offer) error { return o.Decline(ctx, of) }

// AcceptResult names the three outcomes Accept can report.
type AcceptResult string

const (
	AcceptResultAccepted AcceptResult = "accepted"
	AcceptResultPending  AcceptResult = "pending"
	AcceptResultEscrow   AcceptResult = "escrow"
)

// Accept accepts a received offer. skipRefresh avoids the trailing
// GET-by-id refresh, useful when the caller already plans one.
func (o *Ops) Accept(ctx context.Context, of *offer.Offer, skipRefresh bool) (AcceptResult, error) {
	if of.State != offer.StateActive || of.IsOurs {
		return "", tradeerr.New(tradeerr.InvalidState, "offer not eligible for accept")
	}

	result, err := o.Client.AcceptOffer(ctx, o.sessionID(), of.Partner, of.ID)
	if err != nil {
		var te *tradeerr.Error
		if errors.As(err, &te) && te.Kind == tradeerr.HTTPError {
			if te.Code == 403 {
				return "", tradeerr.New(tradeerr.NotLoggedIn, "session expired during accept")
			}
			return "", tradeerr.WithCode(tradeerr.SteamError, te.Code, te.Message)
		}
		return "", err
	}

	if result.TradeID != "" {
		of.TradeID = result.TradeID
	}
	needsConfirm := result.NeedsMobileConfirmation || result.NeedsEmailConfirmation
	if result.NeedsMobileConfirmation {
		of.ConfirmationMethod = offer.ConfirmationMobile
	} else if result.NeedsEmailConfirmation {
		of.ConfirmationMethod = offer.ConfirmationEmail
	}
	o.schedulePoll()

	if skipRefresh {
		if needsConfirm {
			return AcceptResultPending, nil
		}
		return AcceptResultAccepted, nil
	}

	if err := o.Refresh(ctx, of); err != nil {
		return "", err
	}

	switch of.State {
	case offer.StateInEscrow:
		return AcceptResultEscrow, nil
	case offer.StateCreatedNeedsConfirmation:
		return AcceptResultPending, nil
	case offer.StateActive:
		if of.ConfirmationMethod != offer.ConfirmationNone {
			return AcceptResultPending, nil
		}
		return AcceptResultAccepted, nil
	default:
		return AcceptResultAccepted, nil
	}
}

// Refresh re-fetches of by id and re-populates its fields from the
// remote adapter's view.
func (o *Ops) Refresh(ctx context.Context, of *offer.Offer) error {
	fresh, err := o.Client.GetTradeOffer(ctx, of.ID, "english", false)
	if err != nil {
		return tradeerr.Wrap(tradeerr.CannotLoadTradeData, err, fmt.Sprintf("refresh offer %s", of.ID))
	}
	*of = *fresh.Offer
	return nil
}
