package tradeops

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/pollstore"
	"github.com/nugget/tradeoffer/internal/steamapi"
	"github.com/nugget/tradeoffer/internal/tradeerr"
	"github.com/nugget/tradeoffer/internal/transport"
)

func newTestOps(t *testing.T, handler http.HandlerFunc) (*Ops, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tr, err := transport.New()
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	client := steamapi.New(tr, "key").WithBaseURL(srv.URL).WithCommunityURL(srv.URL)
	store := pollstore.New("tester", nil, nil)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ops := &Ops{
		Client:    client,
		Store:     store,
		SessionID: func() string { return "sess" },
		Now:       func() time.Time { return fixedNow },
	}
	return ops, srv
}

func newOffer(t *testing.T, partner string) *offer.Offer {
	t.Helper()
	o, err := offer.New(partner, "")
	if err != nil {
		t.Fatalf("offer.New() error = %v", err)
	}
	if err := o.AddItem(true, offer.Item{GameID: "730", ContextID: "2", AssetID: "a1", Amount: 1}); err != nil {
		t.Fatalf("AddItem() error = %v", err)
	}
	return o
}

func TestSend_RejectsUnsentPreconditions(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	o, _ := offer.New("p1", "")
	err := ops.Send(context.Background(), o)
	if !tradeerr.Is(err, tradeerr.InvalidState) {
		t.Errorf("Send() with no items error = %v, want InvalidState", err)
	}
}

func TestSend_Success(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tradeofferid":"123"}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	if err := ops.Send(context.Background(), o); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if o.ID != "123" {
		t.Errorf("ID = %q, want 123", o.ID)
	}
	if o.State != offer.StateActive {
		t.Errorf("State = %v, want Active", o.State)
	}
	if st, ok := ops.Store.SentState("123"); !ok || st != offer.StateActive {
		t.Errorf("Store.SentState(123) = %v, %v, want Active, true", st, ok)
	}
	if PendingSends() != 0 {
		t.Errorf("PendingSends() = %d, want 0 after completed send", PendingSends())
	}
}

func TestSend_NeedsMobileConfirmation(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tradeofferid":"124","needs_mobile_confirmation":true}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	if err := ops.Send(context.Background(), o); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if o.State != offer.StateCreatedNeedsConfirmation {
		t.Errorf("State = %v, want CreatedNeedsConfirmation", o.State)
	}
	if o.ConfirmationMethod != offer.ConfirmationMobile {
		t.Errorf("ConfirmationMethod = %v, want mobile", o.ConfirmationMethod)
	}
}

func TestSend_StrErrorMapsToTypedError(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"strError":"You have traded with this user too recently (25)"}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	err := ops.Send(context.Background(), o)
	var te *tradeerr.Error
	if err == nil {
		t.Fatal("expected error from strError response")
	}
	if !tradeerr.Is(err, tradeerr.TargetCannotTrade) {
		t.Errorf("Send() error = %v, want TargetCannotTrade", err)
	}
	if e, ok := err.(*tradeerr.Error); ok {
		te = e
	}
	if te == nil || te.Code != 25 {
		t.Errorf("parsed code = %+v, want 25", te)
	}
}

func TestSend_AlreadySent(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "already"
	err := ops.Send(context.Background(), o)
	if !tradeerr.Is(err, tradeerr.InvalidState) {
		t.Errorf("Send() on already-sent offer error = %v, want InvalidState", err)
	}
}

func TestDecline_RejectsWrongState(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateAccepted
	if err := ops.Decline(context.Background(), o); !tradeerr.Is(err, tradeerr.InvalidState) {
		t.Errorf("Decline() error = %v, want InvalidState", err)
	}
}

func TestDecline_OursUsesCancelEndpoint(t *testing.T) {
	var gotPath string
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateActive
	o.IsOurs = true
	polled := false
	ops.PollNow = func() { polled = true }

	if err := ops.Decline(context.Background(), o); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if o.State != offer.StateCanceled {
		t.Errorf("State = %v, want Canceled", o.State)
	}
	if !polled {
		t.Error("expected PollNow to be called")
	}
	if gotPath != "/IEconService/CancelTradeOffer/v1/" {
		t.Errorf("path = %q, want /IEconService/CancelTradeOffer/v1/", gotPath)
	}
}

func TestDecline_TheirsUsesDeclineEndpoint(t *testing.T) {
	var gotPath string
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateCreatedNeedsConfirmation
	o.IsOurs = false

	if err := ops.Decline(context.Background(), o); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if o.State != offer.StateDeclined {
		t.Errorf("State = %v, want Declined", o.State)
	}
	if gotPath != "/IEconService/DeclineTradeOffer/v1/" {
		t.Errorf("path = %q, want /IEconService/DeclineTradeOffer/v1/", gotPath)
	}
}

func TestAccept_RejectsWrongState(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateActive
	o.IsOurs = true
	_, err := ops.Accept(context.Background(), o, true)
	if !tradeerr.Is(err, tradeerr.InvalidState) {
		t.Errorf("Accept() on our own offer error = %v, want InvalidState", err)
	}
}

func TestAccept_SkipRefreshAccepted(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tradeid":"t1"}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateActive
	o.IsOurs = false

	result, err := ops.Accept(context.Background(), o, true)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result != AcceptResultAccepted {
		t.Errorf("result = %q, want accepted", result)
	}
	if o.TradeID != "t1" {
		t.Errorf("TradeID = %q, want t1", o.TradeID)
	}
}

func TestAccept_SkipRefreshPendingOnConfirmation(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"needs_mobile_confirmation":true}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateActive
	o.IsOurs = false

	result, err := ops.Accept(context.Background(), o, true)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result != AcceptResultPending {
		t.Errorf("result = %q, want pending", result)
	}
}

func TestAccept_WithRefreshEscrow(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tradeoffer/1/accept" {
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"response":{"offer":{"tradeofferid":"1","accountid_other":1,"trade_offer_state":11,"time_created":1,"time_updated":1}}}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	o.State = offer.StateActive
	o.IsOurs = false

	result, err := ops.Accept(context.Background(), o, false)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if result != AcceptResultEscrow {
		t.Errorf("result = %q, want escrow", result)
	}
	if o.State != offer.StateInEscrow {
		t.Errorf("State = %v, want InEscrow", o.State)
	}
}

func TestRefresh_WrapsAdapterError(t *testing.T) {
	ops, srv := newTestOps(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{}}`))
	})
	defer srv.Close()

	o := newOffer(t, "p1")
	o.ID = "1"
	err := ops.Refresh(context.Background(), o)
	if !tradeerr.Is(err, tradeerr.CannotLoadTradeData) {
		t.Errorf("Refresh() error = %v, want CannotLoadTradeData", err)
	}
}
