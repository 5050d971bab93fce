package steamapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tr, err := transport.New()
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	return New(tr, "test-api-key").WithBaseURL(srv.URL), srv
}

func TestGetTradeOffers_ParsesEnvelope(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"response": {
				"trade_offers_sent": [
					{"tradeofferid":"1","accountid_other":111,"trade_offer_state":2,"time_created":1000,"time_updated":1000,
					 "items_to_give":[{"appid":730,"contextid":"2","assetid":"a1","amount":"1"}]}
				],
				"trade_offers_received": [
					{"tradeofferid":"2","accountid_other":222,"trade_offer_state":9,"time_created":2000,"time_updated":2000}
				]
			}
		}`))
	})
	defer srv.Close()

	result, err := c.GetTradeOffers(context.Background(), FilterActiveOnly, "english", false, 0)
	if err != nil {
		t.Fatalf("GetTradeOffers() error = %v", err)
	}
	if len(result.Sent) != 1 || result.Sent[0].ID != "1" {
		t.Errorf("Sent = %+v", result.Sent)
	}
	if len(result.Received) != 1 || result.Received[0].State != offer.StateCreatedNeedsConfirmation {
		t.Errorf("Received = %+v", result.Received)
	}
	if !result.HasNonTerminal {
		t.Error("HasNonTerminal = false, want true (both offers are non-terminal)")
	}
}

func TestGetTradeOffers_MalformedJSON(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	defer srv.Close()

	_, err := c.GetTradeOffers(context.Background(), FilterAll, "english", false, 0)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestGetTradeOffer_MissingOfferField(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{}}`))
	})
	defer srv.Close()

	_, err := c.GetTradeOffer(context.Background(), "1", "english", false)
	if err == nil {
		t.Fatal("expected error for missing offer field")
	}
}

func TestGetTradeStatus_EmptyTrades(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"trades":[]}}`))
	})
	defer srv.Close()

	_, err := c.GetTradeStatus(context.Background(), "t1", "english", false)
	if err == nil {
		t.Fatal("expected error for empty trades array")
	}
}

func TestCancelTradeOffer_PostsForm(t *testing.T) {
	var gotMethod, gotID string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		r.ParseForm()
		gotID = r.Form.Get("tradeofferid")
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	if err := c.CancelTradeOffer(context.Background(), "123"); err != nil {
		t.Fatalf("CancelTradeOffer() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotID != "123" {
		t.Errorf("tradeofferid = %q, want %q", gotID, "123")
	}
}

func TestDeclineTradeOffer_PostsForm(t *testing.T) {
	var gotID string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotID = r.Form.Get("tradeofferid")
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	if err := c.DeclineTradeOffer(context.Background(), "456"); err != nil {
		t.Fatalf("DeclineTradeOffer() error = %v", err)
	}
	if gotID != "456" {
		t.Errorf("tradeofferid = %q, want %q", gotID, "456")
	}
}

func TestStateFromWire(t *testing.T) {
	tests := []struct {
		wire int
		want offer.State
	}{
		{2, offer.StateActive},
		{3, offer.StateAccepted},
		{9, offer.StateCreatedNeedsConfirmation},
		{11, offer.StateInEscrow},
		{999, offer.StateInvalid},
	}
	for _, tt := range tests {
		if got := stateFromWire(tt.wire); got != tt.want {
			t.Errorf("stateFromWire(%d) = %v, want %v", tt.wire, got, tt.want)
		}
	}
}

func TestConfirmationFromWire(t *testing.T) {
	tests := []struct {
		wire int
		want offer.ConfirmationMethod
	}{
		{0, offer.ConfirmationNone},
		{1, offer.ConfirmationEmail},
		{2, offer.ConfirmationMobile},
	}
	for _, tt := range tests {
		if got := confirmationFromWire(tt.wire); got != tt.want {
			t.Errorf("confirmationFromWire(%d) = %v, want %v", tt.wire, got, tt.want)
		}
	}
}

func TestOfferDTO_ToOffer(t *testing.T) {
	d := offerDTO{
		TradeOfferID:    "999",
		AccountIDOther:  42,
		TradeOfferState: 2,
		TimeCreated:     1000,
		TimeUpdated:     2000,
		ItemsToGive: []itemDTO{
			{AppID: 730, ContextID: "2", AssetID: "a1", Amount: "1"},
		},
	}
	o := d.toOffer()
	if o.ID != "999" {
		t.Errorf("ID = %q, want %q", o.ID, "999")
	}
	if o.Partner != "42" {
		t.Errorf("Partner = %q, want %q", o.Partner, "42")
	}
	if o.State != offer.StateActive {
		t.Errorf("State = %v, want Active", o.State)
	}
	if len(o.ItemsToGive) != 1 || o.ItemsToGive[0].GameID != "730" {
		t.Errorf("ItemsToGive = %+v", o.ItemsToGive)
	}
}

func TestSendOffer_PostsExpectedForm(t *testing.T) {
	var gotPath string
	var gotForm map[string][]string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotForm = map[string][]string(r.Form)
		w.Write([]byte(`{"tradeofferid":"555","needs_mobile_confirmation":true}`))
	})
	c = c.WithCommunityURL(srv.URL)
	defer srv.Close()

	req := SendRequest{
		SessionID: "sess",
		PartnerID: "76561198000000001",
		Message:   "hi",
		Body: SendBody{
			Me: SendBodySide{Assets: []SendAsset{{AppID: "730", ContextID: "2", AssetID: "a1", Amount: "1"}}, Ready: true},
		},
		Token: "tok123",
	}
	result, err := c.SendOffer(context.Background(), req)
	if err != nil {
		t.Fatalf("SendOffer() error = %v", err)
	}
	if gotPath != "/tradeoffer/new/send" {
		t.Errorf("path = %q, want /tradeoffer/new/send", gotPath)
	}
	if gotForm["partner"][0] != req.PartnerID {
		t.Errorf("partner form value = %q", gotForm["partner"])
	}
	if _, ok := gotForm["json_tradeoffer"]; !ok {
		t.Error("expected json_tradeoffer form field")
	}
	if _, ok := gotForm["trade_offer_create_params"]; !ok {
		t.Error("expected trade_offer_create_params form field when Token is set")
	}
	if result.TradeOfferID != "555" || !result.NeedsMobileConfirmation {
		t.Errorf("result = %+v", result)
	}
}

func TestSendOffer_OmitsOptionalFieldsWhenUnset(t *testing.T) {
	var gotForm map[string][]string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string][]string(r.Form)
		w.Write([]byte(`{"tradeofferid":"1"}`))
	})
	c = c.WithCommunityURL(srv.URL)
	defer srv.Close()

	_, err := c.SendOffer(context.Background(), SendRequest{SessionID: "s", PartnerID: "p"})
	if err != nil {
		t.Fatalf("SendOffer() error = %v", err)
	}
	if _, ok := gotForm["trade_offer_create_params"]; ok {
		t.Error("trade_offer_create_params should be absent when Token is empty")
	}
	if _, ok := gotForm["tradeofferid_countered"]; ok {
		t.Error("tradeofferid_countered should be absent when Countering is empty")
	}
}

func TestAcceptOffer_PostsExpectedForm(t *testing.T) {
	var gotPath, gotID string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotID = r.Form.Get("tradeofferid")
		w.Write([]byte(`{"tradeid":"t1","needs_mobile_confirmation":true}`))
	})
	c = c.WithCommunityURL(srv.URL)
	defer srv.Close()

	result, err := c.AcceptOffer(context.Background(), "sess", "partner1", "789")
	if err != nil {
		t.Fatalf("AcceptOffer() error = %v", err)
	}
	if gotPath != "/tradeoffer/789/accept" {
		t.Errorf("path = %q, want /tradeoffer/789/accept", gotPath)
	}
	if gotID != "789" {
		t.Errorf("tradeofferid = %q, want 789", gotID)
	}
	if result.TradeID != "t1" || !result.NeedsMobileConfirmation {
		t.Errorf("result = %+v", result)
	}
}

func TestOfferDTO_ItemMissingName(t *testing.T) {
	withName := offerDTO{ItemsToGive: []itemDTO{{Name: "Mann Co. Supply Crate"}}}
	if withName.itemMissingName() {
		t.Error("itemMissingName() = true, want false when all items named")
	}

	withoutName := offerDTO{ItemsToGive: []itemDTO{{Name: ""}}}
	if !withoutName.itemMissingName() {
		t.Error("itemMissingName() = false, want true when an item lacks a name")
	}
}
