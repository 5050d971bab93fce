// Package steamapi adapts the remote trade-offer web API: request
// construction against the fixed api.steampowered.com base, JSON
// envelope validation, and translation into offer.Offer values. It
// knows nothing about poll-data bookkeeping or event dispatch; those
// live above it.
package steamapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/tradeerr"
	"github.com/nugget/tradeoffer/internal/transport"
)

const (
	defaultBaseURL      = "https://api.steampowered.com"
	defaultCommunityURL = "https://steamcommunity.com"
)

// Filter selects which offers GetTradeOffers returns.
type Filter int

const (
	FilterNone Filter = iota
	FilterSentOnly
	FilterReceivedOnly
	FilterActiveOnly
	FilterAll
)

// Client is the remote API adapter. It is safe for concurrent use;
// all state is the http transport and the API key.
type Client struct {
	t            *transport.Transport
	apiKey       string
	baseURL      string
	communityURL string
}

// New builds a Client over an existing Transport.
func New(t *transport.Transport, apiKey string) *Client {
	return &Client{t: t, apiKey: apiKey, baseURL: defaultBaseURL, communityURL: defaultCommunityURL}
}

// WithBaseURL overrides the remote API base, for tests that point the
// client at an httptest.Server instead of the real endpoint.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

// WithCommunityURL overrides the community-site base used by
// SendOffer/AcceptOffer, for tests.
func (c *Client) WithCommunityURL(base string) *Client {
	c.communityURL = base
	return c
}

type itemDTO struct {
	AppID      int    `json:"appid"`
	ContextID  string `json:"contextid"`
	AssetID    string `json:"assetid"`
	Amount     string `json:"amount"`
	Name       string `json:"name,omitempty"`
	Missing    bool   `json:"missing,omitempty"`
}

type offerDTO struct {
	TradeOfferID       string    `json:"tradeofferid"`
	AccountIDOther     uint32    `json:"accountid_other"`
	Message            string    `json:"message"`
	ItemsToGive        []itemDTO `json:"items_to_give"`
	ItemsToReceive     []itemDTO `json:"items_to_receive"`
	IsOurOffer         bool      `json:"is_our_offer"`
	TimeCreated        int64     `json:"time_created"`
	TimeUpdated        int64     `json:"time_updated"`
	TimeExpires        int64     `json:"expiration_time"`
	TradeOfferState    int       `json:"trade_offer_state"`
	TradeID            string    `json:"tradeid"`
	FromRealTimeTrade  bool      `json:"from_real_time_trade"`
	ConfirmationMethod int       `json:"confirmation_method"`
	EscrowEndDate      int64     `json:"escrow_end_date"`
}

// toOffer converts a decoded offer DTO into the engine's value object.
func (d offerDTO) toOffer() *offer.Offer {
	o := &offer.Offer{
		ID:                 d.TradeOfferID,
		Partner:            strconv.FormatUint(uint64(d.AccountIDOther), 10),
		Message:            d.Message,
		State:              stateFromWire(d.TradeOfferState),
		IsOurs:             d.IsOurOffer,
		CreatedAt:          time.Unix(d.TimeCreated, 0).UTC(),
		UpdatedAt:          time.Unix(d.TimeUpdated, 0).UTC(),
		TradeID:            d.TradeID,
		FromRealtimeTrade:  d.FromRealTimeTrade,
		ConfirmationMethod: confirmationFromWire(d.ConfirmationMethod),
	}
	if d.TimeExpires > 0 {
		o.ExpiresAt = time.Unix(d.TimeExpires, 0).UTC()
	}
	if d.EscrowEndDate > 0 {
		escrow := time.Unix(d.EscrowEndDate, 0).UTC()
		o.EscrowUntil = &escrow
	}
	for _, it := range d.ItemsToGive {
		o.ItemsToGive = append(o.ItemsToGive, toItem(it))
	}
	for _, it := range d.ItemsToReceive {
		o.ItemsToReceive = append(o.ItemsToReceive, toItem(it))
	}
	return o
}

func toItem(d itemDTO) offer.Item {
	amount, _ := strconv.Atoi(d.Amount)
	if amount < 1 {
		amount = 1
	}
	return offer.Item{
		GameID:    strconv.Itoa(d.AppID),
		ContextID: d.ContextID,
		AssetID:   d.AssetID,
		Amount:    amount,
	}
}

// itemMissingName reports whether any item in d lacks a display name,
// used by the reconciliation loop's glitch check when description
// enrichment is enabled.
func (d offerDTO) itemMissingName() bool {
	for _, it := range append(append([]itemDTO{}, d.ItemsToGive...), d.ItemsToReceive...) {
		if it.Name == "" {
			return true
		}
	}
	return false
}

func stateFromWire(n int) offer.State {
	switch n {
	case 1:
		return offer.StateInvalid
	case 2:
		return offer.StateActive
	case 3:
		return offer.StateAccepted
	case 4:
		return offer.StateCountered
	case 5:
		return offer.StateExpired
	case 6:
		return offer.StateCanceled
	case 7:
		return offer.StateDeclined
	case 8:
		return offer.StateInvalidItems
	case 9:
		return offer.StateCreatedNeedsConfirmation
	case 10:
		return offer.StateCanceledBySecondFactor
	case 11:
		return offer.StateInEscrow
	case 12:
		return offer.StateEscrowRollback
	default:
		return offer.StateInvalid
	}
}

func confirmationFromWire(n int) offer.ConfirmationMethod {
	switch n {
	case 1:
		return offer.ConfirmationEmail
	case 2:
		return offer.ConfirmationMobile
	default:
		return offer.ConfirmationNone
	}
}

// Offer is the result of a list/get call: the converted offer plus the
// raw item-missing-name flag the caller needs for glitch detection
// (which lives on the DTO, not the value object).
type Offer struct {
	*offer.Offer
	AnyItemMissingName bool
}

// GetTradeOffersResult is the outcome of GetTradeOffers.
type GetTradeOffersResult struct {
	Sent             []Offer
	Received         []Offer
	OldestNonTerminal time.Time
	HasNonTerminal    bool
}

type getTradeOffersEnvelope struct {
	Response struct {
		TradeOffersSent     []offerDTO `json:"trade_offers_sent"`
		TradeOffersReceived []offerDTO `json:"trade_offers_received"`
	} `json:"response"`
}

// GetTradeOffers fetches sent and/or received offer lists, scoped to
// filter and cutoff (seconds since epoch; 0 = unbounded).
func (c *Client) GetTradeOffers(ctx context.Context, filter Filter, language string, getDescriptions bool, cutoff int64) (*GetTradeOffersResult, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("language", language)
	if getDescriptions {
		q.Set("get_descriptions", "1")
	}
	switch filter {
	case FilterActiveOnly:
		q.Set("active_only", "1")
		q.Set("get_sent_offers", "1")
		q.Set("get_received_offers", "1")
	case FilterSentOnly:
		q.Set("get_sent_offers", "1")
	case FilterReceivedOnly:
		q.Set("get_received_offers", "1")
	default:
		q.Set("get_sent_offers", "1")
		q.Set("get_received_offers", "1")
	}
	if cutoff > 0 {
		q.Set("time_historical_cutoff", strconv.FormatInt(cutoff, 10))
	}

	body, err := c.t.Fetch(ctx, "GET", c.baseURL+"/IEconService/GetTradeOffers/v1/?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var env getTradeOffersEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, tradeerr.Wrap(tradeerr.MalformedResponse, err, "decode GetTradeOffers")
	}

	result := &GetTradeOffersResult{}
	var oldest time.Time
	haveOldest := false

	convert := func(dtos []offerDTO) []Offer {
		out := make([]Offer, 0, len(dtos))
		for _, d := range dtos {
			o := d.toOffer()
			out = append(out, Offer{Offer: o, AnyItemMissingName: d.itemMissingName()})
			if o.State.IsNonTerminal() {
				if !haveOldest || o.UpdatedAt.Before(oldest) {
					oldest = o.UpdatedAt
					haveOldest = true
				}
			}
		}
		return out
	}

	result.Sent = convert(env.Response.TradeOffersSent)
	result.Received = convert(env.Response.TradeOffersReceived)
	result.OldestNonTerminal = oldest
	result.HasNonTerminal = haveOldest

	return result, nil
}

type getTradeOfferEnvelope struct {
	Response struct {
		Offer *offerDTO `json:"offer"`
	} `json:"response"`
}

// GetTradeOffer fetches a single offer by id.
func (c *Client) GetTradeOffer(ctx context.Context, id, language string, getDescriptions bool) (*Offer, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("tradeofferid", id)
	q.Set("language", language)
	if getDescriptions {
		q.Set("get_descriptions", "1")
	}

	body, err := c.t.Fetch(ctx, "GET", c.baseURL+"/IEconService/GetTradeOffer/v1/?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var env getTradeOfferEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, tradeerr.Wrap(tradeerr.MalformedResponse, err, "decode GetTradeOffer")
	}
	if env.Response.Offer == nil {
		return nil, tradeerr.New(tradeerr.MalformedResponse, "GetTradeOffer: missing offer in response")
	}

	d := *env.Response.Offer
	return &Offer{Offer: d.toOffer(), AnyItemMissingName: d.itemMissingName()}, nil
}

type getTradeStatusEnvelope struct {
	Response struct {
		Trades []struct {
			TradeID    string `json:"tradeid"`
			Status     int    `json:"status"`
		} `json:"trades"`
	} `json:"response"`
}

// TradeStatus is the result of GetTradeStatus.
type TradeStatus struct {
	TradeID string
	Status  int
}

// GetTradeStatus fetches the current status of a completed trade.
func (c *Client) GetTradeStatus(ctx context.Context, tradeID, language string, getDescriptions bool) (*TradeStatus, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("tradeid", tradeID)
	q.Set("language", language)
	if getDescriptions {
		q.Set("get_descriptions", "1")
	}

	body, err := c.t.Fetch(ctx, "GET", c.baseURL+"/IEconService/GetTradeStatus/v1/?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var env getTradeStatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, tradeerr.Wrap(tradeerr.MalformedResponse, err, "decode GetTradeStatus")
	}
	if len(env.Response.Trades) == 0 {
		return nil, tradeerr.New(tradeerr.DataTemporarilyUnavailable, "GetTradeStatus: empty trades array")
	}

	return &TradeStatus{TradeID: env.Response.Trades[0].TradeID, Status: env.Response.Trades[0].Status}, nil
}

// CancelTradeOffer cancels a sent offer we authored.
func (c *Client) CancelTradeOffer(ctx context.Context, id string) error {
	return c.postOfferAction(ctx, "CancelTradeOffer", id)
}

// DeclineTradeOffer declines an offer we received.
func (c *Client) DeclineTradeOffer(ctx context.Context, id string) error {
	return c.postOfferAction(ctx, "DeclineTradeOffer", id)
}

func (c *Client) postOfferAction(ctx context.Context, fn, id string) error {
	form := url.Values{}
	form.Set("key", c.apiKey)
	form.Set("tradeofferid", id)

	_, err := c.t.Fetch(ctx, "POST", fmt.Sprintf("%s/IEconService/%s/v1/", c.baseURL, fn), strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	return err
}

// SendAsset is a single asset descriptor in the canonical send body.
type SendAsset struct {
	AppID     string `json:"appid"`
	ContextID string `json:"contextid"`
	AssetID   string `json:"assetid"`
	Amount    string `json:"amount"`
}

// SendBodySide is one side (me/them) of the canonical send body.
type SendBodySide struct {
	Assets   []SendAsset `json:"assets"`
	Currency []any       `json:"currency"`
	Ready    bool        `json:"ready"`
}

// SendBody is the canonical JSON payload the send endpoint expects,
// embedded as a string-encoded form field.
type SendBody struct {
	NewVersion bool         `json:"newversion"`
	Version    int          `json:"version"`
	Me         SendBodySide `json:"me"`
	Them       SendBodySide `json:"them"`
}

// SendRequest carries everything SendOffer needs beyond the body.
type SendRequest struct {
	SessionID  string
	PartnerID  string
	Message    string
	Body       SendBody
	Token      string
	Countering string
}

// SendResult is the decoded outcome of a send call.
type SendResult struct {
	TradeOfferID            string
	NeedsMobileConfirmation bool
	NeedsEmailConfirmation  bool
	StrError                string
}

type sendResponseDTO struct {
	TradeOfferID            string `json:"tradeofferid"`
	NeedsMobileConfirmation bool   `json:"needs_mobile_confirmation"`
	NeedsEmailConfirmation  bool   `json:"needs_email_confirmation"`
	StrError                string `json:"strError"`
}

// SendOffer posts a new trade offer to the community site's send
// endpoint. Degraded HTTP responses are classified by the transport and
// an undecodable body is returned as MalformedResponse; strError is
// passed through unclassified, since mapping it (and its numeric result
// code) to a typed error is domain logic left to tradeops.
func (c *Client) SendOffer(ctx context.Context, req SendRequest) (*SendResult, error) {
	bodyJSON, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode send body: %w", err)
	}

	form := url.Values{}
	form.Set("sessionid", req.SessionID)
	form.Set("serverid", "1")
	form.Set("partner", req.PartnerID)
	form.Set("tradeoffermessage", req.Message)
	form.Set("json_tradeoffer", string(bodyJSON))
	if req.Token != "" {
		params, _ := json.Marshal(map[string]string{"trade_offer_access_token": req.Token})
		form.Set("trade_offer_create_params", string(params))
	}
	if req.Countering != "" {
		form.Set("tradeofferid_countered", req.Countering)
	}

	data, err := c.t.Fetch(ctx, "POST", c.communityURL+"/tradeoffer/new/send", strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Referer":      c.communityURL + "/tradeoffer/new/",
	})
	if err != nil {
		return nil, err
	}

	var dto sendResponseDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, tradeerr.Wrap(tradeerr.MalformedResponse, err, "decode send response")
	}

	return &SendResult{
		TradeOfferID:            dto.TradeOfferID,
		NeedsMobileConfirmation: dto.NeedsMobileConfirmation,
		NeedsEmailConfirmation:  dto.NeedsEmailConfirmation,
		StrError:                dto.StrError,
	}, nil
}

// AcceptResult is the decoded outcome of an accept call.
type AcceptResult struct {
	TradeID                 string
	NeedsMobileConfirmation bool
	NeedsEmailConfirmation  bool
}

type acceptResponseDTO struct {
	TradeID                 string `json:"tradeid"`
	NeedsMobileConfirmation bool   `json:"needs_mobile_confirmation"`
	NeedsEmailConfirmation  bool   `json:"needs_email_confirmation"`
}

// AcceptOffer accepts a received offer by id.
func (c *Client) AcceptOffer(ctx context.Context, sessionID, partnerID, id string) (*AcceptResult, error) {
	form := url.Values{}
	form.Set("sessionid", sessionID)
	form.Set("serverid", "1")
	form.Set("tradeofferid", id)
	form.Set("partner", partnerID)
	form.Set("captcha", "")

	data, err := c.t.Fetch(ctx, "POST", fmt.Sprintf("%s/tradeoffer/%s/accept", c.communityURL, id), strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Referer":      fmt.Sprintf("%s/tradeoffer/%s/", c.communityURL, id),
	})
	if err != nil {
		return nil, err
	}

	var dto acceptResponseDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, tradeerr.Wrap(tradeerr.MalformedResponse, err, "decode accept response")
	}

	return &AcceptResult{
		TradeID:                 dto.TradeID,
		NeedsMobileConfirmation: dto.NeedsMobileConfirmation,
		NeedsEmailConfirmation:  dto.NeedsEmailConfirmation,
	}, nil
}
