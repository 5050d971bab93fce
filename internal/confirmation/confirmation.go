// Package confirmation implements the mobile-confirmation engine: key
// derivation against a time-bucketed HMAC scheme, the confirmation
// list fetch (with its single-flight latch and HTML parsing), and the
// allow/cancel operate calls used to resolve a confirmation entry.
package confirmation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/tradeoffer/internal/tradeerr"
	"github.com/nugget/tradeoffer/internal/transport"
)

// clockOffsetResetAt is the point at which the drift counter wraps
// back to zero (spec: "when clock_offset > 500, it is reset to 0").
const clockOffsetResetAt = 500

// EntryType distinguishes the kind of thing a confirmation authorizes.
type EntryType int

const (
	TypeUnknown      EntryType = 0
	TypeTrade        EntryType = 2
	TypeMarketListing EntryType = 3
)

// Op names the two operate verbs the confirmation endpoint accepts.
type Op string

const (
	OpAllow  Op = "allow"
	OpCancel Op = "cancel"
)

// Entry is one pending confirmation, as parsed from the mobile list.
type Entry struct {
	ConfID   string
	Type     EntryType
	Creator  string
	ConfKey  string
	Title    string
	Receiving string
	TimeText string
	IconURL  string
}

// DeriveFunc computes a confirmation key for (time, tag). The static
// mode (backed by internal/totp) and the dynamic mode (a caller
// supplied callback, e.g. for a remote signer) both satisfy this.
type DeriveFunc func(timeSeconds int64, tag string) (string, error)

// Engine holds confirmation-list state and the derivation callback. It
// is safe for concurrent use.
type Engine struct {
	t            *transport.Transport
	communityURL string
	accountID    uint64
	deviceID     string
	derive       DeriveFunc
	now          func() time.Time

	mu          sync.Mutex
	lastList    []Entry
	clockOffset int
	inflight    *fetchCall
}

type fetchCall struct {
	done chan struct{}
	list []Entry
	err  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommunityURL overrides the community-site base, for tests.
func WithCommunityURL(base string) Option {
	return func(e *Engine) { e.communityURL = base }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine. deviceID is typically totp.DeviceID(accountID).
func New(t *transport.Transport, accountID uint64, deviceID string, derive DeriveFunc, opts ...Option) *Engine {
	e := &Engine{
		t:            t,
		communityURL: "https://steamcommunity.com",
		accountID:    accountID,
		deviceID:     deviceID,
		derive:       derive,
		now:          time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// deriveKey applies the clock-drift policy around the configured
// DeriveFunc: each call uses wall_now + clock_offset, then increments
// clock_offset (wrapping at clockOffsetResetAt) so rapid back-to-back
// calls produce distinct 1-second-bucketed keys.
func (e *Engine) deriveKey(tag string) (string, int64, error) {
	e.mu.Lock()
	offset := e.clockOffset
	e.clockOffset++
	if e.clockOffset > clockOffsetResetAt {
		e.clockOffset = 0
	}
	e.mu.Unlock()

	t := e.now().Unix() + int64(offset)
	key, err := e.derive(t, tag)
	return key, t, err
}

// FetchList refreshes the confirmation list, serialized by a
// single-flight latch: concurrent callers await the one in-flight
// fetch and share its result rather than issuing their own requests.
func (e *Engine) FetchList(ctx context.Context) ([]Entry, error) {
	e.mu.Lock()
	if call := e.inflight; call != nil {
		e.mu.Unlock()
		<-call.done
		return call.list, call.err
	}
	call := &fetchCall{done: make(chan struct{})}
	e.inflight = call
	e.mu.Unlock()

	list, err := e.doFetch(ctx)

	e.mu.Lock()
	call.list, call.err = list, err
	if err == nil {
		e.lastList = list
	}
	e.inflight = nil
	e.mu.Unlock()
	close(call.done)

	return list, err
}

func (e *Engine) doFetch(ctx context.Context) ([]Entry, error) {
	key, t, err := e.deriveKey("conf")
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/mobileconf/conf?p=%s&a=%d&k=%s&t=%d&m=android&tag=conf",
		e.communityURL, e.deviceID, e.accountID, key, t)

	body, err := e.t.Fetch(ctx, "GET", url, nil, nil)
	if err != nil {
		return nil, err
	}

	return parseConfirmationList(string(body))
}

func parseConfirmationList(body string) ([]Entry, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, tradeerr.Wrap(tradeerr.MalformedResponse, err, "parse confirmation list")
	}

	if containsSchemeRedirectMarker(doc) {
		return nil, tradeerr.New(tradeerr.NotLoggedIn, "mobile confirmation session expired")
	}

	if emptyNode := findByClass(doc, "mobileconf_empty"); emptyNode != nil {
		if hasClass(emptyNode, "mobileconf_done") {
			return nil, tradeerr.New(tradeerr.ConfirmationFailed, textContent(findSubnode(emptyNode)))
		}
		return nil, nil
	}

	var entries []Entry
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, "mobileconf_list_entry") {
			entry, ok := parseEntry(n)
			if !ok {
				err = tradeerr.New(tradeerr.MalformedResponse, "confirmation entry missing a required attribute")
				return
			}
			entries = append(entries, entry)
		}
		for c := n.FirstChild; c != nil && err == nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func containsSchemeRedirectMarker(doc *html.Node) bool {
	return strings.Contains(textContent(doc), "mobileconf_login_transference")
}

func findByClass(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode && hasClass(n, class) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

func findSubnode(n *html.Node) *html.Node {
	if n.FirstChild != nil {
		return n.FirstChild
	}
	return n
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func parseEntry(n *html.Node) (Entry, bool) {
	confID, ok := attr(n, "data-confid")
	if !ok {
		return Entry{}, false
	}
	typeStr, ok := attr(n, "data-type")
	if !ok {
		return Entry{}, false
	}
	creator, ok := attr(n, "data-creator")
	if !ok {
		return Entry{}, false
	}
	confKey, ok := attr(n, "data-key")
	if !ok {
		return Entry{}, false
	}

	icon := findByClass(n, "mobileconf_list_entry_icon")
	title := findByClass(n, "mobileconf_list_entry_description")
	if icon == nil || title == nil {
		return Entry{}, false
	}
	iconURL, ok := findImgSrc(icon)
	if !ok {
		return Entry{}, false
	}

	descLines := textLines(title)
	if len(descLines) < 2 {
		return Entry{}, false
	}

	typeNum, _ := strconv.Atoi(typeStr)
	return Entry{
		ConfID:    confID,
		Type:      EntryType(typeNum),
		Creator:   creator,
		ConfKey:   confKey,
		Title:     descLines[0],
		Receiving: descLines[1],
		TimeText:  lastOrEmpty(descLines),
		IconURL:   iconURL,
	}, true
}

func findImgSrc(n *html.Node) (string, bool) {
	if n.Type == html.ElementNode && n.DataAtom == atom.Img {
		return attr(n, "src")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if src, ok := findImgSrc(c); ok {
			return src, ok
		}
	}
	return "", false
}

func textLines(n *html.Node) []string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return lines
}

func lastOrEmpty(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// operateResponse is the JSON shape of both ajaxop and multiajaxop.
type operateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Operate resolves one or more confirmation entries. A single entry
// uses the ajaxop GET endpoint; more than one uses the multiajaxop
// POST form endpoint.
func (e *Engine) Operate(ctx context.Context, confIDs, confKeys []string, op Op) error {
	if len(confIDs) != len(confKeys) {
		return tradeerr.New(tradeerr.InvalidState, "mismatched confirmation id/key counts")
	}
	if len(confIDs) == 0 {
		return nil
	}

	key, t, err := e.deriveKey(string(op))
	if err != nil {
		return err
	}

	var body []byte
	if len(confIDs) > 1 {
		body, err = e.multiOperate(ctx, confIDs, confKeys, op, key, t)
	} else {
		body, err = e.singleOperate(ctx, confIDs[0], confKeys[0], op, key, t)
	}
	if err != nil {
		return err
	}

	return decodeOperateResponse(body)
}

func (e *Engine) singleOperate(ctx context.Context, confID, confKey string, op Op, key string, t int64) ([]byte, error) {
	url := fmt.Sprintf("%s/mobileconf/ajaxop?op=%s&p=%s&a=%d&k=%s&t=%d&m=android&tag=%s&cid=%s&ck=%s",
		e.communityURL, op, e.deviceID, e.accountID, key, t, op, confID, confKey)
	return e.t.Fetch(ctx, "GET", url, nil, nil)
}

func (e *Engine) multiOperate(ctx context.Context, confIDs, confKeys []string, op Op, key string, t int64) ([]byte, error) {
	form := fmt.Sprintf("op=%s&p=%s&a=%d&k=%s&t=%d&m=android&tag=%s",
		op, e.deviceID, e.accountID, key, t, op)
	for _, id := range confIDs {
		form += "&cid[]=" + id
	}
	for _, ck := range confKeys {
		form += "&ck[]=" + ck
	}
	return e.t.Fetch(ctx, "POST", e.communityURL+"/mobileconf/multiajaxop", strings.NewReader(form), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
}

func decodeOperateResponse(body []byte) error {
	var resp operateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return tradeerr.New(tradeerr.ConfirmationFailed, "malformed operate response")
	}
	if resp.Success {
		return nil
	}
	if resp.Message != "" {
		return tradeerr.New(tradeerr.ConfirmationFailed, resp.Message)
	}
	return tradeerr.New(tradeerr.ConfirmationFailed, "operate call failed")
}

// RespondToOffer resolves the confirmation entry whose Creator matches
// offerID. If no cached entry matches, it fetches the list once and
// retries (one retry only) before failing ConfirmationNotFound.
func (e *Engine) RespondToOffer(ctx context.Context, offerID string, op Op) error {
	entry, ok := e.findCached(offerID)
	if !ok {
		if _, err := e.FetchList(ctx); err != nil {
			return err
		}
		entry, ok = e.findCached(offerID)
		if !ok {
			return tradeerr.New(tradeerr.ConfirmationNotFound, offerID)
		}
	}
	return e.Operate(ctx, []string{entry.ConfID}, []string{entry.ConfKey}, op)
}

func (e *Engine) findCached(creator string) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.lastList {
		if entry.Creator == creator {
			return entry, true
		}
	}
	return Entry{}, false
}

// CancelAll fetches the current list and cancels every entry in it.
func (e *Engine) CancelAll(ctx context.Context) error {
	list, err := e.FetchList(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	keys := make([]string, len(list))
	for i, entry := range list {
		ids[i] = entry.ConfID
		keys[i] = entry.ConfKey
	}
	return e.Operate(ctx, ids, keys, OpCancel)
}
