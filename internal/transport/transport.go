// Package transport is the cookie-aware HTTP fetch wrapper the
// offer-lifecycle engine issues every remote call through. It pairs a
// shared httpkit client with a response validator that sniffs HTML
// bodies for the handful of degraded-response shapes the remote
// community site is known to return: session-expired redirects,
// family-view locks, and a few inline error markers.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/tradeoffer/internal/httpkit"
	"github.com/nugget/tradeoffer/internal/tradeerr"
)

// maxErrorBody bounds how much of a response body the validator will
// buffer for inspection.
const maxErrorBody = 1 << 20 // 1 MiB

// Transport issues authenticated HTTP requests against the remote
// community site and classifies degraded responses.
type Transport struct {
	client *http.Client
	jar    http.CookieJar
	logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger attaches a logger for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithHTTPClient overrides the underlying http.Client entirely,
// primarily for tests that need a custom RoundTripper.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithCookieJar seeds the Transport with a previously persisted jar
// (see internal/persistence.LoadCookies) instead of starting with an
// empty one, so a restarted process can resume an authenticated
// session without re-logging in.
func WithCookieJar(jar http.CookieJar) Option {
	return func(t *Transport) { t.jar = jar }
}

// New builds a Transport with a fresh cookie jar (unless WithCookieJar
// supplies one) and the shared httpkit client, retrying transient
// connection errors.
func New(opts ...Option) (*Transport, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		jar:    jar,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if t.client == nil {
		t.client = httpkit.NewClient(
			httpkit.WithCookieJar(t.jar),
			httpkit.WithRetry(2, 0),
		)
	}
	return t, nil
}

// Fetch issues an HTTP request and returns the validated body bytes.
// On a degraded response it returns a *tradeerr.Error describing the
// classified failure instead of the raw status.
func (t *Transport) Fetch(ctx context.Context, method, url string, body io.Reader, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, maxErrorBody)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, err
	}

	t.logger.Log(ctx, slog.Level(-8), "fetch response", // config.LevelTrace
		"method", method, "url", url, "status", resp.StatusCode, "body", string(data))

	if err := validate(resp, data); err != nil {
		return data, err
	}
	return data, nil
}

// CookieJar exposes the session-tracking jar so callers can snapshot
// or restore it via the persistence callbacks.
func (t *Transport) CookieJar() http.CookieJar { return t.jar }

func validate(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if strings.Contains(loc, "/login") {
			return tradeerr.New(tradeerr.NotLoggedIn, "redirected to login")
		}
	}

	text := string(body)

	if resp.StatusCode == http.StatusForbidden && strings.Contains(text, "family view") {
		return tradeerr.New(tradeerr.FamilyViewRestricted, "account is family-view locked")
	}

	if strings.Contains(text, "<h1>Sorry!</h1>") {
		if msg := extractTag(text, atom.H3); msg != "" {
			return tradeerr.New(tradeerr.HTTPError, msg)
		}
		return tradeerr.New(tradeerr.HTTPError, "Sorry! (no detail found)")
	}

	if strings.Contains(text, "g_steamID = false;") && strings.Contains(text, "Sign In") {
		return tradeerr.New(tradeerr.NotLoggedIn, "g_steamID is false")
	}

	if msg, ok := extractErrorDiv(text); ok {
		return tradeerr.New(tradeerr.HTTPError, msg)
	}

	if resp.StatusCode >= 400 {
		return tradeerr.WithCode(tradeerr.HTTPError, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return nil
}

// extractTag returns the text content of the first element with the
// given atom, or "" if none is found or the body does not parse.
func extractTag(body string, want atom.Atom) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var found string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == want {
			found = textContent(n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(found)
}

// extractErrorDiv returns the text content of <div id="error_msg">, if present.
func extractErrorDiv(body string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	var found string
	var ok bool
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if ok {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Div {
			for _, a := range n.Attr {
				if a.Key == "id" && a.Val == "error_msg" {
					found = textContent(n)
					ok = true
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(found), ok
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
