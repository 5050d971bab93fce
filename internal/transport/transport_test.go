package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/tradeoffer/internal/tradeerr"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) (*Transport, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tr, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr, srv
}

func TestFetch_Success(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	defer srv.Close()

	data, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Fetch() body = %q", data)
	}
}

func TestFetch_LoginRedirect(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://steamcommunity.com/login/home")
		w.WriteHeader(http.StatusFound)
	})
	defer srv.Close()

	tr.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	_, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !tradeerr.Is(err, tradeerr.NotLoggedIn) {
		t.Errorf("Fetch() error = %v, want NotLoggedIn", err)
	}
}

func TestFetch_FamilyView(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html>this account is under family view restrictions</html>"))
	})
	defer srv.Close()

	_, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !tradeerr.Is(err, tradeerr.FamilyViewRestricted) {
		t.Errorf("Fetch() error = %v, want FamilyViewRestricted", err)
	}
}

func TestFetch_SorryPage(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<html><body><h1>Sorry!</h1><h3>Something went wrong</h3></body></html>`))
	})
	defer srv.Close()

	_, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !tradeerr.Is(err, tradeerr.HTTPError) {
		t.Fatalf("Fetch() error = %v, want HTTPError", err)
	}
	if !strings.Contains(err.Error(), "Something went wrong") {
		t.Errorf("Fetch() error = %v, want it to contain extracted h3 text", err)
	}
}

func TestFetch_SteamIDFalse(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>g_steamID = false; Sign In</html>`))
	})
	defer srv.Close()

	_, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !tradeerr.Is(err, tradeerr.NotLoggedIn) {
		t.Errorf("Fetch() error = %v, want NotLoggedIn", err)
	}
}

func TestFetch_ErrorMsgDiv(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><div id="error_msg">You cannot trade with this user.</div></html>`))
	})
	defer srv.Close()

	_, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "You cannot trade with this user.") {
		t.Errorf("Fetch() error = %v, want error_msg text", err)
	}
}

func TestFetch_GenericHTTPError(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	defer srv.Close()

	_, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !tradeerr.Is(err, tradeerr.HTTPError) {
		t.Errorf("Fetch() error = %v, want HTTPError", err)
	}
}

func TestFetch_CookiesPersistAcrossCalls(t *testing.T) {
	tr, srv := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "abc"})
			return
		}
		cookie, err := r.Cookie("sessionid")
		if err != nil || cookie.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	defer srv.Close()

	if _, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL+"/set", nil, nil); err != nil {
		t.Fatalf("Fetch(/set) error = %v", err)
	}
	if _, err := tr.Fetch(context.Background(), http.MethodGet, srv.URL+"/check", nil, nil); err != nil {
		t.Fatalf("Fetch(/check) error = %v", err)
	}
}
