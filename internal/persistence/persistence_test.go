package persistence

import (
	"net/http"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/pollstore"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "persistence_test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadPollData_Missing(t *testing.T) {
	s := testStore(t)

	data, err := s.LoadPollData("nugget")
	if err != nil {
		t.Fatalf("LoadPollData() error: %v", err)
	}
	if data != nil {
		t.Errorf("LoadPollData() = %+v, want nil for unknown username", data)
	}
}

func TestSaveAndLoadPollData_RoundTrips(t *testing.T) {
	s := testStore(t)

	want := pollstore.Data{
		Sent:               map[string]offer.State{"111": offer.StateActive},
		Received:           map[string]offer.State{"222": offer.StateAccepted},
		Timestamps:         map[string]int64{"111": 1000, "222": 2000},
		CancelTimes:        map[string]int64{"111": 60000},
		PendingCancelTimes: map[string]int64{},
		OffersSince:        1700000000,
	}

	if err := s.SavePollData(want, "nugget"); err != nil {
		t.Fatalf("SavePollData() error: %v", err)
	}

	got, err := s.LoadPollData("nugget")
	if err != nil {
		t.Fatalf("LoadPollData() error: %v", err)
	}
	if got == nil {
		t.Fatal("LoadPollData() = nil, want populated data")
	}
	if got.Sent["111"] != offer.StateActive || got.Received["222"] != offer.StateAccepted {
		t.Errorf("LoadPollData() = %+v, want matching sent/received maps", got)
	}
	if got.OffersSince != want.OffersSince {
		t.Errorf("OffersSince = %d, want %d", got.OffersSince, want.OffersSince)
	}
}

func TestSaveAndLoadCookies_RoundTrips(t *testing.T) {
	s := testStore(t)
	const communityURL = "https://steamcommunity.com"

	jar, err := s.LoadCookies("nugget", communityURL)
	if err != nil {
		t.Fatalf("LoadCookies() error: %v", err)
	}

	u, _ := url.Parse(communityURL)
	jar.SetCookies(u, []*http.Cookie{{Name: "sessionid", Value: "abc123"}})

	if err := s.SaveCookies(jar, "nugget", communityURL); err != nil {
		t.Fatalf("SaveCookies() error: %v", err)
	}

	restored, err := s.LoadCookies("nugget", communityURL)
	if err != nil {
		t.Fatalf("LoadCookies() (reload) error: %v", err)
	}

	cookies := restored.Cookies(u)
	found := false
	for _, c := range cookies {
		if c.Name == "sessionid" && c.Value == "abc123" {
			found = true
		}
	}
	if !found {
		t.Errorf("LoadCookies() after save = %+v, want sessionid=abc123", cookies)
	}
}

func TestLoadCookies_EmptyJarWhenUnset(t *testing.T) {
	s := testStore(t)

	jar, err := s.LoadCookies("nobody", "https://steamcommunity.com")
	if err != nil {
		t.Fatalf("LoadCookies() error: %v", err)
	}
	u, _ := url.Parse("https://steamcommunity.com")
	if got := jar.Cookies(u); len(got) != 0 {
		t.Errorf("Cookies() = %v, want empty for never-saved username", got)
	}
}
