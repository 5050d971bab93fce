// Package persistence ships one concrete implementation of the two
// callback pairs spec.md §6 treats as opaque collaborators:
// loadCookies/saveCookies and loadPollData/savePollData, both keyed by
// username. Both pairs share one SQLite file (mattn/go-sqlite3) and one
// table keyed by (kind, username) — this domain only ever persists two kinds of blob
// (a cookie jar snapshot, a poll-data snapshot), so there is no call
// for a general-purpose namespaced key-value layer underneath it.
// Callers may substitute their own callback pair — pollstore.Store and
// the manager depend only on the callback function types, not on this
// package.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/tradeoffer/internal/pollstore"
)

const (
	kindCookies  = "cookies"
	kindPollData = "polldata"
)

// SQLiteStore backs both callback pairs with a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or attaches to) a SQLite-backed persistence store at
// dbPath. The schema is created automatically on first use.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", dbPath, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS agent_state (
		kind     TEXT NOT NULL,
		username TEXT NOT NULL,
		value    TEXT NOT NULL,
		PRIMARY KEY (kind, username)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) get(kind, username string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM agent_state WHERE kind = ? AND username = ?`,
		kind, username,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", kind, username, err)
	}
	return value, nil
}

func (s *SQLiteStore) set(kind, username, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_state (kind, username, value) VALUES (?, ?, ?)
		 ON CONFLICT (kind, username) DO UPDATE SET value = excluded.value`,
		kind, username, value,
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", kind, username, err)
	}
	return nil
}

// cookieRecord is the JSON shape stored under kindCookies: a flat list
// of cookies plus the URL they were captured against, since
// http.CookieJar has no direct serialization support.
type cookieRecord struct {
	URL     string         `json:"url"`
	Cookies []*http.Cookie `json:"cookies"`
}

// LoadCookies returns a jar pre-populated with whatever was last saved
// for username, or an empty jar if nothing was persisted yet.
func (s *SQLiteStore) LoadCookies(username string, communityURL string) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	raw, err := s.get(kindCookies, username)
	if err != nil {
		return nil, fmt.Errorf("persistence: load cookies for %s: %w", username, err)
	}
	if raw == "" {
		return jar, nil
	}

	var rec cookieRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("persistence: decode cookies for %s: %w", username, err)
	}

	u, err := url.Parse(rec.URL)
	if err != nil {
		return jar, nil
	}
	jar.SetCookies(u, rec.Cookies)
	return jar, nil
}

// SaveCookies persists every cookie jar holds for communityURL under username.
func (s *SQLiteStore) SaveCookies(jar http.CookieJar, username string, communityURL string) error {
	u, err := url.Parse(communityURL)
	if err != nil {
		return fmt.Errorf("persistence: parse community URL: %w", err)
	}

	rec := cookieRecord{URL: communityURL, Cookies: jar.Cookies(u)}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: encode cookies for %s: %w", username, err)
	}

	if err := s.set(kindCookies, username, string(data)); err != nil {
		return fmt.Errorf("persistence: save cookies for %s: %w", username, err)
	}
	return nil
}

// LoadPollData implements pollstore.LoadFunc.
func (s *SQLiteStore) LoadPollData(username string) (*pollstore.Data, error) {
	raw, err := s.get(kindPollData, username)
	if err != nil {
		return nil, fmt.Errorf("persistence: load poll data for %s: %w", username, err)
	}
	if raw == "" {
		return nil, nil
	}

	var data pollstore.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("persistence: decode poll data for %s: %w", username, err)
	}
	return &data, nil
}

// SavePollData implements pollstore.SaveFunc.
func (s *SQLiteStore) SavePollData(data pollstore.Data, username string) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("persistence: encode poll data for %s: %w", username, err)
	}
	if err := s.set(kindPollData, username, string(encoded)); err != nil {
		return fmt.Errorf("persistence: save poll data for %s: %w", username, err)
	}
	return nil
}
