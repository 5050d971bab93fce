// Package autocancel implements the pure predicates that decide
// whether a returned offer should be auto-declined: the age-based
// cancel_active/cancel_pending rules and the quota-trim selection that
// caps how many active sent offers may be outstanding at once. Nothing
// here performs I/O; callers invoke tradeops.Decline on a positive
// predicate.
package autocancel

import (
	"sort"
	"time"

	"github.com/nugget/tradeoffer/internal/offer"
	"github.com/nugget/tradeoffer/internal/pollstore"
)

// Policy carries the manager-level knobs the predicates fall back to
// when an offer has no per-offer override recorded in the store.
type Policy struct {
	CancelTime             time.Duration
	PendingCancelTime      time.Duration
	CancelOfferCount       int
	CancelOfferCountMinAge time.Duration
}

// CancelActive reports whether o should be auto-canceled because it
// has sat Active longer than its effective cancel_time.
func CancelActive(o *offer.Offer, store *pollstore.Store, p Policy, now time.Time) bool {
	if o.State != offer.StateActive {
		return false
	}
	threshold := effectiveDuration(o.CancelAfter, p.CancelTime, store.CancelOverride, o.ID)
	if threshold <= 0 {
		return false
	}
	return now.Sub(o.UpdatedAt) >= threshold
}

// CancelPending reports whether o should be auto-canceled because it
// has awaited confirmation longer than its effective pending_cancel_time.
func CancelPending(o *offer.Offer, store *pollstore.Store, p Policy, now time.Time) bool {
	if o.State != offer.StateCreatedNeedsConfirmation {
		return false
	}
	threshold := effectiveDuration(o.PendingCancelAfter, p.PendingCancelTime, store.PendingCancelOverride, o.ID)
	if threshold <= 0 {
		return false
	}
	return now.Sub(o.CreatedAt) >= threshold
}

// effectiveDuration resolves the threshold for id: a per-offer override
// recorded in the store (milliseconds) wins, then the offer's own
// in-memory override if positive, then the manager default.
func effectiveDuration(instanceOverride, managerDefault time.Duration, storeOverride func(string) (int64, bool), id string) time.Duration {
	if ms, ok := storeOverride(id); ok {
		return time.Duration(ms) * time.Millisecond
	}
	if instanceOverride > 0 {
		return instanceOverride
	}
	return managerDefault
}

// QuotaTrim selects which active sent offer ids should be canceled to
// bring the outstanding count down to p.CancelOfferCount. candidates is
// the union of offers returned by the current tick and offers already
// recorded Active in the store; timestamps come from the store and are
// used for oldest-first ordering. Ids younger than
// CancelOfferCountMinAge are skipped even if selected by age order.
func QuotaTrim(candidates []string, store *pollstore.Store, p Policy, now time.Time) []string {
	if p.CancelOfferCount <= 0 {
		return nil
	}
	unique := dedupe(candidates)
	if len(unique) < p.CancelOfferCount {
		return nil
	}

	sortByTimestampAsc(unique, store)

	excess := len(unique) - p.CancelOfferCount
	var chosen []string
	for _, id := range unique {
		if len(chosen) >= excess {
			break
		}
		ts, ok := store.Timestamp(id)
		if ok && p.CancelOfferCountMinAge > 0 {
			age := now.Sub(time.Unix(ts, 0))
			if age < p.CancelOfferCountMinAge {
				continue
			}
		}
		chosen = append(chosen, id)
	}
	return chosen
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortByTimestampAsc(ids []string, store *pollstore.Store) {
	sort.Slice(ids, func(i, j int) bool {
		ti, _ := store.Timestamp(ids[i])
		tj, _ := store.Timestamp(ids[j])
		return ti < tj
	})
}
