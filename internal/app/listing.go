package app

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/spdeepak/offlinecache/reconcile"
)

// Listing keeps the most recent catalog publication and serves it as JSON.
type Listing struct {
	mu    sync.RWMutex
	items []reconcile.Record
	state reconcile.State
}

type listingBody struct {
	State reconcile.State    `json:"state"`
	Count int                `json:"count"`
	Items []reconcile.Record `json:"items"`
}

// Publish implements reconcile.Publisher.
func (l *Listing) Publish(items []reconcile.Record, state reconcile.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = items
	l.state = state
}

// Snapshot returns the current items and their state.
func (l *Listing) Snapshot() ([]reconcile.Record, reconcile.State) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]reconcile.Record(nil), l.items...), l.state
}

func (l *Listing) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	items, state := l.Snapshot()
	if items == nil {
		items = []reconcile.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if state == reconcile.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(listingBody{State: state, Count: len(items), Items: items})
}
