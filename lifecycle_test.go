package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/spdeepak/offlinecache/cache"
	"github.com/spdeepak/offlinecache/messaging"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []messaging.Message
}

func (b *recordingBroadcaster) Broadcast(msg messaging.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func versionedEngine(t *testing.T, partitions cache.Manager, network http.RoundTripper, version int) *Engine {
	t.Helper()
	e, err := New(partitions, &Config{Origin: testOrigin, Version: version, Network: network, MediaPlaceholder: true})
	if err != nil {
		t.Fatalf("new engine v%d: %v", version, err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func partitionNames(t *testing.T, partitions cache.Manager) []string {
	t.Helper()
	names, err := partitions.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	slices.Sort(names)
	return names
}

func TestRegisterInstallsAndActivatesFirstEngine(t *testing.T) {
	ctx := context.Background()
	partitions := cache.NewMemoryManager(1)
	if _, err := partitions.Open(ctx, "catalog-shell-v0"); err != nil {
		t.Fatalf("open obsolete partition: %v", err)
	}
	if _, err := partitions.Open(ctx, "other-app"); err != nil {
		t.Fatalf("open foreign partition: %v", err)
	}
	clients := &recordingBroadcaster{}
	reg := NewRegistration(clients)
	network := catalogSite()
	e := versionedEngine(t, partitions, network, 1)

	if err := reg.Register(ctx, e); err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Active() != e || reg.State(e) != StateActivated {
		t.Fatalf("expected v1 active, got state %s", reg.State(e))
	}
	if got := partitionNames(t, partitions); !slices.Equal(got, []string{"catalog-api-v1", "catalog-media-v1", "catalog-shell-v1"}) {
		t.Fatalf("activation must leave only current partitions, got %v", got)
	}
	if clients.count() != 1 || clients.msgs[0].Type != messaging.TypeControllerChanged {
		t.Fatalf("expected controller change broadcast, got %v", clients.msgs)
	}

	shell, err := partitions.Open(ctx, "catalog-shell-v1")
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	keys, err := shell.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	for _, want := range []string{"GET https://catalog.example/", "GET https://catalog.example/index.html", "GET https://catalog.example/manifest.json"} {
		if !slices.Contains(keys, want) {
			t.Fatalf("expected %s precached, got %v", want, keys)
		}
	}

	// precached shell answers offline navigations through the registration
	network.offline.Store(true)
	resp, body := fetch(t, reg, testOrigin+"/catalog/1", "Sec-Fetch-Mode", "navigate")
	if resp.Header.Get("X-Cache-Status") != "HIT" || body != "/ #1" {
		t.Fatalf("expected precached root, got %s %q", resp.Header.Get("X-Cache-Status"), body)
	}
}

func TestPrecacheFailureDoesNotFailInstall(t *testing.T) {
	network := catalogSite()
	network.offline.Store(true)
	reg := NewRegistration(nil)
	e := versionedEngine(t, cache.NewMemoryManager(1), network, 1)

	if err := reg.Register(context.Background(), e); err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Active() != e {
		t.Fatal("expected engine to activate without precached resources")
	}
}

func TestNewVersionWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	partitions := cache.NewMemoryManager(1)
	clients := &recordingBroadcaster{}
	reg := NewRegistration(clients)
	network := catalogSite()
	v1 := versionedEngine(t, partitions, network, 1)
	v2 := versionedEngine(t, partitions, network, 2)

	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if reg.Active() != v1 || reg.Waiting() != v2 || reg.State(v2) != StateInstalled {
		t.Fatalf("expected v2 waiting behind v1, got state %s", reg.State(v2))
	}
	// both versions coexist until the switch
	if got := len(partitionNames(t, partitions)); got != 6 {
		t.Fatalf("expected partitions of both versions, got %d", got)
	}

	reg.HandleMessage(ctx, messaging.Message{Type: messaging.TypeSkipWaiting})

	if reg.Active() != v2 || reg.Waiting() != nil {
		t.Fatal("expected v2 active after skip waiting")
	}
	if reg.State(v1) != StateRedundant || reg.State(v2) != StateActivated {
		t.Fatalf("unexpected states v1=%s v2=%s", reg.State(v1), reg.State(v2))
	}
	if got := partitionNames(t, partitions); !slices.Equal(got, []string{"catalog-api-v2", "catalog-media-v2", "catalog-shell-v2"}) {
		t.Fatalf("expected only v2 partitions, got %v", got)
	}
	if clients.count() != 2 {
		t.Fatalf("expected a controller change per activation, got %d", clients.count())
	}
}

func TestSkipWaitingBeforeInstallActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	partitions := cache.NewMemoryManager(1)
	reg := NewRegistration(nil)
	network := catalogSite()
	v1 := versionedEngine(t, partitions, network, 1)
	v2 := versionedEngine(t, partitions, network, 2)

	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := reg.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if reg.Active() != v2 {
		t.Fatal("expected v2 to activate without waiting")
	}
}

func TestRegistrationWithoutActiveEngine(t *testing.T) {
	reg := NewRegistration(nil)

	resp, body := fetch(t, reg, testOrigin+"/")
	if resp.StatusCode != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("expected 503, got %d %s", resp.StatusCode, body)
	}

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
