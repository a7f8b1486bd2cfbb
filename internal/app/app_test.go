package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spdeepak/offlinecache"
	"github.com/spdeepak/offlinecache/internal/config"
	"github.com/spdeepak/offlinecache/reconcile"
)

// catalogAPI serves a paginated list of total records and their detail documents.
func catalogAPI(total int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/pokemon", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		var results []map[string]string
		for id := offset + 1; id <= total && id <= offset+limit; id++ {
			results = append(results, map[string]string{
				"name": fmt.Sprintf("mon-%d", id),
				"url":  fmt.Sprintf("https://pokeapi.co/api/v2/pokemon/%d", id),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"count": total, "next": nil, "results": results})
	})
	mux.HandleFunc("/api/v2/pokemon/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":%s,"name":"mon-%s","height":4}`, r.PathValue("id"), r.PathValue("id"))
	})
	return mux
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"index.html":    "<html>catalog</html>",
		"manifest.json": `{"short_name":"Catalog"}`,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	cfg := config.DefaultConfig()
	cfg.Server.StaticDir = dir
	cfg.Catalog.MaxRecords = 3
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, Options{Upstream: offlinecache.HandlerTransport{Handler: catalogAPI(3)}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func get(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNewActivatesEngineAndPrecachesShell(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	active := a.Registration().Active()
	if active == nil || a.Registration().State(active) != offlinecache.StateActivated {
		t.Fatal("expected an active engine")
	}

	rec := get(t, a.Handler(), "/manifest.json")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache-Status") != "HIT" {
		t.Fatalf("expected precached manifest, got %d %s", rec.Code, rec.Header().Get("X-Cache-Status"))
	}
	if rec.Body.String() != `{"short_name":"Catalog"}` {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestIndexDocumentIsPrecached(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := get(t, a.Handler(), "/index.html")
	if rec.Code != http.StatusOK || rec.Header().Get("X-Cache-Status") != "HIT" {
		t.Fatalf("expected precached index document, got %d %s", rec.Code, rec.Header().Get("X-Cache-Status"))
	}
	if rec.Body.String() != "<html>catalog</html>" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestStaticSiteServesIndexInPlace(t *testing.T) {
	site := newStaticSite(testConfig(t).Server.StaticDir)

	rec := get(t, site, "/index.html")
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>catalog</html>" {
		t.Fatalf("expected index document, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, site, "/manifest.json"); rec.Code != http.StatusOK {
		t.Fatalf("expected manifest, got %d", rec.Code)
	}
	if rec := get(t, site, "/missing.js"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRefreshPublishesListing(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	items, state := a.Listing().Snapshot()
	if state != reconcile.StateReady || len(items) != 3 {
		t.Fatalf("unexpected listing %s %d", state, len(items))
	}

	rec := get(t, a.Handler(), "/_catalog")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body struct {
		State string            `json:"state"`
		Count int               `json:"count"`
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if body.State != "ready" || body.Count != 3 || len(body.Items) != 3 {
		t.Fatalf("unexpected listing body %s", rec.Body.String())
	}
}

func TestOfflineWithoutSnapshotIsUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Offline = true
	a := newTestApp(t, cfg)

	if err := a.Refresh(context.Background()); !errors.Is(err, reconcile.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if rec := get(t, a.Handler(), "/_catalog"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSQLiteStorage(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.Storage.Type = "sqlite"
	cfg.Storage.Path = filepath.Join(dir, "partitions.db")
	cfg.Storage.KVPath = filepath.Join(dir, "kv.db")
	a := newTestApp(t, cfg)

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec := get(t, a.Handler(), "/manifest.json"); rec.Header().Get("X-Cache-Status") != "HIT" {
		t.Fatalf("expected precached manifest, got %s", rec.Header().Get("X-Cache-Status"))
	}
}

func TestNewRejectsMissingStaticDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.StaticDir = filepath.Join(t.TempDir(), "missing")

	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected error for missing static dir")
	}
}
