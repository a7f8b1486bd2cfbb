// Package reconcile keeps the application's local snapshot of the catalog in step with the upstream API.
//
// The snapshot lives under one well-known key of a kv.Store. It is served as soon as the
// application starts, refreshed from the network when online, and written back through a
// degradation ladder so storage pressure never fails the caller.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/spdeepak/offlinecache/kv"
	"github.com/spdeepak/offlinecache/messaging"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable is returned by Refresh when there is neither network nor a local snapshot.
var ErrUnavailable = errors.New("reconcile: catalog unavailable")

// State qualifies a published listing.
type State string

const (
	// StateCached is a listing read from the local snapshot.
	StateCached State = "cached"
	// StatePartial is an in-progress refresh; more batches follow.
	StatePartial State = "partial"
	// StateReady is a complete, freshly fetched listing.
	StateReady State = "ready"
	// StateUnavailable means no data could be obtained. It is never an empty success.
	StateUnavailable State = "unavailable"
)

// Publisher receives listings for display.
type Publisher interface {
	Publish(items []Record, state State)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(items []Record, state State)

func (f PublisherFunc) Publish(items []Record, state State) { f(items, state) }

// Poster sends best-effort messages to the engine.
type Poster interface {
	Post(msg messaging.Message)
}

// Config holds reconciler settings.
type Config struct {
	// ListURL is the paginated list endpoint, e.g. "https://pokeapi.co/api/v2/pokemon".
	ListURL    string
	PageSize   int
	MaxRecords int
	BatchSize  int
	// TruncateTo is the item cap used by the last rung of the persist ladder.
	TruncateTo int
	// Projection is a gjson path applied to each detail payload. Empty keeps payloads verbatim.
	Projection string
	// KeyPrefix names the storage keys: <prefix>-snapshot, <prefix>-snapshot-time, <prefix>-last-milestone.
	KeyPrefix string
	// ObsoleteKeys are removed when a write hits the quota.
	ObsoleteKeys []string
	Milestones   []int
	HTTPClient   *http.Client
}

// DefaultConfig returns the settings used for the public catalog API.
func DefaultConfig() Config {
	return Config{
		ListURL:    "https://pokeapi.co/api/v2/pokemon",
		PageSize:   100,
		MaxRecords: 1000,
		BatchSize:  50,
		TruncateTo: 500,
		Projection: DefaultProjection,
		KeyPrefix:  "catalog",
		ObsoleteKeys: []string{
			"pokemonCache", "pokemonCacheTimestamp",
			"pokepwa-pokemon-data", "pokepwa-pokemon-timestamp",
		},
		Milestones: []int{100, 250, 500, 750, 1000},
	}
}

// Reconciler owns the snapshot keys of a kv.Store.
type Reconciler struct {
	cfg       Config
	store     kv.Store
	publisher Publisher
	poster    Poster
	upstream  *upstream

	mu     sync.Mutex
	loaded *Snapshot
}

// New creates a reconciler. Zero config fields take DefaultConfig values. poster may be nil.
func New(store kv.Store, publisher Publisher, poster Poster, cfg Config) *Reconciler {
	d := DefaultConfig()
	if cfg.ListURL == "" {
		cfg.ListURL = d.ListURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = d.PageSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.TruncateTo <= 0 {
		cfg.TruncateTo = d.TruncateTo
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = d.KeyPrefix
	}
	if cfg.Milestones == nil {
		cfg.Milestones = d.Milestones
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if publisher == nil {
		publisher = PublisherFunc(func([]Record, State) {})
	}
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		poster:    poster,
		upstream: &upstream{
			client:     cfg.HTTPClient,
			listURL:    cfg.ListURL,
			pageSize:   cfg.PageSize,
			maxRecords: cfg.MaxRecords,
			projection: cfg.Projection,
		},
	}
}

func (r *Reconciler) snapshotKey() string  { return r.cfg.KeyPrefix + "-snapshot" }
func (r *Reconciler) timestampKey() string { return r.cfg.KeyPrefix + "-snapshot-time" }
func (r *Reconciler) milestoneKey() string { return r.cfg.KeyPrefix + "-last-milestone" }

// Load reads the persisted snapshot. A snapshot that cannot be parsed is deleted and reported absent.
func (r *Reconciler) Load(ctx context.Context) (*Snapshot, bool) {
	raw, ok, err := r.store.Get(ctx, r.snapshotKey())
	if err != nil {
		slog.Error("Failed to read snapshot", slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		slog.Warn("Discarding corrupt snapshot", slog.Any("error", err))
		r.deleteSnapshot(ctx)
		return nil, false
	}
	r.setLoaded(&snapshot)
	return &snapshot, true
}

// LoadAndServeImmediately publishes the persisted snapshot, if any, before any network activity.
func (r *Reconciler) LoadAndServeImmediately(ctx context.Context) bool {
	snapshot, ok := r.Load(ctx)
	if !ok {
		return false
	}
	r.publisher.Publish(cloneItems(snapshot.Items), StateCached)
	return true
}

// Refresh brings the listing up to date. Offline with a snapshot it does nothing; offline without
// one it publishes StateUnavailable and returns ErrUnavailable. Online it refetches the whole
// catalog in sequential batches, publishing after each one, then persists the result.
func (r *Reconciler) Refresh(ctx context.Context, online bool) error {
	current := r.current(ctx)
	if !online {
		if current != nil {
			return nil
		}
		r.publisher.Publish(nil, StateUnavailable)
		return ErrUnavailable
	}

	items, err := r.fetchAll(ctx)
	if err != nil {
		slog.Error("Catalog refresh failed", slog.Any("error", err))
		if current != nil {
			r.publisher.Publish(cloneItems(current.Items), StateCached)
		} else {
			r.publisher.Publish(nil, StateUnavailable)
		}
		return fmt.Errorf("refresh: %w", err)
	}

	r.publisher.Publish(cloneItems(items), StateReady)
	r.Persist(ctx, Snapshot{Items: items, StoredAtEpochMs: time.Now().UnixMilli()})
	r.checkMilestones(ctx, len(items))
	return nil
}

// Start serves the local snapshot and then refreshes.
func (r *Reconciler) Start(ctx context.Context, online bool) error {
	r.LoadAndServeImmediately(ctx)
	return r.Refresh(ctx, online)
}

func (r *Reconciler) fetchAll(ctx context.Context) ([]Record, error) {
	urls, err := r.upstream.listDetailURLs(ctx)
	if err != nil {
		return nil, err
	}
	batches := (len(urls) + r.cfg.BatchSize - 1) / r.cfg.BatchSize
	items := make([]Record, 0, len(urls))
	for start := 0; start < len(urls); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(urls))
		slog.Debug("Loading batch", slog.Int("batch", start/r.cfg.BatchSize+1), slog.Int("of", batches))

		items = append(items, r.fetchBatch(ctx, urls[start:end])...)
		r.publisher.Publish(cloneItems(items), StatePartial)

		// yield so the UI can render the partial listing
		runtime.Gosched()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if len(urls) > 0 && len(items) == 0 {
		return nil, fmt.Errorf("no record of %d could be fetched", len(urls))
	}
	return items, nil
}

// fetchBatch fetches every detail URL concurrently. A failed item is dropped; the rest keep their order.
func (r *Reconciler) fetchBatch(ctx context.Context, urls []string) []Record {
	results := make([]*Record, len(urls))
	var g errgroup.Group
	for i, detailURL := range urls {
		g.Go(func() error {
			record, err := r.upstream.fetchRecord(ctx, detailURL)
			if err != nil {
				slog.Warn("Dropping record", slog.String("url", detailURL), slog.Any("error", err))
				return nil
			}
			results[i] = &record
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Record, 0, len(urls))
	for _, record := range results {
		if record != nil {
			out = append(out, *record)
		}
	}
	return out
}

// Persist writes snapshot and returns what was stored. When the quota is exceeded it removes
// obsolete keys and retries, then retries with Items cut to TruncateTo, then gives up. It never fails
// the caller; on total failure it returns an empty snapshot and the previous one stays in storage.
func (r *Reconciler) Persist(ctx context.Context, snapshot Snapshot) Snapshot {
	err := r.write(ctx, snapshot)
	if err == nil {
		return snapshot
	}
	if !errors.Is(err, kv.ErrQuotaExceeded) {
		slog.Error("Failed to persist snapshot", slog.Any("error", err))
		return Snapshot{}
	}

	slog.Warn("Snapshot exceeds storage quota, removing obsolete keys", slog.Int("items", len(snapshot.Items)))
	for _, key := range r.cfg.ObsoleteKeys {
		if err := r.store.Delete(ctx, key); err != nil {
			slog.Warn("Failed to delete obsolete key", slog.String("key", key), slog.Any("error", err))
		}
	}
	if err = r.write(ctx, snapshot); err == nil {
		return snapshot
	}

	if len(snapshot.Items) > r.cfg.TruncateTo {
		reduced := Snapshot{Items: snapshot.Items[:r.cfg.TruncateTo], StoredAtEpochMs: snapshot.StoredAtEpochMs}
		slog.Warn("Persisting truncated snapshot", slog.Int("items", len(reduced.Items)))
		if err = r.write(ctx, reduced); err == nil {
			return reduced
		}
	}

	slog.Error("Snapshot not persisted", slog.Any("error", err))
	return Snapshot{}
}

func (r *Reconciler) write(ctx context.Context, snapshot Snapshot) error {
	if snapshot.Items == nil {
		snapshot.Items = []Record{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.store.Set(ctx, r.snapshotKey(), string(data)); err != nil {
		return err
	}
	r.setLoaded(&snapshot)
	if err := r.store.Set(ctx, r.timestampKey(), strconv.FormatInt(snapshot.StoredAtEpochMs, 10)); err != nil {
		slog.Warn("Failed to write snapshot time", slog.Any("error", err))
	}
	return nil
}

func (r *Reconciler) deleteSnapshot(ctx context.Context) {
	for _, key := range []string{r.snapshotKey(), r.timestampKey()} {
		if err := r.store.Delete(ctx, key); err != nil {
			slog.Warn("Failed to delete snapshot key", slog.String("key", key), slog.Any("error", err))
		}
	}
	r.setLoaded(nil)
}

// checkMilestones records the highest threshold reached and asks the engine to notify once per threshold.
func (r *Reconciler) checkMilestones(ctx context.Context, count int) {
	last := 0
	if raw, ok, err := r.store.Get(ctx, r.milestoneKey()); err == nil && ok {
		last, _ = strconv.Atoi(raw)
	}
	for _, milestone := range r.cfg.Milestones {
		if count < milestone || last >= milestone {
			continue
		}
		if err := r.store.Set(ctx, r.milestoneKey(), strconv.Itoa(milestone)); err != nil {
			slog.Warn("Failed to record milestone", slog.Int("milestone", milestone), slog.Any("error", err))
		}
		last = milestone
		if r.poster != nil {
			r.poster.Post(messaging.Message{
				Type:  messaging.TypeShowNotification,
				Title: fmt.Sprintf("%d records cached", milestone),
				Options: &messaging.NotificationOptions{
					Body: fmt.Sprintf("Your catalog now holds %d records offline.", milestone),
					Tag:  "milestone-" + strconv.Itoa(milestone),
					Data: map[string]any{"type": "milestone", "milestone": milestone},
				},
			})
		}
	}
}

func (r *Reconciler) current(ctx context.Context) *Snapshot {
	r.mu.Lock()
	loaded := r.loaded
	r.mu.Unlock()
	if loaded != nil {
		return loaded
	}
	snapshot, _ := r.Load(ctx)
	return snapshot
}

func (r *Reconciler) setLoaded(snapshot *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = snapshot
}

func cloneItems(items []Record) []Record {
	return append([]Record(nil), items...)
}
