package offlinecache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/spdeepak/offlinecache/cache"
)

// Engine intercepts requests, classifies them, and answers from the partitions or the network
// according to the request's strategy. It implements http.RoundTripper so an http.Client can route
// its outgoing calls through it, and Handler serves the same logic to browsers.
//
// Every request resolves to a response: network failures end in a cached copy, an offline
// document, a placeholder, or a synthetic error status.
type Engine struct {
	cfg        *Config
	partitions cache.Manager
	rules      ClassifierRules
	origin     *url.URL
	tasks      *TaskGroup

	shell, api, media string

	mu     sync.Mutex
	opened map[string]cache.Partition

	// revalidating holds the partition|key pairs with a refresh in flight. A key is claimed before
	// a task slot is taken, so repeated hits on one key never hold more than one slot.
	revalidating map[string]struct{}
}

// New builds an engine over partitions. Unset cfg fields take DefaultConfig values.
func New(partitions cache.Manager, cfg *Config) (*Engine, error) {
	if partitions == nil {
		return nil, fmt.Errorf("partition manager is required")
	}
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        resolved,
		partitions: partitions,
		rules:      RulesFromConfig(resolved),
		tasks:      NewTaskGroup(resolved.MaxBackgroundTasks),
		shell:      resolved.partitionName(cache.RoleShell),
		api:        resolved.partitionName(cache.RoleAPI),
		media:      resolved.partitionName(cache.RoleMedia),
		opened:     make(map[string]cache.Partition),

		revalidating: make(map[string]struct{}),
	}
	if resolved.Origin != "" {
		e.origin, _ = parseOrigin(resolved.Origin)
	}
	return e, nil
}

// Config returns the resolved configuration. Callers must not modify it.
func (e *Engine) Config() *Config { return e.cfg }

// RoundTrip implements http.RoundTripper. The returned error is always nil.
func (e *Engine) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	strategy := Passthrough
	defer func() {
		// recover handler panics so the caller still gets a response
		if p := recover(); p != nil {
			slog.Error("Request handling panicked", slog.String("url", req.URL.String()), slog.Any("panic", p))
			resp = e.tagged(serviceUnavailable(req), statusFallback)
			resp.Header.Set("X-Cache-Strategy", strategy.String())
			err = nil
		}
	}()

	resolved := e.resolve(req)
	key := e.cfg.KeyGenerator(resolved)
	if key != "" && (resolved.Method == "" || resolved.Method == http.MethodGet) {
		strategy = Classify(resolved, e.rules)
	}

	resp, err = firstResponse(resolved.Context(), resolved, e.chain(strategy, resolved, key)...)
	if err != nil {
		resp = e.tagged(serviceUnavailable(resolved), statusFallback)
	}
	resp.Header.Set("X-Cache-Strategy", strategy.String())
	return resp, nil
}

// Handler serves requests addressed to the origin through the engine.
func (e *Engine) Handler() http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		out := request.Clone(request.Context())
		out.RequestURI = ""
		resp, _ := e.RoundTrip(out)
		writeResponse(responseWriter, resp)
	})
}

// Wait blocks until pending background revalidations finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	return e.tasks.Wait(ctx)
}

// Close stops background work. It does not close the partition manager.
func (e *Engine) Close(ctx context.Context) error {
	return e.tasks.Close(ctx)
}

// resolve makes relative request URLs absolute against the origin.
func (e *Engine) resolve(req *http.Request) *http.Request {
	if req.URL == nil || req.URL.IsAbs() || e.origin == nil {
		return req
	}
	out := req.Clone(req.Context())
	out.URL = e.origin.ResolveReference(req.URL)
	out.Host = ""
	return out
}

// keyFor returns the request key of the same-origin document at path.
func (e *Engine) keyFor(req *http.Request, path string) string {
	u := *req.URL
	u.Path, u.RawPath, u.RawQuery, u.Fragment = path, "", "", ""
	return e.cfg.KeyGenerator(&http.Request{Method: http.MethodGet, URL: &u, Header: req.Header})
}

func (e *Engine) partition(ctx context.Context, name string) (cache.Partition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.opened[name]; ok {
		return p, nil
	}
	p, err := e.partitions.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	e.opened[name] = p
	return p, nil
}

// send forwards req to the network under ctx.
func (e *Engine) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	return e.cfg.Network.RoundTrip(out)
}

func (e *Engine) fetch(ctx context.Context, req *http.Request) (*capturedResponse, error) {
	resp, err := e.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return capture(resp, e.cfg.MaxBodyBytes)
}

// store writes a cacheable response as a whole entry. Failures are logged, never returned.
func (e *Engine) store(ctx context.Context, partition, key string, captured *capturedResponse) {
	// If body exceeded cap, do not cache
	if !e.cfg.ShouldCache(captured.status) || captured.capReached {
		return
	}
	p, err := e.partition(ctx, partition)
	if err == nil {
		err = p.Put(ctx, key, &cache.Entry{
			StatusCode: captured.status,
			Headers:    e.cfg.StripHeaders(captured.header),
			Body:       captured.body,
			StoredAt:   time.Now(),
		})
	}
	if err != nil {
		slog.Error("Failed to cache response", slog.String("partition", partition), slog.String("cacheKey", key), slog.Any("error", err))
	}
}

// revalidate refreshes key in the background. Its outcome never reaches the response already returned.
// A refresh already running for the same key absorbs the call.
func (e *Engine) revalidate(req *http.Request, partition, key string) {
	flightKey := partition + "|" + key
	if !e.claimRevalidation(flightKey) {
		return
	}
	started := e.tasks.Go("revalidate "+key, func(ctx context.Context) {
		defer e.releaseRevalidation(flightKey)
		ctx, cancel := context.WithTimeout(ctx, e.cfg.RevalidateTimeout)
		defer cancel()
		captured, err := e.fetch(ctx, req)
		if err != nil {
			slog.Debug("Revalidation failed", slog.String("cacheKey", key), slog.Any("error", err))
			return
		}
		defer captured.discard()
		e.store(ctx, partition, key, captured)
	})
	if !started {
		e.releaseRevalidation(flightKey)
	}
}

func (e *Engine) claimRevalidation(flightKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.revalidating[flightKey]; busy {
		return false
	}
	e.revalidating[flightKey] = struct{}{}
	return true
}

func (e *Engine) releaseRevalidation(flightKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.revalidating, flightKey)
}

func (e *Engine) tagged(resp *http.Response, cacheStatus string) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("X-Cache-Status", cacheStatus)
	return resp
}

func entryResponse(req *http.Request, entry *cache.Entry, cacheStatus string) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("X-Cache-Status", cacheStatus)
	return newResponse(req, entry.StatusCode, header, entry.Body)
}
