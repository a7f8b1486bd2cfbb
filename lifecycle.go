package offlinecache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/spdeepak/offlinecache/messaging"
)

// State is a position in the install/activate lifecycle of one engine version.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled // installed and waiting for the previous version to retire
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "redundant"
	}
}

// Broadcaster delivers best-effort messages to every open client.
type Broadcaster interface {
	Broadcast(msg messaging.Message)
}

// Registration owns the active engine and at most one installed engine waiting to replace it.
// A version bump is a Register call with an engine built for the new version.
type Registration struct {
	clients Broadcaster

	mu          sync.Mutex
	active      *Engine
	waiting     *Engine
	states      map[*Engine]State
	skipWaiting bool
}

// NewRegistration creates an empty registration. clients may be nil.
func NewRegistration(clients Broadcaster) *Registration {
	return &Registration{clients: clients, states: make(map[*Engine]State)}
}

// Register installs e. It activates immediately when nothing is active yet or when skip-waiting
// was requested; otherwise e waits until SkipWaiting.
func (r *Registration) Register(ctx context.Context, e *Engine) error {
	r.setState(e, StateInstalling)
	if err := e.install(ctx); err != nil {
		r.setState(e, StateRedundant)
		return fmt.Errorf("install %s v%d: %w", e.cfg.CacheName, e.cfg.Version, err)
	}

	r.mu.Lock()
	r.states[e] = StateInstalled
	if previous := r.waiting; previous != nil && previous != e {
		r.states[previous] = StateRedundant
	}
	r.waiting = e
	activateNow := r.active == nil || r.skipWaiting || e.cfg.SkipWaiting
	r.mu.Unlock()

	slog.Info("Engine installed", slog.String("cache", e.cfg.CacheName), slog.Int("version", e.cfg.Version))
	if activateNow {
		return r.activateWaiting(ctx)
	}
	return nil
}

// SkipWaiting promotes the waiting engine, or marks the next installed engine for immediate activation.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	r.skipWaiting = true
	hasWaiting := r.waiting != nil
	r.mu.Unlock()
	if !hasWaiting {
		return nil
	}
	return r.activateWaiting(ctx)
}

// HandleMessage reacts to client messages addressed to the lifecycle.
func (r *Registration) HandleMessage(ctx context.Context, msg messaging.Message) {
	if msg.Type != messaging.TypeSkipWaiting {
		return
	}
	if err := r.SkipWaiting(ctx); err != nil {
		slog.Error("Skip waiting failed", slog.Any("error", err))
	}
}

// Active returns the engine currently serving requests, or nil.
func (r *Registration) Active() *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed engine waiting to activate, or nil.
func (r *Registration) Waiting() *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// State reports e's lifecycle state.
func (r *Registration) State(e *Engine) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[e]
}

// RoundTrip routes req through the active engine.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	active := r.Active()
	if active == nil {
		return serviceUnavailable(req), nil
	}
	return active.RoundTrip(req)
}

// Handler serves browser requests through whichever engine is active at request time.
func (r *Registration) Handler() http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		active := r.Active()
		if active == nil {
			http.Error(responseWriter, "Offline", http.StatusServiceUnavailable)
			return
		}
		active.Handler().ServeHTTP(responseWriter, request)
	})
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	next := r.waiting
	if next == nil {
		r.mu.Unlock()
		return nil
	}
	previous := r.active
	r.waiting = nil
	r.states[next] = StateActivating
	r.mu.Unlock()

	next.activate(ctx)

	r.mu.Lock()
	r.active = next
	r.states[next] = StateActivated
	if previous != nil && previous != next {
		r.states[previous] = StateRedundant
	}
	r.skipWaiting = false
	r.mu.Unlock()

	if previous != nil && previous != next {
		if err := previous.Close(ctx); err != nil {
			slog.Warn("Previous engine did not drain", slog.Any("error", err))
		}
	}

	// take control of open clients
	if r.clients != nil {
		r.clients.Broadcast(messaging.Message{Type: messaging.TypeControllerChanged})
	}
	slog.Info("Engine activated", slog.String("cache", next.cfg.CacheName), slog.Int("version", next.cfg.Version))
	return nil
}

func (r *Registration) setState(e *Engine, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[e] = s
}

// install opens the current partitions and precaches the critical resources.
// A resource that cannot be fetched is logged and skipped.
func (e *Engine) install(ctx context.Context) error {
	for _, name := range e.cfg.PartitionNames() {
		if _, err := e.partition(ctx, name); err != nil {
			return err
		}
	}
	for _, raw := range e.cfg.PrecacheURLs {
		if err := e.precache(ctx, raw); err != nil {
			slog.Warn("Could not precache resource", slog.String("url", raw), slog.Any("error", err))
		}
	}
	return nil
}

func (e *Engine) precache(ctx context.Context, raw string) error {
	target, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !target.IsAbs() {
		if e.origin == nil {
			return fmt.Errorf("relative url without origin")
		}
		target = e.origin.ResolveReference(target)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	captured, err := e.fetch(ctx, req)
	if err != nil {
		return err
	}
	defer captured.discard()
	if !e.cfg.ShouldCache(captured.status) {
		return fmt.Errorf("unexpected status %d", captured.status)
	}
	e.store(ctx, e.shell, e.cfg.KeyGenerator(req), captured)
	return nil
}

// activate deletes every partition that is not current for this engine's version.
func (e *Engine) activate(ctx context.Context) {
	if err := e.partitions.PurgeExcept(ctx, e.cfg.PartitionNames()); err != nil {
		slog.Error("Failed to purge obsolete partitions", slog.Any("error", err))
	}
}
