// Package app wires the engine, its storage, the messaging hub and the catalog reconciler into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spdeepak/offlinecache"
	"github.com/spdeepak/offlinecache/cache"
	"github.com/spdeepak/offlinecache/internal/config"
	"github.com/spdeepak/offlinecache/kv"
	"github.com/spdeepak/offlinecache/messaging"
	"github.com/spdeepak/offlinecache/reconcile"
)

const readHeaderTimeout = 10 * time.Second

// App is one running offlinecache process.
type App struct {
	cfg          *config.Config
	partitions   cache.Manager
	store        kv.Store
	hub          *messaging.Hub
	registration *offlinecache.Registration
	reconciler   *reconcile.Reconciler
	listing      *Listing
}

// Options replaces process defaults, mainly for tests.
type Options struct {
	// Upstream performs requests that are not served from the static directory. Defaults to http.DefaultTransport.
	Upstream http.RoundTripper
	Notifier messaging.Notifier
}

// New opens storage, installs and activates the engine for the configured version, and prepares the reconciler.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Upstream == nil {
		opts.Upstream = http.DefaultTransport
	}
	if opts.Notifier == nil {
		opts.Notifier = messaging.LogNotifier{}
	}

	partitions, store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, partitions: partitions, store: store, listing: &Listing{}}

	network, err := newSiteNetwork(cfg, opts.Upstream)
	if err != nil {
		_ = a.closeStorage()
		return nil, err
	}
	engine, err := offlinecache.New(partitions, engineConfig(cfg, network))
	if err != nil {
		_ = a.closeStorage()
		return nil, fmt.Errorf("engine: %w", err)
	}

	a.hub = messaging.NewHub(opts.Notifier, strings.TrimSuffix(cfg.Engine.Origin, "/")+"/")
	a.registration = offlinecache.NewRegistration(a.hub)
	a.hub.Handle(messaging.TypeSkipWaiting, a.registration.HandleMessage)
	if err := a.registration.Register(ctx, engine); err != nil {
		_ = a.closeStorage()
		return nil, err
	}

	a.reconciler = reconcile.New(store, a.listing, hubPoster{hub: a.hub}, catalogConfig(cfg, a.registration))
	return a, nil
}

// Handler serves the messaging channel, the current listing, and every other path through the active engine.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.MessagingPath, a.hub)
	mux.Handle(a.cfg.Server.CatalogPath, a.listing)
	mux.Handle("/", a.registration.Handler())
	return mux
}

// Registration exposes the engine lifecycle.
func (a *App) Registration() *offlinecache.Registration { return a.registration }

// Listing returns the latest published catalog listing.
func (a *App) Listing() *Listing { return a.listing }

// Refresh serves the local snapshot and brings it up to date unless the process runs offline.
func (a *App) Refresh(ctx context.Context) error {
	return a.reconciler.Start(ctx, !a.cfg.Catalog.Offline)
}

// Close drains the active engine and releases storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if active := a.registration.Active(); active != nil {
		errs = append(errs, active.Close(ctx))
	}
	a.hub.Close()
	errs = append(errs, a.closeStorage())
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	return errors.Join(a.store.Close(), a.partitions.Close())
}

// Run serves until ctx is done, refreshing the catalog in the background, then shuts down gracefully.
func Run(ctx context.Context, cfg *config.Config) error {
	a, err := New(ctx, cfg, Options{})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Serving", slog.String("addr", cfg.Server.Addr), slog.String("origin", cfg.Engine.Origin))
		serveErr <- server.ListenAndServe()
	}()
	go func() {
		if err := a.Refresh(ctx); err != nil {
			slog.Warn("Catalog not refreshed", slog.Any("error", err))
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Warn("HTTP shutdown incomplete", slog.Any("error", shutdownErr))
	}
	return errors.Join(err, a.Close(shutdownCtx))
}

func openStorage(cfg config.StorageConfig) (cache.Manager, kv.Store, error) {
	switch cfg.Type {
	case "sqlite":
		partitions, err := cache.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open partitions: %w", err)
		}
		store, err := kv.OpenSQLite(cfg.KVPath, cfg.KVQuotaBytes)
		if err != nil {
			_ = partitions.Close()
			return nil, nil, fmt.Errorf("open kv store: %w", err)
		}
		return partitions, store, nil
	case "memory", "":
		return cache.NewMemoryManager(cfg.MemoryMaxMB), kv.NewMemory(cfg.KVQuotaBytes), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func engineConfig(cfg *config.Config, network http.RoundTripper) *offlinecache.Config {
	e := cfg.Engine
	return &offlinecache.Config{
		Origin:             e.Origin,
		DataHost:           e.DataHost,
		AssetHosts:         e.AssetHosts,
		AssetPathMarkers:   e.AssetPathMarkers,
		CacheName:          e.CacheName,
		Version:            e.Version,
		PrecacheURLs:       e.PrecacheURLs,
		SkipWaiting:        e.SkipWaiting,
		Network:            network,
		RevalidateTimeout:  e.RevalidateTimeout.Duration(),
		RevalidateAfter:    e.RevalidateAfter.Duration(),
		MaxBackgroundTasks: e.MaxBackgroundTasks,
		MediaPlaceholder:   e.MediaPlaceholder,
		MaxBodyBytes:       e.MaxBodyMB << 20,
	}
}

// catalogConfig routes the reconciler's requests through the registration so they get the API strategy.
func catalogConfig(cfg *config.Config, registration http.RoundTripper) reconcile.Config {
	c := cfg.Catalog
	rc := reconcile.DefaultConfig()
	rc.ListURL = c.ListURL
	rc.PageSize = c.PageSize
	rc.MaxRecords = c.MaxRecords
	rc.BatchSize = c.BatchSize
	rc.TruncateTo = c.TruncateTo
	rc.HTTPClient = &http.Client{Transport: registration, Timeout: c.RequestTimeout.Duration()}
	return rc
}

// siteNetwork answers same-origin requests from the static directory and sends the rest upstream.
type siteNetwork struct {
	origin   *url.URL
	site     http.RoundTripper
	upstream http.RoundTripper
}

func newSiteNetwork(cfg *config.Config, upstream http.RoundTripper) (http.RoundTripper, error) {
	if cfg.Server.StaticDir == "" {
		return upstream, nil
	}
	info, err := os.Stat(cfg.Server.StaticDir)
	if err != nil {
		return nil, fmt.Errorf("static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static dir %s is not a directory", cfg.Server.StaticDir)
	}
	origin, err := url.Parse(cfg.Engine.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	return &siteNetwork{
		origin:   origin,
		site:     offlinecache.HandlerTransport{Handler: newStaticSite(cfg.Server.StaticDir)},
		upstream: upstream,
	}, nil
}

func (n *siteNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.URL.Host, n.origin.Host) && strings.EqualFold(req.URL.Scheme, n.origin.Scheme) {
		return n.site.RoundTrip(req)
	}
	return n.upstream.RoundTrip(req)
}

// hubPoster delivers reconciler messages to the hub in process.
type hubPoster struct {
	hub *messaging.Hub
}

func (p hubPoster) Post(msg messaging.Message) {
	p.hub.Dispatch(context.Background(), msg)
}
