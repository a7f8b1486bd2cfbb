package offlinecache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// errNoResponse means every step of a fallback chain declined.
var errNoResponse = errors.New("offlinecache: no step produced a response")

// step is one link of a fallback chain. It returns (nil, nil) to decline without error.
type step struct {
	name string
	run  func(ctx context.Context) (*http.Response, error)
}

// firstResponse runs steps in order and returns the first response produced.
// Step errors are logged at debug level and the chain moves on.
func firstResponse(ctx context.Context, req *http.Request, steps ...step) (*http.Response, error) {
	for _, s := range steps {
		resp, err := s.run(ctx)
		if err != nil {
			slog.Debug("Fallback step failed", slog.String("step", s.name), slog.String("url", req.URL.String()), slog.Any("error", err))
			continue
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, errNoResponse
}

// always wraps a constant fallback so it can terminate a chain.
func always(name string, build func() *http.Response) step {
	return step{name: name, run: func(context.Context) (*http.Response, error) {
		return build(), nil
	}}
}

// chain returns the ordered fallback steps for strategy.
func (e *Engine) chain(strategy Strategy, req *http.Request, key string) []step {
	switch strategy {
	case Shell:
		if IsNavigation(req) {
			return []step{
				e.networkStep(req, key, e.shell),
				e.cachedStep(req, e.shell, e.keyFor(req, "/"), false),
				e.cachedStep(req, e.shell, e.keyFor(req, "/index.html"), false),
				always("offline-page", func() *http.Response {
					return e.tagged(offlineDocument(req, e.cfg.OfflinePage), statusFallback)
				}),
			}
		}
		return []step{
			e.cachedStep(req, e.shell, key, true),
			e.networkStep(req, key, e.shell),
			always("not-found", func() *http.Response { return e.tagged(notFound(req), statusFallback) }),
		}
	case API:
		return []step{
			e.cachedStep(req, e.api, key, true),
			e.networkStep(req, key, e.api),
			always("api-offline", func() *http.Response { return e.tagged(apiUnavailable(req), statusFallback) }),
		}
	case Media:
		final := always("not-found", func() *http.Response { return e.tagged(notFound(req), statusFallback) })
		if e.cfg.MediaPlaceholder {
			final = always("placeholder", func() *http.Response { return e.tagged(mediaPlaceholder(req), statusFallback) })
		}
		return []step{
			e.cachedStep(req, e.media, key, false),
			e.networkStep(req, key, e.media),
			final,
		}
	default:
		return []step{
			e.networkStep(req, key, ""),
			always("offline", func() *http.Response { return e.tagged(serviceUnavailable(req), statusFallback) }),
		}
	}
}

// cachedStep answers from partition. With revalidate set, a hit also schedules a background refresh.
func (e *Engine) cachedStep(req *http.Request, partition, key string, revalidate bool) step {
	return step{name: "cache:" + partition, run: func(ctx context.Context) (*http.Response, error) {
		p, err := e.partition(ctx, partition)
		if err != nil {
			return nil, err
		}
		entry, ok, err := p.Match(ctx, key)
		if err != nil || !ok {
			return nil, err
		}
		if revalidate && entry.IsStale(e.cfg.RevalidateAfter) {
			e.revalidate(req, partition, key)
		}
		return entryResponse(req, entry, statusHit), nil
	}}
}

// networkStep fetches req and stores cacheable responses in partition. An empty partition never
// stores, and its response body streams straight from the network.
func (e *Engine) networkStep(req *http.Request, key, partition string) step {
	return step{name: "network", run: func(ctx context.Context) (*http.Response, error) {
		if partition == "" {
			resp, err := e.send(ctx, req)
			if err != nil {
				return nil, err
			}
			return e.tagged(resp, statusMiss), nil
		}
		captured, err := e.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		e.store(ctx, partition, key, captured)
		return captured.response(req, statusMiss), nil
	}}
}
