package offlinecache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spdeepak/offlinecache/cache"
)

// Config holds the engine settings.
type Config struct {
	// Origin is the application's own origin, e.g. "https://catalog.example".
	Origin string
	// DataHost is the upstream API host whose requests use the data strategy.
	DataHost string
	// AssetHosts are hosts that only serve media (sprite CDNs and the like).
	AssetHosts []string
	// AssetPathMarkers classify a request as media when the URL contains one of them.
	AssetPathMarkers []string
	StaticPrefix     string
	ManifestPath     string

	// CacheName and Version form the partition names, e.g. "catalog-api-v7".
	CacheName string
	Version   int
	// PrecacheURLs are fetched into the shell partition on install. Relative URLs resolve against Origin.
	PrecacheURLs []string
	// SkipWaiting activates a freshly installed engine without waiting for the previous one to retire.
	SkipWaiting bool

	// Network performs the real fetches. Defaults to http.DefaultTransport.
	Network http.RoundTripper
	// RevalidateTimeout bounds each background revalidation fetch.
	RevalidateTimeout time.Duration
	// RevalidateAfter skips revalidation while a hit is younger than this. Zero revalidates on every hit.
	RevalidateAfter time.Duration
	// MaxBackgroundTasks bounds concurrent revalidations; extra ones are dropped.
	MaxBackgroundTasks int64
	// MediaPlaceholder answers unrecoverable media misses with an SVG placeholder instead of a 404.
	MediaPlaceholder bool
	// OfflinePage is served for navigations when neither network nor cache can answer.
	OfflinePage []byte

	KeyGenerator func(*http.Request) string
	// ShouldCache decides whether a response with given status code should be cached.
	ShouldCache func(statusCode int) bool
	// MaxBodyBytes - do not cache bodies larger than this.
	MaxBodyBytes int64
	// StripHeaders removes headers before storing (hop-by-hop etc).
	StripHeaders func(http.Header) http.Header
}

// DefaultConfig provides defaults. New fills every zero field of a caller's Config from it.
var DefaultConfig = &Config{
	AssetPathMarkers:   []string{"sprites"},
	StaticPrefix:       "/static/",
	ManifestPath:       "/manifest.json",
	CacheName:          "catalog",
	Version:            1,
	PrecacheURLs:       []string{"/", "/index.html", "/manifest.json", "/favicon.ico"},
	RevalidateTimeout:  10 * time.Second,
	MaxBackgroundTasks: 32,
	MediaPlaceholder:   true,
	KeyGenerator:       DefaultKeyGenerator,
	ShouldCache: func(statusCode int) bool {
		// Only cache successful responses by default
		return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
	},
	MaxBodyBytes: 8 << 20,
	StripHeaders: stripHopByHop,
}

// DefaultKeyGenerator creates the request key: method plus the absolute URL without its fragment.
func DefaultKeyGenerator(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + u.String()
}

// PartitionNames returns the current shell, api and media partition names.
func (c *Config) PartitionNames() []string {
	return cache.CurrentNames(c.CacheName, c.Version)
}

func (c *Config) partitionName(role string) string {
	return cache.PartitionName(c.CacheName, role, c.Version)
}

// withDefaults returns a copy of c where unset fields take DefaultConfig's values.
// MediaPlaceholder and SkipWaiting are taken as given.
func (c *Config) withDefaults() (*Config, error) {
	if c == nil {
		c = DefaultConfig
	}
	out := *c
	d := DefaultConfig
	if out.AssetPathMarkers == nil {
		out.AssetPathMarkers = d.AssetPathMarkers
	}
	if out.StaticPrefix == "" {
		out.StaticPrefix = d.StaticPrefix
	}
	if out.ManifestPath == "" {
		out.ManifestPath = d.ManifestPath
	}
	if out.CacheName == "" {
		out.CacheName = d.CacheName
	}
	if out.Version <= 0 {
		out.Version = d.Version
	}
	if out.PrecacheURLs == nil {
		out.PrecacheURLs = d.PrecacheURLs
	}
	if out.Network == nil {
		out.Network = http.DefaultTransport
	}
	if out.RevalidateTimeout <= 0 {
		out.RevalidateTimeout = d.RevalidateTimeout
	}
	if out.MaxBackgroundTasks <= 0 {
		out.MaxBackgroundTasks = d.MaxBackgroundTasks
	}
	if len(out.OfflinePage) == 0 {
		out.OfflinePage = offlinePage
	}
	if out.KeyGenerator == nil {
		out.KeyGenerator = d.KeyGenerator
	}
	if out.ShouldCache == nil {
		out.ShouldCache = d.ShouldCache
	}
	if out.MaxBodyBytes == 0 {
		out.MaxBodyBytes = d.MaxBodyBytes
	}
	if out.StripHeaders == nil {
		out.StripHeaders = d.StripHeaders
	}
	if strings.Contains(out.CacheName, " ") {
		return nil, fmt.Errorf("cache name %q must not contain spaces", out.CacheName)
	}
	if out.Origin != "" {
		if _, err := parseOrigin(out.Origin); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func stripHopByHop(header http.Header) http.Header {
	// Clone so caller can mutate safely.
	headerClone := header.Clone()
	if headerClone == nil {
		headerClone = make(http.Header)
	}

	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Proxy-Authenticate", "Proxy-Authorization", "TE",
		"Trailer", "Transfer-Encoding", "Upgrade",
	} {
		headerClone.Del(k)
	}
	// Also remove hop-by-hop values referenced by Connection header
	if conn := header.Get("Connection"); conn != "" {
		for _, token := range strings.Split(conn, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				headerClone.Del(token)
			}
		}
	}
	return headerClone
}
