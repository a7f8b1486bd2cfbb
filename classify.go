package offlinecache

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy is the caching policy applied to a class of requests.
type Strategy int

const (
	Passthrough Strategy = iota
	Shell
	API
	Media
)

func (s Strategy) String() string {
	switch s {
	case Shell:
		return "shell"
	case API:
		return "api"
	case Media:
		return "media"
	default:
		return "passthrough"
	}
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".svg": {},
}

// ClassifierRules holds the inputs of Classify.
type ClassifierRules struct {
	Origin           *url.URL
	StaticPrefix     string
	ManifestPath     string
	DataHost         string
	AssetHosts       []string
	AssetPathMarkers []string
}

// RulesFromConfig derives classifier rules from an engine config.
func RulesFromConfig(cfg *Config) ClassifierRules {
	rules := ClassifierRules{
		StaticPrefix:     cfg.StaticPrefix,
		ManifestPath:     cfg.ManifestPath,
		DataHost:         strings.ToLower(cfg.DataHost),
		AssetPathMarkers: cfg.AssetPathMarkers,
	}
	if cfg.Origin != "" {
		rules.Origin, _ = parseOrigin(cfg.Origin)
	}
	for _, host := range cfg.AssetHosts {
		rules.AssetHosts = append(rules.AssetHosts, strings.ToLower(host))
	}
	return rules
}

// IsNavigation reports whether the browser marked req as a top-level navigation.
func IsNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// Destination returns the request destination (script, style, image, ...), lower-cased.
func Destination(req *http.Request) string {
	return strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))
}

// Classify picks the strategy for req. Predicates are evaluated in order and the first match wins:
// shell, api, media, then passthrough. Same-origin images are never shell.
func Classify(req *http.Request, rules ClassifierRules) Strategy {
	u := req.URL
	if u == nil {
		return Passthrough
	}
	dest := Destination(req)
	p := u.Path
	if p == "" {
		p = "/"
	}

	if rules.sameOrigin(u) && dest != "image" {
		if IsNavigation(req) ||
			dest == "script" || dest == "style" ||
			(rules.StaticPrefix != "" && strings.HasPrefix(p, rules.StaticPrefix)) ||
			(rules.ManifestPath != "" && p == rules.ManifestPath) ||
			p == "/" || p == "/index.html" {
			return Shell
		}
	}

	host := strings.ToLower(u.Hostname())
	if rules.DataHost != "" && host == rules.DataHost {
		return API
	}

	if dest == "image" {
		return Media
	}
	for _, assetHost := range rules.AssetHosts {
		if host == assetHost {
			return Media
		}
	}
	raw := u.String()
	for _, marker := range rules.AssetPathMarkers {
		if marker != "" && strings.Contains(raw, marker) {
			return Media
		}
	}
	if _, ok := imageExtensions[strings.ToLower(path.Ext(p))]; ok {
		return Media
	}

	return Passthrough
}

func (r ClassifierRules) sameOrigin(u *url.URL) bool {
	if u.Host == "" {
		// relative URLs are resolved against the origin by the caller
		return true
	}
	if r.Origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, r.Origin.Scheme) && strings.EqualFold(u.Host, r.Origin.Host)
}
