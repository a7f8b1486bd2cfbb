package offlinecache

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	rules := RulesFromConfig(&Config{
		Origin:           testOrigin,
		DataHost:         "pokeapi.co",
		AssetHosts:       []string{"raw.githubusercontent.com"},
		AssetPathMarkers: []string{"sprites"},
		StaticPrefix:     "/static/",
		ManifestPath:     "/manifest.json",
	})

	tests := []struct {
		name   string
		url    string
		mode   string
		dest   string
		expect Strategy
	}{
		{"navigation", testOrigin + "/pokemon/25", "navigate", "document", Shell},
		{"root", testOrigin + "/", "", "", Shell},
		{"index", testOrigin + "/index.html", "", "", Shell},
		{"manifest", testOrigin + "/manifest.json", "", "", Shell},
		{"static prefix", testOrigin + "/static/js/main.js", "", "", Shell},
		{"script destination", testOrigin + "/sw-helpers.js", "no-cors", "script", Shell},
		{"style destination", testOrigin + "/theme.css", "no-cors", "style", Shell},
		{"relative static", "/static/css/main.css", "", "", Shell},
		{"same-origin image destination", testOrigin + "/logo192.png", "no-cors", "image", Media},
		{"same-origin image under static", testOrigin + "/static/media/logo.svg", "no-cors", "image", Media},
		{"same-origin image by extension", testOrigin + "/favicon.png", "", "", Media},
		{"data host", "https://pokeapi.co/api/v2/pokemon?limit=20", "cors", "empty", API},
		{"data host navigation", "https://pokeapi.co/api/v2/pokemon/1", "navigate", "document", API},
		{"data host image path", "https://pokeapi.co/media/sprites/1.png", "cors", "empty", API},
		{"asset host", "https://raw.githubusercontent.com/PokeAPI/1.json", "cors", "empty", Media},
		{"path marker", "https://cdn.example/sprites/pokemon/1", "", "", Media},
		{"image extension", "https://cdn.example/a/b/photo.WEBP", "", "", Media},
		{"foreign image destination", "https://cdn.example/pixel", "no-cors", "image", Media},
		{"other origin", "https://fonts.example/css2?family=Inter", "no-cors", "style", Passthrough},
		{"same host other scheme", "http://catalog.example/pokemon", "", "", Passthrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tt.mode != "" {
				req.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			if tt.dest != "" {
				req.Header.Set("Sec-Fetch-Dest", tt.dest)
			}
			if got := Classify(req, rules); got != tt.expect {
				t.Fatalf("Classify(%s) = %s, want %s", tt.url, got, tt.expect)
			}
		})
	}
}

func TestClassifyWithoutOriginOnlyTrustsRelativeURLs(t *testing.T) {
	rules := RulesFromConfig(&Config{StaticPrefix: "/static/"})

	relative, _ := http.NewRequest(http.MethodGet, "/static/app.js", nil)
	if got := Classify(relative, rules); got != Shell {
		t.Fatalf("expected shell for relative URL, got %s", got)
	}
	absolute, _ := http.NewRequest(http.MethodGet, "https://anywhere.example/static/app.js", nil)
	if got := Classify(absolute, rules); got != Passthrough {
		t.Fatalf("expected passthrough without origin, got %s", got)
	}
}
