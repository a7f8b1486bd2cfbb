package offlinecache

import (
	"net/http"
	"testing"
	"testing/fstest"
)

func TestHandlerTransportServesFiles(t *testing.T) {
	site := fstest.MapFS{
		"index.html":        {Data: []byte("<html>catalog</html>")},
		"static/js/main.js": {Data: []byte("console.log('catalog')")},
		"manifest.json":     {Data: []byte(`{"name":"catalog"}`)},
	}
	transport := HandlerTransport{Handler: http.FileServerFS(site)}

	resp, body := fetch(t, transport, testOrigin+"/static/js/main.js")
	if resp.StatusCode != http.StatusOK || body != "console.log('catalog')" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.ContentLength != int64(len(body)) {
		t.Fatalf("unexpected content length %d", resp.ContentLength)
	}

	resp, _ = fetch(t, transport, testOrigin+"/missing.js")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandlerTransportRecoversPanic(t *testing.T) {
	transport := HandlerTransport{Handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })}

	resp, _ := fetch(t, transport, testOrigin+"/")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestEngineOverHandlerTransport(t *testing.T) {
	site := fstest.MapFS{"index.html": {Data: []byte("<html>catalog</html>")}}
	e, _ := newTestEngine(t, HandlerTransport{Handler: http.FileServerFS(site)}, nil)

	resp, body := fetch(t, e, testOrigin+"/", "Sec-Fetch-Mode", "navigate")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Cache-Status") != "MISS" || body != "<html>catalog</html>" {
		t.Fatalf("unexpected response %d %s %q", resp.StatusCode, resp.Header.Get("X-Cache-Status"), body)
	}
}
