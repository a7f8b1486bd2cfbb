package offlinecache

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

//go:embed assets/offline.html
var offlinePage []byte

//go:embed assets/placeholder.svg
var placeholderSVG []byte

// Cache status values reported in the X-Cache-Status header.
const (
	statusHit      = "HIT"
	statusMiss     = "MISS"
	statusFallback = "FALLBACK"
)

type offlineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

var apiOfflineBody, _ = json.Marshal(offlineError{
	Error:   "offline",
	Message: "API not available offline",
	Offline: true,
})

// newResponse builds a complete in-memory response for req.
func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func offlineDocument(req *http.Request, page []byte) *http.Response {
	// 200 so the browser renders the page instead of its own error screen
	return newResponse(req, http.StatusOK, http.Header{"Content-Type": {"text/html; charset=utf-8"}}, page)
}

func apiUnavailable(req *http.Request) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, http.Header{"Content-Type": {"application/json"}}, apiOfflineBody)
}

func mediaPlaceholder(req *http.Request) *http.Response {
	return newResponse(req, http.StatusOK, http.Header{"Content-Type": {"image/svg+xml"}}, placeholderSVG)
}

func notFound(req *http.Request) *http.Response {
	return newResponse(req, http.StatusNotFound, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("Resource not available"))
}

func serviceUnavailable(req *http.Request) *http.Response {
	return newResponse(req, http.StatusServiceUnavailable, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("Offline"))
}
