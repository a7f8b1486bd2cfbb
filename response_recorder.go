package offlinecache

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// capturedResponse holds a network response read up to the body cap.
// Within the cap the same bytes back both the stored entry and the response returned to the caller.
// Past it, rest carries the unread remainder and the response is never stored.
type capturedResponse struct {
	status        int
	header        http.Header
	body          []byte
	capReached    bool
	rest          io.ReadCloser
	contentLength int64
}

// capture reads resp up to maxBytes. A larger body is marked capReached and keeps streaming
// from the network when its response is built, so it is never buffered whole.
func capture(resp *http.Response, maxBytes int64) (*capturedResponse, error) {
	captured := &capturedResponse{
		status:        resp.StatusCode,
		header:        resp.Header.Clone(),
		contentLength: resp.ContentLength,
	}
	var buf bytes.Buffer
	if maxBytes <= 0 {
		defer resp.Body.Close()
		if _, err := io.Copy(&buf, resp.Body); err != nil {
			return nil, err
		}
		captured.body = buf.Bytes()
		return captured, nil
	}
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	captured.body = buf.Bytes()
	if n <= maxBytes {
		_ = resp.Body.Close()
		return captured, nil
	}
	captured.capReached = true
	captured.rest = resp.Body
	return captured, nil
}

// response rebuilds an *http.Response for req from the captured bytes and any unread remainder.
func (c *capturedResponse) response(req *http.Request, cacheStatus string) *http.Response {
	header := c.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Transfer-Encoding")
	header.Set("X-Cache-Status", cacheStatus)
	if c.rest == nil {
		return newResponse(req, c.status, header, c.body)
	}
	resp := newResponse(req, c.status, header, nil)
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(c.body), c.rest), c.rest}
	resp.ContentLength = c.contentLength
	if c.contentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(c.contentLength, 10))
	} else {
		header.Del("Content-Length")
	}
	c.rest = nil
	return resp
}

// discard closes the unread remainder of a body nobody will read.
func (c *capturedResponse) discard() {
	if c.rest != nil {
		_ = c.rest.Close()
		c.rest = nil
	}
}

// writeResponse copies resp to the client. Hop-by-hop headers are dropped.
func writeResponse(dest http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vv := range stripHopByHop(resp.Header) {
		for _, v := range vv {
			dest.Header().Add(k, v)
		}
	}
	dest.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(dest, resp.Body)
}

// responseRecorder captures what an in-process handler writes.
type responseRecorder struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
}

// HandlerTransport answers requests by running Handler in process, e.g. an http.FileServer over
// the built application. A panicking handler yields a 500 response.
type HandlerTransport struct {
	Handler http.Handler
}

func (t HandlerTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	recorder := &responseRecorder{status: http.StatusOK, header: make(http.Header)}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Site handler panicked", slog.String("url", req.URL.String()), slog.Any("panic", p))
			resp, err = newResponse(req, http.StatusInternalServerError, nil, []byte("internal server error")), nil
		}
	}()
	inbound := req.Clone(req.Context())
	inbound.RequestURI = req.URL.RequestURI()
	t.Handler.ServeHTTP(recorder, inbound)
	return newResponse(req, recorder.status, recorder.header, recorder.body.Bytes()), nil
}
