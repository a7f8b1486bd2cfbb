package app

import (
	"net/http"
)

const indexDocument = "/index.html"

// staticSite serves the built application from a directory. http.FileServer answers /index.html
// with a redirect to "/", so that one document is served in place to keep it storable.
type staticSite struct {
	root  http.Dir
	files http.Handler
}

func newStaticSite(dir string) *staticSite {
	return &staticSite{root: http.Dir(dir), files: http.FileServer(http.Dir(dir))}
}

func (s *staticSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != indexDocument {
		s.files.ServeHTTP(w, r)
		return
	}
	f, err := s.root.Open(indexDocument)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
