// Package static serves files from local roots for static and media routes.
package static

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrNotFound  = errors.New("static asset not found")
	ErrForbidden = errors.New("path escapes static root")
)

// Server serves files below root for requests under prefix
type Server struct {
	prefix string
	root   string
	maxAge time.Duration
	clock  clock.Clock
}

// New creates a Server. The root must exist when the first request is served, not at construction.
func New(prefix, root string, maxAge time.Duration, clk clock.Clock) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		prefix: prefix,
		root:   filepath.Clean(abs),
		maxAge: maxAge,
		clock:  clk,
	}, nil
}

// Prefix returns the route prefix this server strips
func (s *Server) Prefix() string {
	return s.prefix
}

// Resolve maps a request path to a regular file under the root.
func (s *Server) Resolve(urlPath string) (string, error) {
	rel, ok := strings.CutPrefix(urlPath, s.prefix)
	if !ok {
		return "", ErrNotFound
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrForbidden
		}
	}
	if strings.ContainsRune(rel, 0) || strings.Contains(rel, "\\") {
		return "", ErrForbidden
	}

	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if !within(s.root, target) {
		return "", ErrForbidden
	}

	// symlinks may still point outside the root
	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", ErrNotFound
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", ErrNotFound
	}
	if !within(root, resolved) {
		return "", ErrForbidden
	}

	fi, err := os.Stat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return resolved, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, err := s.Resolve(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := os.Open(name)
	if err != nil {
		writeError(w, ErrNotFound)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		writeError(w, ErrNotFound)
		return
	}

	h := w.Header()
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.maxAge/time.Second)))
	h.Set("Expires", s.clock.Now().Add(s.maxAge).UTC().Format(http.TimeFormat))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// StatusCode maps a Resolve error to its HTTP status
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	http.Error(w, http.StatusText(code), code)
}
