// Package static serves the dashboard files. Text assets are gzip compressed
// once and kept in memory until the file modification time (or size)
// changes.
package static

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"github.com/marketdesk/refresher/internal/metrics"
)

var (
	ErrForbidden = errors.New("forbidden path")
	ErrNotFound  = errors.New("file not found")
)

var compressible = map[string]bool{
	".html": true,
	".htm":  true,
	".css":  true,
	".js":   true,
	".mjs":  true,
	".json": true,
	".svg":  true,
	".txt":  true,
	".xml":  true,
	".csv":  true,
	".map":  true,
	".md":   true,
}

type entry struct {
	modTime time.Time
	size    int64
	raw     []byte
	gz      []byte
}

// Cache serves files below a root directory. It is safe for concurrent use.
type Cache struct {
	root    *os.Root
	metrics *metrics.Metrics

	mx      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group

	compressions atomic.Int64
}

func New(dir string, m *metrics.Metrics) (*Cache, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening static dir: %w", err)
	}
	return &Cache{
		root:    root,
		metrics: m,
		entries: make(map[string]*entry),
	}, nil
}

func (c *Cache) Close() error {
	return c.root.Close()
}

// Compressions returns how many times an asset has been (re)compressed.
func (c *Cache) Compressions() int64 {
	return c.compressions.Load()
}

// Resolve maps a request path to a file name relative to the root. Any ".."
// segment is ErrForbidden, directories resolve to their index.html.
func (c *Cache) Resolve(urlPath string) (string, fs.FileInfo, error) {
	for seg := range strings.SplitSeq(strings.ReplaceAll(urlPath, "\\", "/"), "/") {
		if seg == ".." {
			return "", nil, ErrForbidden
		}
	}
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		name = "index.html"
	}

	fi, err := c.stat(name)
	if err != nil {
		return "", nil, err
	}
	if fi.IsDir() {
		name = path.Join(name, "index.html")
		fi, err = c.stat(name)
		if err != nil {
			return "", nil, err
		}
	}
	if !fi.Mode().IsRegular() {
		return "", nil, ErrNotFound
	}
	return name, fi, nil
}

func (c *Cache) stat(name string) (fs.FileInfo, error) {
	fi, err := c.root.Stat(name)
	switch {
	case err == nil:
		return fi, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	default:
		// os.Root refuses paths escaping the root, e.g. through symlinks
		return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
}

func (c *Cache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	name, fi, err := c.Resolve(r.URL.Path)
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	case errors.Is(err, ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	ext := strings.ToLower(path.Ext(name))
	if ctype := mime.TypeByExtension(ext); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}

	if !compressible[ext] {
		f, err := c.root.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer func() {
			_ = f.Close()
		}()
		http.ServeContent(w, r, name, fi.ModTime(), f)
		return
	}

	e, err := c.entry(name, fi)
	if err != nil {
		slog.ErrorContext(r.Context(), "loading static asset failed", "name", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Vary", "Accept-Encoding")
	body := e.raw
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		body = e.gz
	}
	if t, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !e.modTime.Truncate(time.Second).After(t) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Last-Modified", e.modTime.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// entry returns the cached asset, (re)building it when the file changed.
// Concurrent misses for the same name compress once.
func (c *Cache) entry(name string, fi fs.FileInfo) (*entry, error) {
	if e := c.cached(name, fi); e != nil {
		return e, nil
	}
	v, err, _ := c.group.Do(name, func() (any, error) {
		if e := c.cached(name, fi); e != nil {
			return e, nil
		}
		raw, err := c.root.ReadFile(name)
		if err != nil {
			return nil, err
		}
		gz, err := compress(raw)
		if err != nil {
			return nil, err
		}
		e := &entry{modTime: fi.ModTime(), size: fi.Size(), raw: raw, gz: gz}
		c.mx.Lock()
		c.entries[name] = e
		c.mx.Unlock()
		c.compressions.Add(1)
		c.metrics.StaticCompressed()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (c *Cache) cached(name string, fi fs.FileInfo) *entry {
	c.mx.RLock()
	defer c.mx.RUnlock()
	e, ok := c.entries[name]
	if !ok || !e.modTime.Equal(fi.ModTime()) || e.size != fi.Size() {
		return nil
	}
	return e
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func acceptsGzip(r *http.Request) bool {
	for part := range strings.SplitSeq(r.Header.Get("Accept-Encoding"), ",") {
		enc, q, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(enc) != "gzip" {
			continue
		}
		q = strings.ReplaceAll(strings.TrimSpace(q), " ", "")
		return q != "q=0" && q != "q=0.0"
	}
	return false
}
