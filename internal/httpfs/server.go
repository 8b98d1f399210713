// Package httpfs serves a read-only virtual filesystem over HTTP.
//
// Request paths are resolved against the path index: file paths stream bytes
// from the external tool's content reader, directory paths render a minimal
// HTML listing, everything else is a 404. The server is the lowerdir of the
// overlay: in mount mode it binds loopback on an ephemeral port and its only
// client is the co-located mount process.
package httpfs

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/pathmap/internal/logging"
	"github.com/sly67/pathmap/internal/metadata"
	"github.com/sly67/pathmap/internal/metrics"
	"github.com/sly67/pathmap/internal/pathmap"
)

// chunkSize is the unit in which content bytes are pumped to the response.
const chunkSize = 8192

// ContentReader streams a remote object's bytes. *rclone.Tool satisfies it.
type ContentReader interface {
	Cat(ctx context.Context, remote string) (io.ReadCloser, error)
}

// Server routes virtual paths to metadata and content.
type Server struct {
	index  *pathmap.Index
	meta   *metadata.Cache
	reader ContentReader
	prefix string // route prefix stripped from request paths, "" for none
}

// NewServer creates a server over a built index. The metadata cache and the
// content reader are injected so tests can substitute the external tool.
func NewServer(index *pathmap.Index, meta *metadata.Cache, reader ContentReader, prefix string) *Server {
	return &Server{
		index:  index,
		meta:   meta,
		reader: reader,
		prefix: prefix,
	}
}

// Handler returns the request handler wrapped in the logging and metrics
// middleware chain.
func (s *Server) Handler() http.Handler {
	return logging.Middleware(metrics.Middleware(http.HandlerFunc(s.handle)))
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}

	path := r.URL.Path
	if s.prefix != "" {
		if len(path) < len(s.prefix) || path[:len(s.prefix)] != s.prefix {
			http.NotFound(w, r)
			return
		}
		path = path[len(s.prefix):]
	}
	if path == "" {
		path = "/"
	}

	res := s.index.Lookup(path)
	switch res.Kind {
	case pathmap.File:
		s.serveFile(w, r, path, res.Remote)
	case pathmap.Dir:
		s.serveDir(w, r, path, res.Children)
	default:
		logging.Debug("unhandled path", zap.String("path", path))
		http.NotFound(w, r)
	}
}

// serveFile answers HEAD and GET for a mapped file. Headers are fully
// determined by a completed metadata fetch before any body byte is written.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path, remote string) {
	info, err := s.meta.Get(r.Context(), remote)
	if err != nil {
		// Distinct from an unmapped path: the mapping knows this file
		// but the remote does not answer for it.
		logging.Warn("metadata unavailable",
			zap.String("path", path),
			zap.String("remote", remote),
			zap.Error(err))
		http.NotFound(w, r)
		return
	}

	h := w.Header()
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	h.Set("Content-Type", info.MimeType)
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	h.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	// The cat process is started with the request context: a client
	// disconnect cancels the context and kills the process instead of
	// letting it stream into a discarded socket.
	rc, err := s.reader.Cat(r.Context(), remote)
	if err != nil {
		logging.Error("content reader spawn failed",
			zap.String("path", path),
			zap.String("remote", remote),
			zap.Error(err))
		h.Del("Content-Length")
		h.Del("Content-Type")
		h.Del("Last-Modified")
		http.Error(w, "content reader unavailable", http.StatusBadGateway)
		return
	}
	defer rc.Close()

	w.WriteHeader(http.StatusOK)
	logging.Info("serve", zap.String("path", path), zap.String("remote", remote))

	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(w, rc, buf)
	if err != nil {
		logging.Warn("content transfer error",
			zap.String("path", path),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
	metrics.RecordContentStream(n, err == nil)
}

// serveDir renders one hyperlink per immediate child. Directory children
// carry a trailing slash; anchor text equals the href.
func (s *Server) serveDir(w http.ResponseWriter, r *http.Request, path string, children []string) {
	logging.Info("list", zap.String("path", path))
	w.Header().Set("Content-Type", "text/html")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	for _, child := range children {
		fmt.Fprintf(w, "<a href='%s'>%s</a>", child, child)
	}
}

// Runner owns a bound listener and its serving goroutine.
type Runner struct {
	srv  *http.Server
	ln   net.Listener
	addr string
}

// Listen binds addr and starts serving h. The returned runner reports the
// actual bound address, which matters for the ephemeral-port mount mode.
func Listen(h http.Handler, addr string) (*Runner, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	runner := &Runner{
		srv:  &http.Server{Handler: h},
		ln:   ln,
		addr: ln.Addr().String(),
	}
	go func() {
		if err := runner.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("http server terminated", zap.Error(err))
		}
	}()
	return runner, nil
}

// ListenLoopback binds an ephemeral loopback port. The server is reachable
// only by co-located processes; it is never a public surface in mount mode.
func ListenLoopback(h http.Handler) (*Runner, error) {
	return Listen(h, "127.0.0.1:0")
}

// Addr returns the bound host:port.
func (r *Runner) Addr() string {
	return r.addr
}

// URL returns the http:// form of the bound address.
func (r *Runner) URL() string {
	return "http://" + r.addr
}

// Close stops accepting connections and drains in-flight requests.
func (r *Runner) Close(ctx context.Context) error {
	return r.srv.Shutdown(ctx)
}
