// Package fileserver serves static files from a directory with an optional upload limit.
package fileserver

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/bsv-blockchain/go-overlay/internal/throttle"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

const notFound = "Not Found"

// Server is an http.Handler for the files below root.
type Server struct {
	root    string
	limiter *rate.Limiter
	logger  overlay.Logger
	router  *mux.Router
}

// New returns a server for root. Response bodies are limited to uploadRate bytes per
// second when it is positive.
func New(root string, uploadRate, burst int, logger overlay.Logger) *Server {
	s := &Server{
		root:    root,
		limiter: throttle.NewLimiter(uploadRate, burst),
		logger:  logger,
	}

	s.setupRoutes()

	return s
}

// setupRoutes sends GET and HEAD for every path to serveFile. Paths are left uncleaned
// so serveFile can refuse ".." segments instead of the router redirecting them.
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter().SkipClean(true)

	s.router.PathPrefix("/").Methods(http.MethodGet, http.MethodHead).HandlerFunc(s.serveFile)

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	for _, seg := range strings.Split(r.URL.Path, "/") {
		if seg == ".." {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	name := filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))

	f, err := os.Open(name) // #nosec G304 - name is confined to root
	if err != nil {
		http.Error(w, notFound, http.StatusNotFound)
		return
	}

	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, notFound, http.StatusNotFound)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(throttle.Writer(r.Context(), w, s.limiter), f); err != nil {
		s.logger.Debugf("[FileServer] error sending %s: %v", r.URL.Path, err)
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infof("[FileServer] serving %s on http://%s", s.root, l.Addr())

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
