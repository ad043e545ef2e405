package fileserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>hello</h1>"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "movies"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "movies", "clip.txt"), []byte("frames"), 0o600))

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return New(root, 0, 0, logger)
}

func TestServeHTTP(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name        string
		method      string
		target      string
		wantStatus  int
		wantBody    string
		contentType string
	}{
		{name: "file", method: http.MethodGet, target: "/index.html", wantStatus: http.StatusOK, wantBody: "<h1>hello</h1>", contentType: "text/html; charset=utf-8"},
		{name: "nested file", method: http.MethodGet, target: "/movies/clip.txt", wantStatus: http.StatusOK, wantBody: "frames"},
		{name: "head", method: http.MethodHead, target: "/index.html", wantStatus: http.StatusOK},
		{name: "missing", method: http.MethodGet, target: "/nope.html", wantStatus: http.StatusNotFound, wantBody: "Not Found\n"},
		{name: "directory", method: http.MethodGet, target: "/movies", wantStatus: http.StatusNotFound, wantBody: "Not Found\n"},
		{name: "root", method: http.MethodGet, target: "/", wantStatus: http.StatusNotFound, wantBody: "Not Found\n"},
		{name: "traversal", method: http.MethodGet, target: "/movies/../../etc/passwd", wantStatus: http.StatusBadRequest},
		{name: "post", method: http.MethodPost, target: "/index.html", wantStatus: http.StatusMethodNotAllowed},
		{name: "delete missing file", method: http.MethodDelete, target: "/nope.html", wantStatus: http.StatusMethodNotAllowed},
		{name: "dot segment is not redirected", method: http.MethodGet, target: "/movies/./../index.html", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}

			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestServeHTTPHeadHasLength(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/index.html", nil))

	assert.Equal(t, "14", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestServeHTTPMethodNotAllowedAllowHeader(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/index.html", nil))

	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestServeThrottled(t *testing.T) {
	root := t.TempDir()
	payload := make([]byte, 3000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), payload, 0o600))

	// 10kB/s with a 1kB burst
	s := New(root, 10000, 1000, logrus.New())

	start := time.Now()

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blob.bin", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3000, rec.Body.Len())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestServe(t *testing.T) {
	s := newTestServer(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() { done <- s.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/index.html")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "<h1>hello</h1>", string(body))

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
