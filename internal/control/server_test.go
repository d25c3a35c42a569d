package control

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lkaranl/keeper/internal/audit"
	"github.com/lkaranl/keeper/internal/config"
	"github.com/lkaranl/keeper/internal/engine"
	"github.com/lkaranl/keeper/internal/events"
	"github.com/lkaranl/keeper/internal/journal"
	"github.com/lkaranl/keeper/internal/manager"
	"github.com/lkaranl/keeper/internal/opstore"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	j, err := journal.New(
		filepath.Join(dir, "downloads.json"),
		filepath.Join(dir, "downloads.json.tmp"),
		filepath.Join(dir, "config.json"),
		filepath.Join(dir, "config.json.tmp"),
	)
	require.NoError(t, err)

	store, err := opstore.Open(filepath.Join(dir, "operational.db"))
	require.NoError(t, err)
	cfg := config.New(store)

	auditLog, err := audit.Open(filepath.Join(dir, "access.log"), 100)
	require.NoError(t, err)

	bus := events.New()
	eng := engine.New(bus)
	mgr := manager.New(j, bus, eng, nil, dir, cfg, store)

	return New(mgr, cfg, auditLog, store), cfg.GetControlToken()
}

func doRequest(s *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:55555"
	if token != "" {
		req.Header.Set("X-Keeper-Token", token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestSecurityMiddlewareRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecurityMiddlewareAcceptsValidToken(t *testing.T) {
	s, token := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEnqueueAndList(t *testing.T) {
	s, token := newTestServer(t)

	payload := make([]byte, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	body, _ := json.Marshal(EnqueueRequest{URL: srv.URL, Directory: t.TempDir(), Filename: "f.bin"})
	rec := doRequest(s, http.MethodPost, "/v1/downloads", token, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodPost, "/v1/downloads", token, body)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/downloads", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []journal.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
}

func TestControlActionOnUnknownURLFails(t *testing.T) {
	s, token := newTestServer(t)
	encoded := base64.RawURLEncoding.EncodeToString([]byte("https://example.com/missing"))

	body, _ := json.Marshal(ControlRequest{Action: "pause"})
	rec := doRequest(s, http.MethodPost, "/v1/downloads/"+encoded+"/control", token, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSetDirectorySavesAndListsBookmark(t *testing.T) {
	s, token := newTestServer(t)
	dir := t.TempDir()

	body, _ := json.Marshal(DirectoryRequest{Path: dir, Nickname: "Fast Drive"})
	rec := doRequest(s, http.MethodPost, "/v1/config/directory", token, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/v1/config/directory/bookmarks", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var bookmarks []opstore.FolderBookmark
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bookmarks))
	require.Len(t, bookmarks, 1)
	require.Equal(t, dir, bookmarks[0].Path)
	require.Equal(t, "Fast Drive", bookmarks[0].Nickname)
}

func TestConcurrencyLimitMiddlewareRejectsOverCapacity(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.cfg.SetMaxConcurrentRequests(1))

	block := make(chan struct{})
	slow := s.concurrencyLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/slow", nil)
		slow.ServeHTTP(httptest.NewRecorder(), req)
	}()
	time.Sleep(50 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/slow", nil)
	rec := httptest.NewRecorder()
	slow.ServeHTTP(rec, req)
	close(block)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
