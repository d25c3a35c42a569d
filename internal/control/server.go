// Package control implements the loopback command server: a chi-routed
// HTTP surface bound to 127.0.0.1 only, token-authenticated, that exposes
// enqueue/list/control/status/speedtest operations for the CLI client (or
// any other local automation) to drive the download manager without
// linking against it directly.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkaranl/keeper/internal/audit"
	"github.com/lkaranl/keeper/internal/config"
	"github.com/lkaranl/keeper/internal/journal"
	"github.com/lkaranl/keeper/internal/manager"
	"github.com/lkaranl/keeper/internal/netdiag"
	"github.com/lkaranl/keeper/internal/opstore"
)

// Server is the loopback control surface.
type Server struct {
	mgr        *manager.Manager
	cfg        *config.Manager
	audit      *audit.Logger
	store      *opstore.Store
	router     *chi.Mux
	activeReqs int64
}

// New builds a Server with routes registered but not yet listening.
func New(mgr *manager.Manager, cfg *config.Manager, auditLog *audit.Logger, store *opstore.Store) *Server {
	s := &Server{mgr: mgr, cfg: cfg, audit: auditLog, store: store, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

// Start binds a loopback-only listener on port and serves until ctx is
// cancelled. It returns immediately after binding; serve errors are logged,
// not returned, matching the teacher's fire-and-forget control server.
func (s *Server) Start(ctx context.Context, port int) error {
	if !s.cfg.GetControlEnabled() {
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: bind %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.router}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("control server stopped: %v", err)
		}
	}()
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/downloads", s.handleEnqueue)
	s.router.Get("/v1/downloads", s.handleList)
	s.router.Get("/v1/downloads/{url}", s.handleGet)
	s.router.Post("/v1/downloads/{url}/control", s.handleControl)
	s.router.Post("/v1/config/directory", s.handleSetDirectory)
	s.router.Get("/v1/config/directory/bookmarks", s.handleListBookmarks)
	s.router.Post("/v1/speedtest", s.handleSpeedTest)
	s.router.Get("/v1/status", s.handleStatus)
	// {url} path params carry a base64url-encoded URL, not a raw one, since
	// download URLs contain slashes that chi's single-segment params can't
	// match literally. The CLI client encodes on the way in.
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetMaxConcurrentRequests())
		if max <= 0 {
			max = 1
		}
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.logAccess(r, http.StatusTooManyRequests)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.logAccess(r, http.StatusForbidden)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Keeper-Token")
		if token != s.cfg.GetControlToken() {
			s.logAccess(r, http.StatusUnauthorized)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logAccessStatus(r, rw.status)
	})
}

func (s *Server) logAccess(r *http.Request, status int) {
	s.logAccessStatus(r, status)
}

func (s *Server) logAccessStatus(r *http.Request, status int) {
	if s.audit == nil {
		return
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	s.audit.Record(r.Method, r.URL.Path, ip, status)
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// EnqueueRequest is the POST /v1/downloads body.
type EnqueueRequest struct {
	URL       string `json:"url"`
	Directory string `json:"directory"`
	Filename  string `json:"filename"`
}

// ControlRequest is the POST /v1/downloads/{url}/control body.
type ControlRequest struct {
	Action string `json:"action"` // pause | resume | cancel | restart | delete
}

// DirectoryRequest is the POST /v1/config/directory body. Nickname is
// optional: when set, the directory is also saved as a folder bookmark the
// client can list later via GET /v1/config/directory/bookmarks.
type DirectoryRequest struct {
	Path     string `json:"path"`
	Nickname string `json:"nickname"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.mgr.Enqueue(req.URL, req.Directory, req.Filename)
	if err != nil {
		var dup *manager.DuplicateError
		if asDuplicate(err, &dup) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func asDuplicate(err error, target **manager.DuplicateError) bool {
	d, ok := err.(*manager.DuplicateError)
	if ok {
		*target = d
	}
	return ok
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.mgr.Records())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	target, err := urlParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, rec := range s.mgr.Records() {
		if rec.URL == target {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(rec)
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	target, err := urlParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "pause":
		err = s.mgr.Pause(target)
	case "resume":
		err = s.mgr.Resume(target)
	case "cancel":
		err = s.mgr.Cancel(target)
	case "restart":
		err = s.mgr.Restart(target)
	case "delete":
		err = s.mgr.Delete(target)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetDirectory(w http.ResponseWriter, r *http.Request) {
	var req DirectoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.mgr.SetDownloadDirectory(req.Path); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Nickname != "" && s.store != nil {
		if err := s.store.SaveFolderBookmark(req.Path, req.Nickname); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	bookmarks, err := s.store.FolderBookmarks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bookmarks)
}

func (s *Server) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	result, err := netdiag.Run(r.Context(), s.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, rec := range s.mgr.Records() {
		if rec.Status == journal.StatusInProgress {
			running++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "running", "active_downloads": running})
}

func urlParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "url")
	if raw == "" {
		return "", fmt.Errorf("control: missing url path parameter")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("control: url path parameter is not base64url: %w", err)
	}
	return string(decoded), nil
}
