package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"promptwatch/internal/api"
	"promptwatch/internal/auth"
	"promptwatch/internal/config"
	"promptwatch/internal/db"
	"promptwatch/internal/detect"
	"promptwatch/internal/feed"
	"promptwatch/internal/metrics"
	"promptwatch/internal/model"
	"promptwatch/internal/security"
)

const maxRequestBodyBytes int64 = 1 << 20

// Store is the slice of the Postgres store the API needs. Narrow so handler
// tests can stub it.
type Store interface {
	ListRequests(ctx context.Context, filter model.RequestFilter) ([]model.RequestRecord, int, error)
	ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error)
	CreateAPIKey(ctx context.Context, userID, name string) (model.APIKey, string, error)
	RevokeAPIKey(ctx context.Context, userID, keyID string) error
}

// Detector is the playground's view of the detection API client.
type Detector interface {
	Check(ctx context.Context, apiKey, prompt string) (detect.Result, error)
}

type Deps struct {
	Logger   *slog.Logger
	Store    Store
	Auth     *auth.Manager
	Detector Detector
	Feed     *feed.Controller
	Metrics  *metrics.Registry
}

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	store    Store
	auth     *auth.Manager
	detector Detector
	feed     *feed.Controller
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	listener    net.Listener
	watchers    map[chan struct{}]struct{}
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		logger:   deps.Logger,
		store:    deps.Store,
		auth:     deps.Auth,
		detector: deps.Detector,
		feed:     deps.Feed,
		watchers: map[chan struct{}]struct{}{},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	guard := s.auth.Middleware(func(w http.ResponseWriter, code, msg string) {
		s.writeError(w, http.StatusUnauthorized, code, msg)
	})

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/login", s.loginHandler)
	mux.HandleFunc("/v1/logout", s.logoutHandler)
	mux.HandleFunc("/v1/feed", guard(s.feedHandler))
	mux.HandleFunc("/v1/feed/live", guard(s.feedLiveHandler))
	mux.HandleFunc("/v1/requests", guard(s.requestsHandler))
	mux.HandleFunc("/v1/keys", guard(s.keysHandler))
	mux.HandleFunc("/v1/keys/", guard(s.keyByIDHandler))
	mux.HandleFunc("/v1/playground/detect", guard(s.playgroundHandler))
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}
	return s
}

// SetFeed installs the feed controller. The controller's OnUpdate hook points
// back at this server, so it is built second and attached before Start.
func (s *Server) SetFeed(ctrl *feed.Controller) {
	s.mu.Lock()
	s.feed = ctrl
	s.mu.Unlock()
}

func (s *Server) feedController() *feed.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

// NotifyFeedUpdate is wired as the feed controller's OnUpdate hook; it nudges
// every live websocket watcher.
func (s *Server) NotifyFeedUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("dashboard api listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if ctrl := s.feedController(); ctrl != nil {
			ctrl.Close()
		}
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// Addr reports the bound listen address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.LoginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "email and password are required")
		return
	}
	token, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.writeError(w, http.StatusUnauthorized, model.ErrAuthInvalid, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "login failed")
		return
	}
	s.writeJSON(w, http.StatusOK, api.LoginResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Token:         token,
	})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	token := auth.BearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, model.ErrAuthRequired, "authorization required")
		return
	}
	if err := s.auth.Logout(r.Context(), token); err != nil {
		s.logger.Error("logout failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) feedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, s.feedSnapshot())
}

func (s *Server) feedSnapshot() api.FeedSnapshot {
	ctrl := s.feedController()
	if ctrl == nil {
		return api.FeedSnapshot{
			SchemaVersion:   "v1",
			GeneratedAt:     time.Now().UTC(),
			ConnectionState: string(model.ConnConnecting),
			Events:          []api.EventResponse{},
		}
	}
	events := ctrl.History()
	resp := api.FeedSnapshot{
		SchemaVersion:   "v1",
		GeneratedAt:     time.Now().UTC(),
		ConnectionState: string(ctrl.ConnectionState()),
		Events:          make([]api.EventResponse, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventResponse(ev))
	}
	return resp
}

func eventResponse(ev model.Event) api.EventResponse {
	return api.EventResponse{
		ID:             ev.EventID,
		CreatedAt:      ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsThreat:       ev.IsThreat,
		Confidence:     ev.Confidence,
		AttackCategory: ev.AttackCategory,
		DetectedLayer:  ev.DetectedLayer,
		LatencyMs:      ev.LatencyMs,
		APIKeyID:       ev.APIKeyID,
	}
}

// feedLiveHandler upgrades to a websocket and pushes a fresh snapshot on
// every feed update. Snapshots rather than deltas keep the client trivial:
// the history is capped, so a snapshot is always small.
func (s *Server) feedLiveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close() //nolint:errcheck

	updates := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[updates] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, updates)
		s.mu.Unlock()
	}()

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces a closed connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.feedSnapshot()); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-updates:
			if err := conn.WriteJSON(s.feedSnapshot()); err != nil {
				return
			}
		}
	}
}

func (s *Server) requestsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	filter, err := parseRequestFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	records, total, err := s.store.ListRequests(r.Context(), filter)
	if err != nil {
		s.logger.Error("list requests failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list requests")
		return
	}
	resp := api.RequestsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Total:         total,
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		Requests:      make([]api.RequestItem, 0, len(records)),
	}
	for _, rec := range records {
		resp.Requests = append(resp.Requests, api.RequestItem{
			EventResponse: eventResponse(rec.Event),
			Prompt:        security.RedactPrompt(rec.Prompt),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parseRequestFilter(query map[string][]string) (model.RequestFilter, error) {
	get := func(key string) string {
		if vs := query[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	filter := model.RequestFilter{Limit: 25}
	if v := get("is_threat"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return model.RequestFilter{}, fmt.Errorf("is_threat must be a boolean")
		}
		filter.IsThreat = &b
	}
	filter.AttackCategory = get("attack_category")
	filter.APIKeyID = get("api_key_id")
	for _, spec := range []struct {
		key string
		dst **time.Time
	}{
		{"since", &filter.Since},
		{"until", &filter.Until},
	} {
		if v := get(spec.key); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return model.RequestFilter{}, fmt.Errorf("%s must be RFC3339", spec.key)
			}
			t := ts.UTC()
			*spec.dst = &t
		}
	}
	if v := get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return model.RequestFilter{}, fmt.Errorf("limit must be between 1 and 200")
		}
		filter.Limit = n
	}
	if v := get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return model.RequestFilter{}, fmt.Errorf("offset must not be negative")
		}
		filter.Offset = n
	}
	return filter, nil
}

func (s *Server) keysHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listKeys(w, r)
	case http.MethodPost:
		s.createKey(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())
	keys, err := s.store.ListAPIKeys(r.Context(), session.UserID)
	if err != nil {
		s.logger.Error("list api keys failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list keys")
		return
	}
	resp := api.APIKeysEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Keys:          make([]api.APIKeyResponse, 0, len(keys)),
	}
	for _, key := range keys {
		resp.Keys = append(resp.Keys, keyResponse(key, ""))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	session, _ := auth.SessionFromContext(r.Context())
	var req api.CreateKeyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "name is required")
		return
	}
	key, secret, err := s.store.CreateAPIKey(r.Context(), session.UserID, req.Name)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, model.ErrRefInvalid, "key name already in use")
			return
		}
		s.logger.Error("create api key failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to create key")
		return
	}
	s.writeJSON(w, http.StatusCreated, keyResponse(key, secret))
}

func (s *Server) keyByIDHandler(w http.ResponseWriter, r *http.Request) {
	keyID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/keys/"), "/")
	if keyID == "" || strings.Contains(keyID, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "key route not found")
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	session, _ := auth.SessionFromContext(r.Context())
	if err := s.store.RevokeAPIKey(r.Context(), session.UserID, keyID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "api key not found")
			return
		}
		s.logger.Error("revoke api key failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to revoke key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func keyResponse(key model.APIKey, secret string) api.APIKeyResponse {
	resp := api.APIKeyResponse{
		KeyID:     key.KeyID,
		Name:      key.Name,
		Prefix:    key.Prefix,
		CreatedAt: key.CreatedAt.UTC().Format(time.RFC3339Nano),
		Secret:    secret,
	}
	if key.RevokedAt != nil {
		v := key.RevokedAt.UTC().Format(time.RFC3339Nano)
		resp.RevokedAt = &v
	}
	if key.LastUsed != nil {
		v := key.LastUsed.UTC().Format(time.RFC3339Nano)
		resp.LastUsed = &v
	}
	return resp
}

func (s *Server) playgroundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.PlaygroundRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" || strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "api_key and prompt are required")
		return
	}
	result, err := s.detector.Check(r.Context(), req.APIKey, req.Prompt)
	if err != nil {
		s.logger.Warn("detection api call failed", "error", err)
		s.writeError(w, http.StatusBadGateway, model.ErrUpstreamFailed, "detection api unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, api.PlaygroundResponse{
		SchemaVersion:  "v1",
		GeneratedAt:    time.Now().UTC(),
		IsThreat:       result.IsThreat,
		Confidence:     result.Confidence,
		AttackCategory: result.AttackCategory,
		DetectedLayer:  result.DetectedLayer,
		LatencyMs:      result.LatencyMs,
		Reasons:        result.Reasons,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
