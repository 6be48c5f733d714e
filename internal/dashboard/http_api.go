package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Bldg-7/tracelens/internal/shared"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const sessionCookieName = "access_token"

type contextKey string

const userContextKey contextKey = "tracelens.user"

// UserFromContext returns the authenticated user attached by
// requireAuth, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey).(User)
	return user, ok
}

type HTTPAPI struct {
	users          *UserStore
	issuer         *TokenIssuer
	events         *EventStore
	tracker        *UsageTracker
	relay          *StreamRelay
	audit          *AuthAudit
	db             *sql.DB
	allowedOrigins []string
	logger         *zap.Logger
	metrics        *Metrics
	upgrader       websocket.Upgrader
}

func NewHTTPAPI(
	users *UserStore,
	issuer *TokenIssuer,
	events *EventStore,
	tracker *UsageTracker,
	relay *StreamRelay,
	db *sql.DB,
	allowedOrigins []string,
	logger *zap.Logger,
) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &HTTPAPI{
		users:          users,
		issuer:         issuer,
		events:         events,
		tracker:        tracker,
		relay:          relay,
		db:             db,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		metrics:        GetMetrics(),
	}
	a.upgrader = websocket.Upgrader{
		CheckOrigin: a.checkOrigin,
	}
	return a
}

// SetAudit wires the optional authentication audit trail.
func (a *HTTPAPI) SetAudit(audit *AuthAudit) {
	a.audit = audit
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /auth/signup", a.handleSignup)
	mux.HandleFunc("POST /auth/login", a.handleLogin)
	mux.HandleFunc("POST /auth/logout", a.handleLogout)

	mux.Handle("GET /api/v1/events", a.requireAuth(http.HandlerFunc(a.handleListEvents)))
	mux.Handle("POST /api/v1/track", a.requireAuth(http.HandlerFunc(a.handleTrack)))
	mux.Handle("GET /events/stream", a.requireAuth(http.HandlerFunc(a.handleEventStream)))
	mux.Handle("GET /events/ws", a.requireAuth(http.HandlerFunc(a.handleEventSocket)))
	mux.Handle("GET /api/v1/admin/audit", a.requireAuth(a.requireRole(RoleAdmin, http.HandlerFunc(a.handleAuditLog))))

	return withRequestID(mux)
}

// withRequestID attaches a correlation id to each request context so
// handler logs can be tied together.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = shared.RequestID(r.Context())
		}
		ctx := shared.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "authentication required", "AUTH_REQUIRED")
			return
		}

		subject, err := a.issuer.Verify(cookie.Value)
		if err != nil {
			if errors.Is(err, ErrExpiredToken) {
				writeError(w, http.StatusUnauthorized, "session expired", "SESSION_EXPIRED")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid session", "AUTH_REQUIRED")
			return
		}

		user, err := a.users.Lookup(subject)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid session", "AUTH_REQUIRED")
				return
			}
			a.logger.Error("session user lookup failed", zap.String("user", subject), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *HTTPAPI) requireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok || user.Role != role {
			writeError(w, http.StatusForbidden, "insufficient privileges", "FORBIDDEN")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAPI) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients omit Origin.
		return true
	}
	for _, allowed := range a.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	a.logger.Warn("rejected websocket from unauthorized origin", zap.String("origin", origin))
	return false
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (a *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"database": a.checkDBHealth(),
		"tracker":  a.checkTrackerHealth(),
	}

	status := "healthy"
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC(),
	})
}

func (a *HTTPAPI) checkDBHealth() string {
	if a.db == nil {
		return "unavailable"
	}
	if err := a.db.Ping(); err != nil {
		return "unavailable"
	}
	return "ok"
}

func (a *HTTPAPI) checkTrackerHealth() string {
	if a.tracker == nil {
		return "unavailable"
	}
	return "ok"
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionJSON struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresIn int    `json:"expires_in"`
}

func (a *HTTPAPI) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required", "BAD_REQUEST")
		return
	}

	if err := a.users.Create(req.Username, req.Password, RoleUser); err != nil {
		if errors.Is(err, ErrUserExists) {
			a.recordAudit(req.Username, AuditActionSignup, AuditResultFailure, r)
			a.metrics.RecordAuthAttempt(AuditActionSignup, AuditResultFailure)
			writeError(w, http.StatusConflict, "username is taken", "USER_EXISTS")
			return
		}
		a.logger.Error("signup failed", zap.String("user", req.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	a.recordAudit(req.Username, AuditActionSignup, AuditResultSuccess, r)
	a.metrics.RecordAuthAttempt(AuditActionSignup, AuditResultSuccess)
	a.startSession(w, r, req.Username, RoleUser)
}

func (a *HTTPAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	if !a.users.Authenticate(req.Username, req.Password) {
		a.recordAudit(req.Username, AuditActionLogin, AuditResultFailure, r)
		a.metrics.RecordAuthAttempt(AuditActionLogin, AuditResultFailure)
		writeError(w, http.StatusUnauthorized, "invalid username or password", "INVALID_CREDENTIALS")
		return
	}

	user, err := a.users.Lookup(req.Username)
	if err != nil {
		a.logger.Error("login lookup failed", zap.String("user", req.Username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	a.recordAudit(req.Username, AuditActionLogin, AuditResultSuccess, r)
	a.metrics.RecordAuthAttempt(AuditActionLogin, AuditResultSuccess)
	a.startSession(w, r, user.Username, user.Role)
}

func (a *HTTPAPI) startSession(w http.ResponseWriter, r *http.Request, username, role string) {
	token, err := a.issuer.Issue(username)
	if err != nil {
		a.logger.Error("token issue failed", zap.String("user", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	lifetime := a.issuer.Lifetime()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(lifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, apiResponse{
		Data: sessionJSON{
			Username:  username,
			Role:      role,
			ExpiresIn: int(lifetime.Seconds()),
		},
	})
}

func (a *HTTPAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor := ""
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if subject, err := a.issuer.Verify(cookie.Value); err == nil {
			actor = subject
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if actor != "" {
		a.recordAudit(actor, AuditActionLogout, AuditResultSuccess, r)
		a.metrics.RecordAuthAttempt(AuditActionLogout, AuditResultSuccess)
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"status": "logged_out"}})
}

type eventJSON struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	UserID      string          `json:"user_id"`
	TraceID     string          `json:"trace_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Model       *string         `json:"model,omitempty"`
	Prompt      *string         `json:"prompt,omitempty"`
	Output      *string         `json:"output,omitempty"`
	TokensUsed  *int64          `json:"tokens_used,omitempty"`
	CostUSD     *float64        `json:"cost_usd,omitempty"`
	URL         *string         `json:"url,omitempty"`
	Method      *string         `json:"method,omitempty"`
	StatusCode  *int64          `json:"status_code,omitempty"`
	DurationSec *float64        `json:"duration_sec,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

func toEventJSON(e Event) eventJSON {
	return eventJSON{
		ID:          e.ID,
		Type:        e.Type,
		UserID:      e.UserID,
		TraceID:     e.TraceID,
		Timestamp:   e.Timestamp,
		Model:       e.Model,
		Prompt:      e.Prompt,
		Output:      e.Output,
		TokensUsed:  e.TokensUsed,
		CostUSD:     e.CostUSD,
		URL:         e.URL,
		Method:      e.Method,
		StatusCode:  e.StatusCode,
		DurationSec: e.DurationSec,
		Raw:         e.Raw,
	}
}

func (a *HTTPAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := QueryFilter{
		User:      q.Get("user"),
		SinceDays: parseIntParam(q.Get("days"), 0),
		Limit:     parseIntParam(q.Get("limit"), defaultQueryLimit),
	}

	events, err := a.events.Query(filter)
	if err != nil {
		a.logger.Error("query events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	out := make([]eventJSON, len(events))
	for i, e := range events {
		out[i] = toEventJSON(e)
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: out,
		Meta: &apiMeta{Total: len(out), Limit: filter.Limit},
	})
}

type trackRequest struct {
	Kind             string  `json:"kind"`
	Model            string  `json:"model"`
	Prompt           string  `json:"prompt"`
	Output           string  `json:"output"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	URL              string  `json:"url"`
	Method           string  `json:"method"`
	StatusCode       int     `json:"status_code"`
	DurationSec      float64 `json:"duration_sec"`
}

type trackResultJSON struct {
	EventID  string `json:"event_id"`
	Delivery string `json:"delivery"`
	Attempts int    `json:"attempts"`
}

func (a *HTTPAPI) handleTrack(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "AUTH_REQUIRED")
		return
	}

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	var (
		eventID string
		result  DeliveryResult
		err     error
	)

	switch req.Kind {
	case "llm":
		eventID, result, err = a.tracker.TrackLLM(r.Context(), LLMCall{
			User:             user.Username,
			Prompt:           req.Prompt,
			Model:            req.Model,
			Output:           req.Output,
			PromptTokens:     req.PromptTokens,
			CompletionTokens: req.CompletionTokens,
			CostUSD:          req.CostUSD,
		})
	case "api":
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required", "BAD_REQUEST")
			return
		}
		eventID, result, err = a.tracker.TrackAPI(r.Context(), APICall{
			User:        user.Username,
			URL:         req.URL,
			Method:      req.Method,
			StatusCode:  req.StatusCode,
			DurationSec: req.DurationSec,
		})
	default:
		writeError(w, http.StatusBadRequest, "kind must be llm or api", "BAD_REQUEST")
		return
	}

	if err != nil {
		a.logger.Error("track failed",
			zap.String("kind", req.Kind),
			zap.String("user", user.Username),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to record event", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: trackResultJSON{
			EventID:  eventID,
			Delivery: string(result.Status),
			Attempts: result.Attempts,
		},
	})
}

// handleEventStream bridges the upstream event stream to the browser as
// server-sent events. The subscription lives for the duration of the
// request and ends when the client disconnects or the upstream closes.
func (a *HTTPAPI) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if a.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable", "SERVICE_UNAVAILABLE")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := shared.RequestLogger(r.Context(), a.logger)
	err := a.relay.Relay(r.Context(), func(payload string) error {
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", payload); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("event stream ended", zap.Error(err))
	}
}

// handleEventSocket mirrors the event stream over a websocket, one text
// message per upstream payload.
func (a *HTTPAPI) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	if a.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable", "SERVICE_UNAVAILABLE")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain reads so close frames from the client end the relay.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	log := shared.RequestLogger(r.Context(), a.logger)
	err = a.relay.Relay(ctx, func(payload string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(payload))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("event websocket ended", zap.Error(err))
	}
}

type auditJSON struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	IPAddress string    `json:"ip_address"`
}

func (a *HTTPAPI) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log unavailable", "SERVICE_UNAVAILABLE")
		return
	}

	q := r.URL.Query()
	actor := q.Get("actor")
	limit := parseIntParam(q.Get("limit"), defaultQueryLimit)

	var (
		entries []AuditEntry
		err     error
	)
	if actor != "" {
		entries, err = a.audit.QueryByActor(actor, limit)
	} else {
		entries, err = a.audit.Recent(limit)
	}
	if err != nil {
		a.logger.Error("query audit log failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	out := make([]auditJSON, len(entries))
	for i, e := range entries {
		out[i] = auditJSON{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Actor:     e.Actor,
			Action:    e.Action,
			Result:    e.Result,
			IPAddress: e.IPAddress,
		}
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: out,
		Meta: &apiMeta{Total: len(out), Limit: limit},
	})
}

func (a *HTTPAPI) recordAudit(actor, action, result string, r *http.Request) {
	if a.audit == nil {
		return
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	a.audit.Record(actor, action, result, ip)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func StartHTTPServer(addr string, handler http.Handler, logger *zap.Logger) (shutdown func(ctx context.Context) error, err error) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: the event stream endpoints hold
		// their responses open for the life of the subscription.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return srv.Shutdown, nil
}
