// Package httpapi is the REST surface: the fallback transport for
// clients whose realtime channel is down and the initial-load path for
// both screens. Every handler delegates to the chat service, so a REST
// call and the matching websocket command have identical effects.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/auth"
	"github.com/kaamlink/chat-service/pkg/chat"
	"github.com/kaamlink/chat-service/pkg/config"
	"github.com/kaamlink/chat-service/pkg/model"
	"github.com/kaamlink/chat-service/pkg/presence"
	"github.com/kaamlink/chat-service/pkg/telemetry"
)

type Server struct {
	chat    *chat.Service
	auth    *auth.Service
	online  presence.Tracker
	logger  *slog.Logger
	limiter *limiterPool
}

func NewServer(chatSvc *chat.Service, authSvc *auth.Service, online presence.Tracker, logger *slog.Logger, cfg config.API) *Server {
	return &Server{
		chat:    chatSvc,
		auth:    authSvc,
		online:  online,
		logger:  logger,
		limiter: &limiterPool{rps: cfg.RateRPS, burst: cfg.RateBurst},
	}
}

// Router assembles the route table. Health, metrics and login stay
// public; everything else requires a bearer token and is rate limited
// per user.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/login", s.login).Methods(http.MethodPost)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.auth.Middleware, s.rateLimit)
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.startConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", s.pageMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages", s.sendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/messages/attachment", s.sendAttachment).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id:[0-9]+}/read", s.markRead).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id:[0-9]+}/presence", s.listPresence).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}", s.editMessage).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id:[0-9]+}", s.deleteMessage).Methods(http.MethodDelete)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type loginRequest struct {
	UserID string     `json:"user_id"`
	Role   model.Role `json:"role,omitempty"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// login is the development token shim. Real deployments terminate
// identity in the main platform and only share the signing secret.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, apperr.ErrInvalid.Wrap(err), "")
		return
	}
	if req.UserID == "" {
		s.fail(w, r, apperr.ErrInvalid.Wrap(errors.New("user_id is required")), "")
		return
	}
	switch req.Role {
	case "":
		req.Role = model.RoleJobSeeker
	case model.RoleJobSeeker, model.RoleEmployer:
	default:
		s.fail(w, r, apperr.ErrInvalid.Wrap(errors.New("unknown role")), "")
		return
	}

	token, err := s.auth.GenerateToken(req.UserID, req.Role)
	if err != nil {
		s.fail(w, r, apperr.ErrInternal.Wrap(err), "")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// identity returns the claims the auth middleware stored, answering 401
// itself when they are missing.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing identity"})
		return nil, false
	}
	return claims, true
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.identity(w, r)
		if !ok {
			return
		}
		if !s.limiter.Allow(claims.UserID) {
			s.logger.Warn("rate limited", "user", claims.UserID, "path", r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientTempID string `json:"client_temp_id,omitempty"`
}

// fail maps the error taxonomy onto HTTP statuses. The temp id rides
// along on send failures so the client can mark the optimistic bubble.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, clientTempID string) {
	status := apperr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{
		Code:         apperr.CodeOf(err),
		Message:      apperr.MessageOf(err),
		ClientTempID: clientTempID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, apperr.ErrInvalid.Wrap(err)
	}
	return id, nil
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func int64Query(r *http.Request, key string, fallback int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 5
	}
	burst := p.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
