// Package server exposes the gateway operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/middleware"
	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/oauth"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
	"github.com/carlossalguero/kakao-gateway/services/shared/tracing"
)

// BasePath prefixes every public route.
const BasePath = "/kakao-authentication"

// Gateway is the set of operations the HTTP layer serves.
type Gateway interface {
	AuthorizeURL(ctx context.Context) string
	ExchangeAndResolve(ctx context.Context, code string) (*oauth.TokenWithIdentity, error)
	ResolveIdentity(ctx context.Context, accessToken string) (*oauth.UserIdentity, error)
}

// Options configures the middleware around the routes. Nil fields disable
// the matching middleware.
type Options struct {
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
	Limiter    middleware.Limiter
	TrustProxy bool
}

// Server serves the public Kakao authentication routes.
type Server struct {
	gateway Gateway
	opts    Options
	log     *logger.Logger
}

// New creates a new HTTP server.
func New(gateway Gateway, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Server{
		gateway: gateway,
		opts:    opts,
		log:     log.WithComponent("http"),
	}
}

// AuthorizeURLResponse is the body of the login link route.
type AuthorizeURLResponse struct {
	URL string `json:"url"`
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+BasePath+"/request-oauth-link", s.handleOAuthLink)
	mux.HandleFunc("GET "+BasePath+"/request-access-token-after-redirection", s.handleRedirection)
	mux.HandleFunc("GET "+BasePath+"/user-info", s.handleUserInfo)

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID(),
		tracing.HTTPMiddleware,
		middleware.Logging(s.log),
		middleware.Recovery(s.log),
		middleware.Security(),
	}
	if s.opts.Limiter != nil {
		mws = append(mws, middleware.RateLimit(s.opts.Limiter, s.opts.TrustProxy, s.opts.Metrics))
	}
	// Metrics sits directly on the mux so it sees the matched route pattern.
	if s.opts.Metrics != nil {
		mws = append(mws, s.opts.Metrics.HTTPMiddleware)
	}

	return middleware.Chain(mux, mws...)
}

func (s *Server) handleOAuthLink(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AuthorizeURLResponse{URL: s.gateway.AuthorizeURL(r.Context())})
}

// handleRedirection is the OAuth redirect target. Kakao sends either a code
// or, when the user declined consent, an error.
func (s *Server) handleRedirection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if reason := q.Get("error"); reason != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = reason
		}
		s.log.InfoContext(r.Context(), "authorization declined", "reason", reason)
		middleware.WriteError(w, apperrors.AccessDenied(msg))
		return
	}

	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		http.Redirect(w, r, s.gateway.AuthorizeURL(r.Context()), http.StatusTemporaryRedirect)
		return
	}

	result, err := s.gateway.ExchangeAndResolve(r.Context(), code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	user, err := s.gateway.ResolveIdentity(r.Context(), accessToken(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// accessToken reads the token from the access_token query parameter or a
// Bearer Authorization header, in that order.
func accessToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token
	}

	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
