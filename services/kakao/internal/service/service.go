// Package service composes the OAuth steps into the operations the HTTP
// layer exposes.
package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/oauth"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
	"github.com/carlossalguero/kakao-gateway/services/shared/events"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
	"github.com/carlossalguero/kakao-gateway/services/shared/tracing"
)

const publishTimeout = 5 * time.Second

// Exchange outcomes recorded in metrics.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
)

// Config holds the service dependencies.
type Config struct {
	Provider oauth.Provider
	// FailOnIdentityError aborts ExchangeAndResolve when the identity lookup
	// fails. When false the failure is logged and counted, and the result
	// carries a nil user.
	FailOnIdentityError bool
	Events              events.Publisher
	Metrics             *metrics.Metrics
	Logger              *logger.Logger
	Source              string
}

// Service implements the gateway operations.
type Service struct {
	provider            oauth.Provider
	failOnIdentityError bool
	events              events.Publisher
	metrics             *metrics.Metrics
	log                 *logger.Logger
	source              string

	publishing sync.WaitGroup
}

// New creates a new service.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	source := cfg.Source
	if source == "" {
		source = "kakao-gateway"
	}

	return &Service{
		provider:            cfg.Provider,
		failOnIdentityError: cfg.FailOnIdentityError,
		events:              cfg.Events,
		metrics:             cfg.Metrics,
		log:                 log.WithComponent("service"),
		source:              source,
	}
}

// AuthorizeURL returns the provider login URL.
func (s *Service) AuthorizeURL(_ context.Context) string {
	return s.provider.AuthorizeURL()
}

// ExchangeAndResolve exchanges code for tokens, then resolves the user the
// access token belongs to. The two calls are strictly sequential.
func (s *Service) ExchangeAndResolve(ctx context.Context, code string) (*oauth.TokenWithIdentity, error) {
	ctx, span := tracing.Tracer().Start(ctx, "service.ExchangeAndResolve")
	defer span.End()

	tokens, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		s.recordExchange(string(apperrors.GetCode(err)))
		tracing.WithError(span, err)
		return nil, err
	}

	user, err := s.provider.FetchUserIdentity(ctx, tokens.AccessToken)
	if err != nil {
		errCode := apperrors.GetCode(err)
		if s.failOnIdentityError {
			s.recordExchange(string(errCode))
			tracing.WithError(span, err)
			return nil, err
		}

		s.log.WarnContext(ctx, "identity lookup failed, returning token without user",
			"error_code", string(errCode),
			"error", err.Error(),
		)
		if s.metrics != nil {
			s.metrics.RecordIdentityDegradation(string(errCode))
		}
		s.recordExchange(OutcomeDegraded)
		return oauth.Combine(*tokens, nil), nil
	}

	ctx = context.WithValue(ctx, logger.KakaoUserIDKey, strconv.FormatInt(user.ID, 10))
	s.log.InfoContext(ctx, "kakao login completed")
	s.recordExchange(OutcomeOK)
	tracing.WithSuccess(span)

	s.publishLogin(ctx, tokens, user)

	return oauth.Combine(*tokens, user), nil
}

// ResolveIdentity looks up the user an access token belongs to.
func (s *Service) ResolveIdentity(ctx context.Context, accessToken string) (*oauth.UserIdentity, error) {
	return s.provider.FetchUserIdentity(ctx, accessToken)
}

// Close waits for in-flight event publishes.
func (s *Service) Close() {
	s.publishing.Wait()
}

func (s *Service) recordExchange(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordExchange(outcome)
	}
}

// publishLogin publishes a user.login event without blocking the request.
// Failures are logged only.
func (s *Service) publishLogin(ctx context.Context, tokens *oauth.TokenSet, user *oauth.UserIdentity) {
	if s.events == nil {
		return
	}

	scope := ""
	if tokens.Scope != nil {
		scope = *tokens.Scope
	}
	event := events.NewEvent(events.TypeUserLogin, s.source, events.LoginEventData(user.ID, user.Email != nil, scope))
	event.TraceID = tracing.TraceIDFromContext(ctx)

	pubCtx := context.WithoutCancel(ctx)
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()

		pubCtx, cancel := context.WithTimeout(pubCtx, publishTimeout)
		defer cancel()

		err := s.events.PublishEvent(pubCtx, events.SubjectUserLogin, event)
		if s.metrics != nil {
			s.metrics.RecordEventPublished(err == nil)
		}
		if err != nil {
			s.log.WarnContext(pubCtx, "failed to publish login event", "error", err.Error())
		}
	}()
}
