package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/circuitbreaker"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
	"github.com/carlossalguero/kakao-gateway/services/shared/tracing"
)

// Endpoint names used for breakers, metrics and spans.
const (
	EndpointToken    = "token"
	EndpointUserInfo = "user_info"
)

const maxBodySize = 1 << 20

// KakaoProvider talks to the Kakao OAuth and user APIs.
type KakaoProvider struct {
	cfg        Config
	oauth      *oauth2.Config
	httpClient *http.Client
	breakers   *circuitbreaker.Registry
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// Option configures a KakaoProvider.
type Option func(*KakaoProvider)

// WithHTTPClient sets the client used for both upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *KakaoProvider) {
		p.httpClient = c
	}
}

// WithCircuitBreaker guards each endpoint with its own breaker. Only
// transport failures, timeouts and 5xx answers count as failures.
func WithCircuitBreaker(cfg circuitbreaker.Config) Option {
	return func(p *KakaoProvider) {
		cfg.IsFailure = IsUpstreamFailure
		p.breakers = circuitbreaker.NewRegistry(cfg)
	}
}

// WithMetrics records upstream call metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *KakaoProvider) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *KakaoProvider) {
		p.log = l
	}
}

// NewKakaoProvider validates cfg and creates a provider.
func NewKakaoProvider(cfg Config, opts ...Option) (*KakaoProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	p := &KakaoProvider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: http.DefaultClient,
		log:        logger.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("kakao")

	return p, nil
}

// Name returns the provider name.
func (p *KakaoProvider) Name() string {
	return "kakao"
}

// AuthorizeURL returns the Kakao login URL.
func (p *KakaoProvider) AuthorizeURL() string {
	// The config was validated in NewKakaoProvider.
	u, _ := BuildAuthorizeURL(p.cfg)
	return u
}

// Breakers returns the per-endpoint circuit breakers, or nil when disabled.
func (p *KakaoProvider) Breakers() *circuitbreaker.Registry {
	return p.breakers
}

// ExchangeCode trades an authorization code for a token set. A blank code
// fails without a network call.
func (p *KakaoProvider) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperrors.InvalidAuthorizationCode("authorization code is required")
	}

	var tokens *TokenSet
	err := p.call(ctx, EndpointToken, http.MethodPost, p.cfg.TokenURL, func(ctx context.Context) error {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
		tok, err := p.oauth.Exchange(ctx, code)
		if err != nil {
			return classifyExchangeError(ctx, err)
		}
		tokens = tokenSetFrom(tok)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// classifyExchangeError maps x/oauth2 exchange failures onto error codes.
func classifyExchangeError(ctx context.Context, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		// x/oauth2 also reports an "error" field on a 2xx body this way.
		if re.Response != nil && re.Response.StatusCode >= 200 && re.Response.StatusCode < 300 {
			return apperrors.Wrap(apperrors.CodeUpstreamProtocol,
				"kakao token response has no access_token: "+retrieveErrorMessage(re), err)
		}
		return apperrors.Wrap(apperrors.CodeInvalidAuthorizationCode, retrieveErrorMessage(re), err)
	}
	if ctx.Err() != nil || isNetworkError(err) {
		return apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "kakao token endpoint unreachable", err)
	}
	// x/oauth2 flattens body read failures into a string.
	if strings.HasPrefix(err.Error(), "oauth2: cannot fetch token") {
		return apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "kakao token response interrupted", err)
	}
	return apperrors.Wrap(apperrors.CodeUpstreamProtocol, "kakao token response is invalid", err)
}

func retrieveErrorMessage(re *oauth2.RetrieveError) string {
	switch {
	case re.ErrorDescription != "":
		return re.ErrorDescription
	case re.ErrorCode != "":
		return re.ErrorCode
	case len(strings.TrimSpace(string(re.Body))) > 0:
		return strings.TrimSpace(string(re.Body))
	case re.Response != nil:
		return "token request failed: " + re.Response.Status
	default:
		return "token request failed"
	}
}

func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:           tok.AccessToken,
		TokenType:             tok.TokenType,
		ExpiresIn:             extraInt64(tok, "expires_in"),
		RefreshTokenExpiresIn: extraInt64(tok, "refresh_token_expires_in"),
		Scope:                 extraString(tok, "scope"),
	}
	if tok.RefreshToken != "" {
		ts.RefreshToken = &tok.RefreshToken
	}
	return ts
}

func extraInt64(tok *oauth2.Token, key string) *int64 {
	var n int64
	switch v := tok.Extra(key).(type) {
	case float64:
		n = int64(v)
	case int64:
		n = v
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	return &n
}

func extraString(tok *oauth2.Token, key string) *string {
	s, ok := tok.Extra(key).(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// kakaoUser is the /v2/user/me response body.
type kakaoUser struct {
	ID           *int64 `json:"id"`
	KakaoAccount *struct {
		Email   *string `json:"email"`
		Profile *struct {
			Nickname          *string `json:"nickname"`
			ProfileImageURL   *string `json:"profile_image_url"`
			ThumbnailImageURL *string `json:"thumbnail_image_url"`
		} `json:"profile"`
	} `json:"kakao_account"`
	Properties *struct {
		Nickname       *string `json:"nickname"`
		ProfileImage   *string `json:"profile_image"`
		ThumbnailImage *string `json:"thumbnail_image"`
	} `json:"properties"`
}

// kakaoAPIError is the error body of the Kakao REST API.
type kakaoAPIError struct {
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
	Error            string `json:"error"`
}

// StatusError is the HTTP status of a Kakao answer that was not a success.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "kakao answered " + e.Status
}

// FetchUserIdentity resolves the user an access token belongs to. A blank
// token fails without a network call.
func (p *KakaoProvider) FetchUserIdentity(ctx context.Context, accessToken string) (*UserIdentity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, apperrors.InvalidAccessToken("access token is required")
	}

	var identity *UserIdentity
	err := p.call(ctx, EndpointUserInfo, http.MethodGet, p.cfg.UserInfoURL, func(ctx context.Context) error {
		var err error
		identity, err = p.fetchUser(ctx, accessToken)
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (p *KakaoProvider) fetchUser(ctx context.Context, accessToken string) (*UserIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, apperrors.InternalWrap("building user info request", err)
	}
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "kakao user info endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "kakao user info response interrupted", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apperrors.InvalidAccessToken(apiErrorMessage(body, resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.Wrap(apperrors.CodeUpstreamUnavailable, apiErrorMessage(body, resp.Status),
			&StatusError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	return parseUser(body)
}

func apiErrorMessage(body []byte, status string) string {
	var apiErr kakaoAPIError
	if json.Unmarshal(body, &apiErr) == nil {
		switch {
		case apiErr.Msg != "":
			return apiErr.Msg
		case apiErr.ErrorDescription != "":
			return apiErr.ErrorDescription
		case apiErr.Error != "":
			return apiErr.Error
		}
	}
	if raw := strings.TrimSpace(string(body)); raw != "" {
		return raw
	}
	return "kakao user info request failed: " + status
}

func parseUser(body []byte) (*UserIdentity, error) {
	var u kakaoUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstreamProtocol, "kakao user info response is not valid JSON", err)
	}
	if u.ID == nil {
		return nil, apperrors.UpstreamProtocol("kakao user info response is missing id")
	}
	if *u.ID <= 0 {
		return nil, apperrors.UpstreamProtocol(fmt.Sprintf("kakao user info response has invalid id %d", *u.ID))
	}

	identity := &UserIdentity{ID: *u.ID}
	if acct := u.KakaoAccount; acct != nil {
		identity.Email = present(acct.Email)
		if prof := acct.Profile; prof != nil {
			identity.Nickname = present(prof.Nickname)
			identity.ProfileImageURL = present(prof.ProfileImageURL)
			identity.ThumbnailImageURL = present(prof.ThumbnailImageURL)
		}
	}
	// Older apps only expose the legacy properties object.
	if props := u.Properties; props != nil {
		identity.Nickname = firstPresent(identity.Nickname, props.Nickname)
		identity.ProfileImageURL = firstPresent(identity.ProfileImageURL, props.ProfileImage)
		identity.ThumbnailImageURL = firstPresent(identity.ThumbnailImageURL, props.ThumbnailImage)
	}

	return identity, nil
}

func present(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func firstPresent(a, b *string) *string {
	if a != nil {
		return a
	}
	return present(b)
}

// call runs one upstream request under the endpoint breaker, a per-call
// timeout, a client span and upstream metrics.
func (p *KakaoProvider) call(ctx context.Context, endpoint, method, target string, fn func(context.Context) error) error {
	ctx, span := tracing.StartUpstreamSpan(ctx, endpoint, method, redactQuery(target))
	defer span.End()

	start := time.Now()
	run := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			return apperrors.Canceled(fmt.Sprintf("kakao %s request canceled by caller", endpoint), err)
		}
		return err
	}

	var err error
	if p.breakers != nil {
		err = p.breakers.Get(endpoint).Execute(ctx, run)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			err = apperrors.Wrap(apperrors.CodeUpstreamUnavailable,
				fmt.Sprintf("kakao %s endpoint temporarily unavailable", endpoint), err)
		}
	} else {
		err = run(ctx)
	}
	duration := time.Since(start)

	outcome := "ok"
	if err != nil {
		code := apperrors.GetCode(err)
		outcome = string(code)
		tracing.WithErrorCode(span, outcome, err)
		if code == apperrors.CodeUpstreamProtocol {
			p.log.ErrorContext(ctx, "kakao response violated protocol",
				"endpoint", endpoint,
				"error", err.Error(),
			)
		}
	} else {
		tracing.WithSuccess(span)
	}

	p.log.LogUpstreamCall(ctx, endpoint, duration, err)
	if p.metrics != nil {
		p.metrics.RecordUpstreamRequest(endpoint, outcome, duration)
	}

	return err
}

// IsUpstreamFailure reports whether err means Kakao could not be reached
// or failed on its side. 4xx answers do not count.
func IsUpstreamFailure(err error) bool {
	if !apperrors.IsCode(err, apperrors.CodeUpstreamUnavailable) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func redactQuery(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
