package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/circuitbreaker"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
	"github.com/carlossalguero/kakao-gateway/services/shared/logger"
	"github.com/carlossalguero/kakao-gateway/services/shared/metrics"
)

// countingTransport counts round trips before delegating.
type countingTransport struct {
	calls atomic.Int32
	base  http.RoundTripper
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	base := c.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func testConfig(tokenURL, userInfoURL string) Config {
	return Config{
		ClientID:    "abc",
		RedirectURI: "https://app.test/cb",
		TokenURL:    tokenURL,
		UserInfoURL: userInfoURL,
		Timeout:     2 * time.Second,
	}
}

func newTestProvider(t *testing.T, cfg Config, opts ...Option) (*KakaoProvider, *countingTransport) {
	t.Helper()
	transport := &countingTransport{}
	opts = append([]Option{
		WithHTTPClient(&http.Client{Transport: transport}),
		WithLogger(logger.Discard()),
	}, opts...)
	p, err := NewKakaoProvider(cfg, opts...)
	require.NoError(t, err)
	return p, transport
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// --- Authorization URL ---

func TestBuildAuthorizeURL(t *testing.T) {
	cfg := Config{ClientID: "abc", RedirectURI: "https://app.test/cb"}

	got, err := BuildAuthorizeURL(cfg)
	require.NoError(t, err)
	assert.Equal(t,
		"https://kauth.kakao.com/oauth/authorize?client_id=abc&redirect_uri=https%3A%2F%2Fapp.test%2Fcb&response_type=code",
		got)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, url.Values{
		"client_id":     {"abc"},
		"redirect_uri":  {"https://app.test/cb"},
		"response_type": {"code"},
	}, u.Query())
}

func TestBuildAuthorizeURL_Deterministic(t *testing.T) {
	cfg := Config{ClientID: "key with space", RedirectURI: "https://app.test/cb?x=1&y=2", ClientSecret: "s"}

	first, err := BuildAuthorizeURL(cfg)
	require.NoError(t, err)
	second, err := BuildAuthorizeURL(cfg)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotContains(t, first, "client_secret")
	assert.NotContains(t, first, "state")
}

func TestBuildAuthorizeURL_ConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing client id", Config{RedirectURI: "https://app.test/cb"}},
		{"blank client id", Config{ClientID: "   ", RedirectURI: "https://app.test/cb"}},
		{"missing redirect uri", Config{ClientID: "abc"}},
		{"empty", Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildAuthorizeURL(tt.cfg)
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		})
	}
}

func TestBuildAuthorizeURL_BaseWithQuery(t *testing.T) {
	cfg := Config{ClientID: "abc", RedirectURI: "https://app.test/cb", AuthorizeURL: "https://auth.test/authorize?lang=ko"}

	got, err := BuildAuthorizeURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.test/authorize?lang=ko&client_id=abc&redirect_uri=https%3A%2F%2Fapp.test%2Fcb&response_type=code", got)
}

func TestNewKakaoProvider_ValidatesConfig(t *testing.T) {
	_, err := NewKakaoProvider(Config{ClientID: "abc"})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestKakaoProvider_AuthorizeURL(t *testing.T) {
	p, transport := newTestProvider(t, Config{ClientID: "abc", RedirectURI: "https://app.test/cb"})

	want, err := BuildAuthorizeURL(Config{ClientID: "abc", RedirectURI: "https://app.test/cb"})
	require.NoError(t, err)
	assert.Equal(t, want, p.AuthorizeURL())
	assert.Equal(t, "kakao", p.Name())
	assert.Zero(t, transport.calls.Load())
}

// --- Token exchange ---

func TestExchangeCode_BlankCodeMakesNoCall(t *testing.T) {
	p, transport := newTestProvider(t, testConfig("http://127.0.0.1:1/token", "http://127.0.0.1:1/me"))

	for _, code := range []string{"", "   ", "\t\n"} {
		_, err := p.ExchangeCode(context.Background(), code)
		assert.ErrorIs(t, err, apperrors.ErrInvalidAuthorizationCode)
	}
	assert.Zero(t, transport.calls.Load())
}

func TestExchangeCode_Success(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		jsonHandler(http.StatusOK, `{
			"access_token":"tok1",
			"token_type":"bearer",
			"refresh_token":"ref1",
			"expires_in":21599,
			"refresh_token_expires_in":5183999,
			"scope":"profile_nickname account_email"
		}`)(w, r)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "")
	cfg.ClientSecret = "shh"
	p, transport := newTestProvider(t, cfg)

	tokens, err := p.ExchangeCode(context.Background(), "  validcode  ")
	require.NoError(t, err)

	assert.Equal(t, int32(1), transport.calls.Load())
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "abc", form.Get("client_id"))
	assert.Equal(t, "https://app.test/cb", form.Get("redirect_uri"))
	assert.Equal(t, "validcode", form.Get("code"))
	assert.Equal(t, "shh", form.Get("client_secret"))

	assert.Equal(t, "tok1", tokens.AccessToken)
	assert.Equal(t, "bearer", tokens.TokenType)
	require.NotNil(t, tokens.RefreshToken)
	assert.Equal(t, "ref1", *tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresIn)
	assert.Equal(t, int64(21599), *tokens.ExpiresIn)
	require.NotNil(t, tokens.RefreshTokenExpiresIn)
	assert.Equal(t, int64(5183999), *tokens.RefreshTokenExpiresIn)
	require.NotNil(t, tokens.Scope)
	assert.Equal(t, "profile_nickname account_email", *tokens.Scope)
}

func TestExchangeCode_OptionalFieldsAbsent(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		jsonHandler(http.StatusOK, `{"access_token":"tok1","token_type":"bearer"}`)(w, r)
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig(srv.URL, ""))

	tokens, err := p.ExchangeCode(context.Background(), "code")
	require.NoError(t, err)

	_, hasSecret := form["client_secret"]
	assert.False(t, hasSecret, "client_secret must be omitted when not configured")
	assert.Nil(t, tokens.RefreshToken)
	assert.Nil(t, tokens.ExpiresIn)
	assert.Nil(t, tokens.RefreshTokenExpiresIn)
	assert.Nil(t, tokens.Scope)
}

func TestExchangeCode_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `{"token_type":"bearer"}`))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig(srv.URL, ""))

	tokens, err := p.ExchangeCode(context.Background(), "code")
	assert.Nil(t, tokens)
	assert.ErrorIs(t, err, apperrors.ErrUpstreamProtocol)
}

func TestExchangeCode_UnparseableBody(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `<html>oops</html>`))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig(srv.URL, ""))

	_, err := p.ExchangeCode(context.Background(), "code")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamProtocol)
}

func TestExchangeCode_Rejected(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantMessage string
	}{
		{
			name:        "error description",
			status:      http.StatusBadRequest,
			contentType: "application/json",
			body:        `{"error":"invalid_grant","error_description":"Authorization code expired"}`,
			wantMessage: "Authorization code expired",
		},
		{
			name:        "error code only",
			status:      http.StatusUnauthorized,
			contentType: "application/json",
			body:        `{"error":"invalid_client"}`,
			wantMessage: "invalid_client",
		},
		{
			name:        "raw body",
			status:      http.StatusBadRequest,
			contentType: "text/html",
			body:        `bad request`,
			wantMessage: "bad request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p, transport := newTestProvider(t, testConfig(srv.URL, ""))

			_, err := p.ExchangeCode(context.Background(), "code")
			require.ErrorIs(t, err, apperrors.ErrInvalidAuthorizationCode)
			assert.Contains(t, apperrors.From(err).Message, tt.wantMessage)
			assert.Equal(t, int32(1), transport.calls.Load(), "rejections are not retried")
		})
	}
}

func TestExchangeCode_ErrorOnSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `{"error":"invalid_grant","error_description":"code reused"}`))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig(srv.URL, ""))

	tokens, err := p.ExchangeCode(context.Background(), "code")
	assert.Nil(t, tokens)
	require.ErrorIs(t, err, apperrors.ErrUpstreamProtocol)
	assert.NotErrorIs(t, err, apperrors.ErrInvalidAuthorizationCode)
	assert.Contains(t, apperrors.From(err).Message, "code reused")
	assert.Equal(t, http.StatusBadGateway, apperrors.From(err).HTTPStatusCode())
}

func TestExchangeCode_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL + "/token"
	srv.Close()

	p, _ := newTestProvider(t, testConfig(tokenURL, ""))

	_, err := p.ExchangeCode(context.Background(), "code")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

func TestExchangeCode_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL, "")
	cfg.Timeout = 50 * time.Millisecond
	p, _ := newTestProvider(t, cfg)

	start := time.Now()
	_, err := p.ExchangeCode(context.Background(), "code")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExchangeCode_CallerCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := newTestProvider(t, testConfig(srv.URL, ""),
		WithCircuitBreaker(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.ExchangeCode(ctx, "code")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCanceled, apperrors.GetCode(err))
	assert.Equal(t, circuitbreaker.StateClosed, p.Breakers().Get(EndpointToken).State())
}

// --- Identity ---

func TestFetchUserIdentity_BlankTokenMakesNoCall(t *testing.T) {
	p, transport := newTestProvider(t, testConfig("", "http://127.0.0.1:1/me"))

	for _, token := range []string{"", "  "} {
		_, err := p.FetchUserIdentity(context.Background(), token)
		assert.ErrorIs(t, err, apperrors.ErrInvalidAccessToken)
	}
	assert.Zero(t, transport.calls.Load())
}

func TestFetchUserIdentity_FullProfile(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodGet, r.Method)
		jsonHandler(http.StatusOK, `{
			"id": 987,
			"kakao_account": {
				"email": "a@b.com",
				"profile": {
					"nickname": "Alice",
					"profile_image_url": "https://img.test/p.jpg",
					"thumbnail_image_url": "https://img.test/t.jpg"
				}
			}
		}`)(w, r)
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig("", srv.URL))

	user, err := p.FetchUserIdentity(context.Background(), "tok1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok1", auth)
	assert.Equal(t, int64(987), user.ID)
	require.NotNil(t, user.Nickname)
	assert.Equal(t, "Alice", *user.Nickname)
	require.NotNil(t, user.Email)
	assert.Equal(t, "a@b.com", *user.Email)
	require.NotNil(t, user.ProfileImageURL)
	assert.Equal(t, "https://img.test/p.jpg", *user.ProfileImageURL)
	require.NotNil(t, user.ThumbnailImageURL)
	assert.Equal(t, "https://img.test/t.jpg", *user.ThumbnailImageURL)
}

func TestFetchUserIdentity_OptionalFieldsAbsent(t *testing.T) {
	bodies := []string{
		`{"id": 12345, "kakao_account": {}}`,
		`{"id": 12345}`,
		`{"id": 12345, "kakao_account": {"email": "", "profile": {"nickname": ""}}}`,
	}

	for i, body := range bodies {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			srv := httptest.NewServer(jsonHandler(http.StatusOK, body))
			defer srv.Close()

			p, _ := newTestProvider(t, testConfig("", srv.URL))

			user, err := p.FetchUserIdentity(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, &UserIdentity{ID: 12345}, user)
		})
	}
}

func TestFetchUserIdentity_LegacyProperties(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `{
		"id": 5,
		"properties": {"nickname": "Bob", "profile_image": "https://img.test/b.jpg"},
		"kakao_account": {"profile": {"thumbnail_image_url": "https://img.test/bt.jpg"}}
	}`))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig("", srv.URL))

	user, err := p.FetchUserIdentity(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, user.Nickname)
	assert.Equal(t, "Bob", *user.Nickname)
	require.NotNil(t, user.ProfileImageURL)
	assert.Equal(t, "https://img.test/b.jpg", *user.ProfileImageURL)
	require.NotNil(t, user.ThumbnailImageURL)
	assert.Equal(t, "https://img.test/bt.jpg", *user.ThumbnailImageURL)
	assert.Nil(t, user.Email)
}

func TestFetchUserIdentity_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		want        error
		wantMessage string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"msg":"this access token does not exist","code":-401}`, apperrors.ErrInvalidAccessToken, "this access token does not exist"},
		{"server error", http.StatusInternalServerError, `{"msg":"internal error","code":-1}`, apperrors.ErrUpstreamUnavailable, "internal error"},
		{"forbidden with description", http.StatusForbidden, `{"error_description":"insufficient scope"}`, apperrors.ErrUpstreamUnavailable, "insufficient scope"},
		{"bad gateway raw body", http.StatusBadGateway, `upstream down`, apperrors.ErrUpstreamUnavailable, "upstream down"},
		{"missing id", http.StatusOK, `{"kakao_account":{}}`, apperrors.ErrUpstreamProtocol, "missing id"},
		{"zero id", http.StatusOK, `{"id":0}`, apperrors.ErrUpstreamProtocol, "invalid id"},
		{"negative id", http.StatusOK, `{"id":-3}`, apperrors.ErrUpstreamProtocol, "invalid id"},
		{"not json", http.StatusOK, `not json`, apperrors.ErrUpstreamProtocol, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(jsonHandler(tt.status, tt.body))
			defer srv.Close()

			p, _ := newTestProvider(t, testConfig("", srv.URL))

			user, err := p.FetchUserIdentity(context.Background(), "tok")
			assert.Nil(t, user)
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, apperrors.From(err).Message, tt.wantMessage)
		})
	}
}

func TestFetchUserIdentity_UsesConfiguredClient(t *testing.T) {
	var contentType, auth string
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/user/me", func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/elsewhere", jsonHandler(http.StatusOK, `{"id":1}`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p, err := NewKakaoProvider(testConfig("", srv.URL+"/v2/user/me"),
		WithHTTPClient(client), WithLogger(logger.Discard()))
	require.NoError(t, err)

	user, err := p.FetchUserIdentity(context.Background(), "tok")
	assert.Nil(t, user, "redirect policy of the configured client must apply")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	assert.Equal(t, "Bearer tok", auth)
	assert.Empty(t, contentType)
}

func TestFetchUserIdentity_401DistinctFrom500(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonHandler(status, `{"msg":"x"}`)(w, r)
	}))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig("", srv.URL))

	_, err401 := p.FetchUserIdentity(context.Background(), "tok")
	status = http.StatusInternalServerError
	_, err500 := p.FetchUserIdentity(context.Background(), "tok")

	assert.Equal(t, apperrors.CodeInvalidAccessToken, apperrors.GetCode(err401))
	assert.Equal(t, apperrors.CodeUpstreamUnavailable, apperrors.GetCode(err500))
	assert.NotErrorIs(t, err500, apperrors.ErrInvalidAccessToken)
}

func TestFetchUserIdentity_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	userURL := srv.URL
	srv.Close()

	p, _ := newTestProvider(t, testConfig("", userURL))

	_, err := p.FetchUserIdentity(context.Background(), "tok")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

// --- Circuit breaker and metrics ---

func TestKakaoProvider_CircuitBreakerFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL + "/token"
	srv.Close()

	p, transport := newTestProvider(t, testConfig(tokenURL, ""),
		WithCircuitBreaker(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}))

	for i := 0; i < 2; i++ {
		_, err := p.ExchangeCode(context.Background(), "code")
		require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	}
	require.Equal(t, int32(2), transport.calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, p.Breakers().Get(EndpointToken).State())

	_, err := p.ExchangeCode(context.Background(), "code")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), transport.calls.Load(), "open breaker must not reach the network")

	assert.Equal(t, circuitbreaker.StateClosed, p.Breakers().Get(EndpointUserInfo).State())
}

func TestKakaoProvider_CircuitBreakerIgnoresRejections(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusBadRequest, `{"error":"invalid_grant"}`))
	defer srv.Close()

	p, _ := newTestProvider(t, testConfig(srv.URL, ""),
		WithCircuitBreaker(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}))

	for i := 0; i < 5; i++ {
		_, err := p.ExchangeCode(context.Background(), "code")
		require.ErrorIs(t, err, apperrors.ErrInvalidAuthorizationCode)
	}
	assert.Equal(t, circuitbreaker.StateClosed, p.Breakers().Get(EndpointToken).State())
}

func TestKakaoProvider_CircuitBreakerIgnoresForbidden(t *testing.T) {
	var forbidden atomic.Bool
	forbidden.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if forbidden.Load() {
			jsonHandler(http.StatusForbidden, `{"msg":"insufficient scopes.","code":-402}`)(w, r)
			return
		}
		jsonHandler(http.StatusOK, `{"id":7}`)(w, r)
	}))
	defer srv.Close()

	p, transport := newTestProvider(t, testConfig("", srv.URL),
		WithCircuitBreaker(circuitbreaker.Config{FailureThreshold: 5, Timeout: time.Hour}))

	for i := 0; i < 5; i++ {
		_, err := p.FetchUserIdentity(context.Background(), "tok")
		require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
		assert.Contains(t, apperrors.From(err).Message, "insufficient scopes.")
	}
	assert.Equal(t, circuitbreaker.StateClosed, p.Breakers().Get(EndpointUserInfo).State())

	forbidden.Store(false)
	user, err := p.FetchUserIdentity(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	assert.Equal(t, int32(6), transport.calls.Load())
}

func TestKakaoProvider_CircuitBreakerOpensOn5xx(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusInternalServerError, `{"msg":"internal error","code":-1}`))
	defer srv.Close()

	p, transport := newTestProvider(t, testConfig("", srv.URL),
		WithCircuitBreaker(circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}))

	for i := 0; i < 3; i++ {
		_, err := p.FetchUserIdentity(context.Background(), "tok")
		require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, p.Breakers().Get(EndpointUserInfo).State())
	assert.Equal(t, int32(2), transport.calls.Load())
}

func TestKakaoProvider_RecordsUpstreamMetrics(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(http.StatusOK, `{"access_token":"tok","token_type":"bearer"}`))
	defer srv.Close()

	m := metrics.New(metrics.Config{ServiceName: "test"})
	p, _ := newTestProvider(t, testConfig(srv.URL, ""), WithMetrics(m))

	_, err := p.ExchangeCode(context.Background(), "code")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "kakao_gateway_upstream_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIsUpstreamFailure(t *testing.T) {
	assert.True(t, IsUpstreamFailure(apperrors.UpstreamUnavailable("down")))
	assert.False(t, IsUpstreamFailure(apperrors.InvalidAuthorizationCode("bad")))
	assert.False(t, IsUpstreamFailure(apperrors.UpstreamProtocol("drift")))
	assert.False(t, IsUpstreamFailure(apperrors.Canceled("gone", context.Canceled)))
	assert.False(t, IsUpstreamFailure(apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "scopes",
		&StatusError{StatusCode: http.StatusForbidden, Status: "403 Forbidden"})))
	assert.True(t, IsUpstreamFailure(apperrors.Wrap(apperrors.CodeUpstreamUnavailable, "down",
		&StatusError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"})))
	assert.False(t, IsUpstreamFailure(nil))
}

func TestCombine(t *testing.T) {
	token := TokenSet{AccessToken: "tok", TokenType: "bearer"}
	user := &UserIdentity{ID: 1}

	got := Combine(token, user)
	assert.Equal(t, token, got.Token)
	assert.Same(t, user, got.User)

	assert.Nil(t, Combine(token, nil).User)
}
