// Package oauth implements the Kakao OAuth2 authorization-code flow: building
// the login URL, exchanging a code for tokens and resolving the user behind
// an access token.
package oauth

import (
	"context"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
)

// Default Kakao endpoints.
const (
	DefaultAuthorizeURL = "https://kauth.kakao.com/oauth/authorize"
	DefaultTokenURL     = "https://kauth.kakao.com/oauth/token"
	DefaultUserInfoURL  = "https://kapi.kakao.com/v2/user/me"
	DefaultTimeout      = 10 * time.Second
)

// Provider defines the operations the gateway needs from an OAuth provider.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// AuthorizeURL returns the URL users are sent to for login and consent.
	AuthorizeURL() string

	// ExchangeCode trades an authorization code for a token set.
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)

	// FetchUserIdentity resolves the user an access token belongs to.
	FetchUserIdentity(ctx context.Context, accessToken string) (*UserIdentity, error)
}

// Config holds the OAuth client registration. Endpoint overrides exist for tests.
type Config struct {
	ClientID     string        `mapstructure:"client_id"`
	RedirectURI  string        `mapstructure:"redirect_uri"`
	ClientSecret string        `mapstructure:"client_secret"`
	AuthorizeURL string        `mapstructure:"authorize_url"`
	TokenURL     string        `mapstructure:"token_url"`
	UserInfoURL  string        `mapstructure:"user_info_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Validate reports a configuration error when a required value is blank.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		missing = append(missing, "redirect_uri")
	}
	if len(missing) > 0 {
		return apperrors.Configuration("missing required kakao setting: " + strings.Join(missing, ", "))
	}
	return nil
}

// WithDefaults fills unset endpoints and timeout with the Kakao defaults.
func (c Config) WithDefaults() Config {
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = DefaultAuthorizeURL
	}
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.UserInfoURL == "" {
		c.UserInfoURL = DefaultUserInfoURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// BuildAuthorizeURL returns the Kakao login URL for cfg. The result depends
// only on cfg: no state or nonce is added.
func BuildAuthorizeURL(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	cfg = cfg.WithDefaults()

	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("response_type", "code")

	sep := "?"
	if strings.Contains(cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return cfg.AuthorizeURL + sep + q.Encode(), nil
}

// TokenSet is the result of a code exchange. AccessToken is never empty.
type TokenSet struct {
	AccessToken           string  `json:"access_token"`
	TokenType             string  `json:"token_type"`
	RefreshToken          *string `json:"refresh_token"`
	ExpiresIn             *int64  `json:"expires_in"`
	RefreshTokenExpiresIn *int64  `json:"refresh_token_expires_in"`
	Scope                 *string `json:"scope"`
}

// UserIdentity is the Kakao user behind an access token. ID is always
// positive; profile fields the user did not consent to share are nil.
type UserIdentity struct {
	ID                int64   `json:"id"`
	Nickname          *string `json:"nickname"`
	Email             *string `json:"email"`
	ProfileImageURL   *string `json:"profile_image_url"`
	ThumbnailImageURL *string `json:"thumbnail_image_url"`
}

// TokenWithIdentity is the combined result returned to callers. User is nil
// only when an identity failure was downgraded by policy.
type TokenWithIdentity struct {
	Token TokenSet      `json:"token"`
	User  *UserIdentity `json:"user"`
}

// Combine merges a token set and an optional identity.
func Combine(token TokenSet, user *UserIdentity) *TokenWithIdentity {
	return &TokenWithIdentity{Token: token, User: user}
}
