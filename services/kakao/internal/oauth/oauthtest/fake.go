// Package oauthtest provides an in-memory oauth.Provider for tests.
package oauthtest

import (
	"context"
	"strings"
	"sync"

	"github.com/carlossalguero/kakao-gateway/services/kakao/internal/oauth"
	apperrors "github.com/carlossalguero/kakao-gateway/services/shared/errors"
)

// Provider is a scripted oauth.Provider. Unset funcs return a fixed token
// set and identity. Blank inputs fail like the real provider.
type Provider struct {
	URL string

	ExchangeFunc func(ctx context.Context, code string) (*oauth.TokenSet, error)
	IdentityFunc func(ctx context.Context, accessToken string) (*oauth.UserIdentity, error)

	mu            sync.Mutex
	exchangeCalls []string
	identityCalls []string
}

var _ oauth.Provider = (*Provider)(nil)

// Name returns the provider name.
func (p *Provider) Name() string {
	return "fake"
}

// AuthorizeURL returns URL, or a fixed Kakao-shaped URL when unset.
func (p *Provider) AuthorizeURL() string {
	if p.URL != "" {
		return p.URL
	}
	return oauth.DefaultAuthorizeURL + "?client_id=test&redirect_uri=https%3A%2F%2Fapp.test%2Fcb&response_type=code"
}

// ExchangeCode records the call and runs ExchangeFunc.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth.TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperrors.InvalidAuthorizationCode("authorization code is required")
	}

	p.mu.Lock()
	p.exchangeCalls = append(p.exchangeCalls, code)
	p.mu.Unlock()

	if p.ExchangeFunc != nil {
		return p.ExchangeFunc(ctx, code)
	}
	return &oauth.TokenSet{AccessToken: "access-" + code, TokenType: "bearer"}, nil
}

// FetchUserIdentity records the call and runs IdentityFunc.
func (p *Provider) FetchUserIdentity(ctx context.Context, accessToken string) (*oauth.UserIdentity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, apperrors.InvalidAccessToken("access token is required")
	}

	p.mu.Lock()
	p.identityCalls = append(p.identityCalls, accessToken)
	p.mu.Unlock()

	if p.IdentityFunc != nil {
		return p.IdentityFunc(ctx, accessToken)
	}
	return &oauth.UserIdentity{ID: 1}, nil
}

// ExchangeCalls returns the codes passed to ExchangeCode.
func (p *Provider) ExchangeCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.exchangeCalls...)
}

// IdentityCalls returns the tokens passed to FetchUserIdentity.
func (p *Provider) IdentityCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.identityCalls...)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
