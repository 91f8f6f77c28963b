package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	t.Run("without underlying error", func(t *testing.T) {
		err := New(CodeInvalidAccessToken, "token expired")
		assert.Equal(t, "INVALID_ACCESS_TOKEN: token expired", err.Error())
	})

	t.Run("with underlying error", func(t *testing.T) {
		underlying := errors.New("connection refused")
		err := Wrap(CodeUpstreamUnavailable, "token endpoint unreachable", underlying)
		assert.Contains(t, err.Error(), "UPSTREAM_UNAVAILABLE: token endpoint unreachable")
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	assert.True(t, errors.Is(err, underlying))
}

func TestError_Is(t *testing.T) {
	err1 := InvalidAuthorizationCode("code expired")
	err2 := InvalidAuthorizationCode("code already used")
	err3 := UpstreamProtocol("missing access_token")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
	assert.True(t, errors.Is(err1, ErrInvalidAuthorizationCode))
	assert.True(t, errors.Is(err3, ErrUpstreamProtocol))
}

func TestError_Is_ThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("exchange: %w", InvalidAccessToken("expired"))

	assert.True(t, errors.Is(err, ErrInvalidAccessToken))
	assert.False(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.True(t, IsCode(err, CodeInvalidAccessToken))
	assert.Equal(t, CodeInvalidAccessToken, GetCode(err))
}

func TestError_WithDetails(t *testing.T) {
	err := New(CodeInvalidAuthorizationCode, "validation failed")
	details := map[string]string{"field": "code", "reason": "blank"}

	withDetails := err.WithDetails(details)

	assert.Equal(t, err.Code, withDetails.Code)
	assert.Equal(t, err.Message, withDetails.Message)
	assert.Equal(t, details, withDetails.Details)
}

func TestError_Wrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := New(CodeInternal, "wrapper")

	wrapped := err.Wrap(underlying)

	assert.Equal(t, err.Code, wrapped.Code)
	assert.Equal(t, err.Message, wrapped.Message)
	assert.Equal(t, underlying, wrapped.Err)
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		code     Code
		expected int
	}{
		{CodeInvalidAuthorizationCode, http.StatusBadRequest},
		{CodeAccessDenied, http.StatusBadRequest},
		{CodeInvalidAccessToken, http.StatusUnauthorized},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUpstreamProtocol, http.StatusBadGateway},
		{CodeCanceled, 499},
		{CodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{CodeConfiguration, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			assert.Equal(t, tt.expected, err.HTTPStatusCode())
		})
	}
}

func TestCanceled(t *testing.T) {
	err := Canceled("caller went away", context.Canceled)

	assert.Equal(t, CodeCanceled, err.Code)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 499, err.HTTPStatusCode())
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	coded := UpstreamUnavailable("down")
	assert.Same(t, coded, From(fmt.Errorf("ctx: %w", coded)))

	plain := errors.New("boom")
	converted := From(plain)
	assert.Equal(t, CodeInternal, converted.Code)
	assert.ErrorIs(t, converted, plain)
}
