package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", BadRequest(InvalidPKCE, ""), http.StatusBadRequest},
		{"unauthenticated", NewInvalidToken(), http.StatusUnauthorized},
		{"wrapped", fmt.Errorf("exchange: %w", NewInvalidCode()), http.StatusBadRequest},
		{"internal", fmt.Errorf("db down"), http.StatusInternalServerError},
		{"no status", &OAuth2Error{Code: InvalidRequest}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestAs(t *testing.T) {
	oauthErr, ok := As(fmt.Errorf("wrapped: %w", NewInvalidClient()))
	require.True(t, ok)
	assert.Equal(t, InvalidClient, oauthErr.Code)
	assert.Equal(t, "invalid_client: unknown client_id", oauthErr.Error())

	_, ok = As(fmt.Errorf("plain"))
	assert.False(t, ok)
}
