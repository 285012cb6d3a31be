package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokens(t *testing.T) {
	a := NewStaticTokens(map[string]Principal{
		"secret-1": {UserID: 1, Email: "ana@example.com"},
		"secret-2": {UserID: 2, Email: "bob@example.com"},
		"":         {UserID: 3},
	})
	ctx := context.Background()

	p, err := a.Authenticate(ctx, "secret-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.UserID)

	_, err = a.Authenticate(ctx, "secret")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Len(t, a.Principals(), 2)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "bearer abc ")
	assert.Equal(t, "abc", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}

func TestMiddleware(t *testing.T) {
	a := NewStaticTokens(map[string]Principal{"tok": {UserID: 9}})
	var gotErr error
	h := Middleware(a, func(w http.ResponseWriter, _ *http.Request, err error) {
		gotErr = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, int64(9), p.UserID)
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, errors.Is(gotErr, ErrUnauthorized))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
