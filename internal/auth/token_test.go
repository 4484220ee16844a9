package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperr "github.com/listingbox/listingbox/internal/errors"
)

var testCred = Credential{
	RefreshToken: "refresh-123",
	ClientID:     "app-key",
	ClientSecret: "app-secret",
}

// tokenServer starts a fake token endpoint and counts the requests it sees.
func tokenServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func writeToken(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":14400}`, token)
}

func TestAcquireTokenParamsStyle(t *testing.T) {
	srv, hits := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-123", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "app-key", r.PostForm.Get("client_id"))
		assert.Equal(t, "app-secret", r.PostForm.Get("client_secret"))
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)
		writeToken(w, "sl.fresh")
	})

	p := NewRefreshProvider(srv.URL, ParseAuthStyle("params"), WithHTTPClient(srv.Client()))
	tok, err := p.AcquireToken(context.Background(), testCred)
	require.NoError(t, err)
	require.Equal(t, "sl.fresh", tok.Value)
	require.False(t, tok.IssuedAt.IsZero())
	require.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestAcquireTokenHeaderStyle(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "app-key", user)
		assert.Equal(t, "app-secret", pass)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-123", r.PostForm.Get("refresh_token"))
		assert.Empty(t, r.PostForm.Get("client_secret"))
		writeToken(w, "sl.basic")
	})

	p := NewRefreshProvider(srv.URL, ParseAuthStyle("header"), WithHTTPClient(srv.Client()))
	tok, err := p.AcquireToken(context.Background(), testCred)
	require.NoError(t, err)
	require.Equal(t, "sl.basic", tok.Value)
}

func TestAcquireTokenNonSuccessStatus(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token is malformed"}`)
	})

	p := NewRefreshProvider(srv.URL, oauth2.AuthStyleInParams, WithHTTPClient(srv.Client()))
	tok, err := p.AcquireToken(context.Background(), testCred)
	require.Error(t, err)
	require.Empty(t, tok.Value)

	var authErr *apperr.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, http.StatusBadRequest, authErr.StatusCode)
	require.Contains(t, authErr.Body, "invalid_grant")
	require.Contains(t, err.Error(), "Token exchange failed: 400")
}

func TestAcquireTokenMissingAccessToken(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token_type":"bearer"}`)
	})

	p := NewRefreshProvider(srv.URL, oauth2.AuthStyleInParams, WithHTTPClient(srv.Client()))
	tok, err := p.AcquireToken(context.Background(), testCred)
	require.Empty(t, tok.Value)

	var authErr *apperr.AuthError
	require.True(t, errors.As(err, &authErr), "got %T: %v", err, err)
}

func TestAcquireTokenTransportFailure(t *testing.T) {
	srv, _ := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	p := NewRefreshProvider(url, oauth2.AuthStyleInParams)
	_, err := p.AcquireToken(context.Background(), testCred)

	var authErr *apperr.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Zero(t, authErr.StatusCode)
}

func TestAcquireTokenIncompleteCredential(t *testing.T) {
	srv, hits := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "never")
	})

	p := NewRefreshProvider(srv.URL, oauth2.AuthStyleInParams, WithHTTPClient(srv.Client()))
	for _, cred := range []Credential{
		{ClientID: "k", ClientSecret: "s"},
		{RefreshToken: "r", ClientSecret: "s"},
		{RefreshToken: "r", ClientID: "k"},
	} {
		_, err := p.AcquireToken(context.Background(), cred)
		require.ErrorIs(t, err, apperr.ErrMissingCredentials)
	}
	require.Zero(t, atomic.LoadInt32(hits))
}

func TestAcquireTokenDoesNotCache(t *testing.T) {
	var n int32
	srv, hits := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, fmt.Sprintf("sl.%d", atomic.AddInt32(&n, 1)))
	})

	p := NewRefreshProvider(srv.URL, oauth2.AuthStyleInParams, WithHTTPClient(srv.Client()))
	first, err := p.AcquireToken(context.Background(), testCred)
	require.NoError(t, err)
	second, err := p.AcquireToken(context.Background(), testCred)
	require.NoError(t, err)

	require.NotEqual(t, first.Value, second.Value)
	require.EqualValues(t, 2, atomic.LoadInt32(hits))
}

func TestStaticProvider(t *testing.T) {
	tok, err := StaticProvider{Token: "dev"}.AcquireToken(context.Background(), Credential{})
	require.NoError(t, err)
	require.Equal(t, "dev", tok.Value)

	_, err = StaticProvider{}.AcquireToken(context.Background(), Credential{})
	var authErr *apperr.AuthError
	require.True(t, errors.As(err, &authErr))
}
