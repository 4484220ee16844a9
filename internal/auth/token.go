// Package auth exchanges a long-lived OAuth2 refresh credential for the
// short-lived bearer tokens used against the storage API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	apperr "github.com/listingbox/listingbox/internal/errors"
	"github.com/listingbox/listingbox/internal/metrics"
)

// Credential is the refresh credential and application key/secret pair. It
// is built once at start-up and never mutated.
type Credential struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Complete reports whether every field of the credential is set.
func (c Credential) Complete() bool {
	return c.RefreshToken != "" && c.ClientID != "" && c.ClientSecret != ""
}

// AccessToken is a short-lived bearer token. Expiry is not tracked because a
// new token is acquired for every operation.
type AccessToken struct {
	Value    string
	IssuedAt time.Time
}

// TokenProvider acquires a bearer token for a credential.
type TokenProvider interface {
	AcquireToken(ctx context.Context, cred Credential) (AccessToken, error)
}

// ParseAuthStyle maps the configured auth style to its oauth2 equivalent:
// "header" sends the key/secret as HTTP Basic auth, anything else sends them
// as form parameters.
func ParseAuthStyle(s string) oauth2.AuthStyle {
	if s == "header" {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

// RefreshProvider performs the refresh_token grant against a fixed token
// endpoint. It holds no token state: every AcquireToken call results in one
// request to the endpoint, and failures are never retried here.
type RefreshProvider struct {
	tokenURL string
	style    oauth2.AuthStyle
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a RefreshProvider.
type Option func(*RefreshProvider)

// WithHTTPClient sets the HTTP client used for the token request.
func WithHTTPClient(c *http.Client) Option {
	return func(p *RefreshProvider) {
		p.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *RefreshProvider) {
		p.logger = l
	}
}

// NewRefreshProvider creates a RefreshProvider for the given token endpoint.
func NewRefreshProvider(tokenURL string, style oauth2.AuthStyle, opts ...Option) *RefreshProvider {
	p := &RefreshProvider{
		tokenURL: tokenURL,
		style:    style,
		client:   http.DefaultClient,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AcquireToken exchanges cred for a fresh access token. Failures are
// returned as *errors.AuthError, or errors.ErrMissingCredentials when the
// credential is incomplete.
func (p *RefreshProvider) AcquireToken(ctx context.Context, cred Credential) (AccessToken, error) {
	if !cred.Complete() {
		return AccessToken{}, apperr.ErrMissingCredentials
	}

	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: p.style,
		},
	}

	// A new TokenSource per call: the seed token carries only the refresh
	// token, so the source always goes to the endpoint.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		metrics.TokenExchangesTotal.WithLabelValues("failure").Inc()
		authErr := toAuthError(err)
		p.logger.Error("Token exchange failed", "status", authErr.StatusCode, "error", err)
		return AccessToken{}, authErr
	}
	if tok.AccessToken == "" {
		metrics.TokenExchangesTotal.WithLabelValues("failure").Inc()
		return AccessToken{}, &apperr.AuthError{Err: errors.New("response missing access_token")}
	}

	metrics.TokenExchangesTotal.WithLabelValues("success").Inc()
	return AccessToken{Value: tok.AccessToken, IssuedAt: time.Now().UTC()}, nil
}

// toAuthError converts an oauth2 failure into an AuthError, keeping the
// endpoint's status code and body when a response was received.
func toAuthError(err error) *apperr.AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &apperr.AuthError{StatusCode: status, Body: string(retrieveErr.Body), Err: err}
	}
	return &apperr.AuthError{Err: fmt.Errorf("requesting token: %w", err)}
}

// StaticProvider always returns the same token. It backs the in-memory
// storage backend, which does not check tokens.
type StaticProvider struct {
	Token string
}

// AcquireToken returns the static token.
func (p StaticProvider) AcquireToken(ctx context.Context, cred Credential) (AccessToken, error) {
	if p.Token == "" {
		return AccessToken{}, &apperr.AuthError{Err: errors.New("static token is empty")}
	}
	return AccessToken{Value: p.Token, IssuedAt: time.Now().UTC()}, nil
}
