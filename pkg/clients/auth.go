package clients

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Auth types accepted in connector configuration.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthOAuth2 = "oauth2"
)

// Authenticator decorates outgoing requests with credentials.
type Authenticator interface {
	// Type returns the configured auth type
	Type() string
	// Apply adds credentials to req, fetching a token first if needed
	Apply(ctx context.Context, req *http.Request) error
	// Invalidate drops cached credentials so the next Apply re-authenticates.
	// Called when the remote side answers 401.
	Invalidate()
}

// NewAuthenticator builds the authenticator for cfg. httpClient is used
// for token requests and may be nil.
func NewAuthenticator(cfg config.AuthConfig, httpClient *http.Client) (Authenticator, error) {
	switch cfg.Type {
	case "", AuthNone:
		return noAuth{}, nil
	case AuthAPIKey:
		if cfg.APIKey == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "api_key auth requires api_key")
		}
		header := cfg.APIKeyHeader
		if header == "" && cfg.APIKeyParam == "" {
			header = "X-API-Key"
		}
		return &apiKeyAuth{key: cfg.APIKey, header: header, param: cfg.APIKeyParam}, nil
	case AuthBearer:
		if cfg.Token == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "bearer auth requires token")
		}
		return &bearerAuth{token: cfg.Token}, nil
	case AuthBasic:
		if cfg.Username == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "basic auth requires username")
		}
		return &basicAuth{username: cfg.Username, password: cfg.Password}, nil
	case AuthOAuth2:
		if cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "oauth2 auth requires token_url, client_id and client_secret")
		}
		return NewOAuth2Authenticator(&clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}, httpClient), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported auth type %q", cfg.Type)
	}
}

type noAuth struct{}

func (noAuth) Type() string                                 { return AuthNone }
func (noAuth) Apply(context.Context, *http.Request) error   { return nil }
func (noAuth) Invalidate()                                  {}

type apiKeyAuth struct {
	key, header, param string
}

func (a *apiKeyAuth) Type() string { return AuthAPIKey }

func (a *apiKeyAuth) Apply(_ context.Context, req *http.Request) error {
	if a.param != "" {
		q := req.URL.Query()
		q.Set(a.param, a.key)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	req.Header.Set(a.header, a.key)
	return nil
}

func (a *apiKeyAuth) Invalidate() {}

type bearerAuth struct{ token string }

func (a *bearerAuth) Type() string { return AuthBearer }

func (a *bearerAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}

func (a *bearerAuth) Invalidate() {}

type basicAuth struct{ username, password string }

func (a *basicAuth) Type() string { return AuthBasic }

func (a *basicAuth) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.username, a.password)
	return nil
}

func (a *basicAuth) Invalidate() {}

// OAuth2Authenticator performs the client-credentials grant and caches the
// token until it expires or is invalidated.
type OAuth2Authenticator struct {
	cfg        *clientcredentials.Config
	httpClient *http.Client

	mu      sync.Mutex
	token   *oauth2.Token
	fetches int
}

// NewOAuth2Authenticator creates an authenticator over cfg.
func NewOAuth2Authenticator(cfg *clientcredentials.Config, httpClient *http.Client) *OAuth2Authenticator {
	return &OAuth2Authenticator{cfg: cfg, httpClient: httpClient}
}

// Type implements Authenticator.
func (a *OAuth2Authenticator) Type() string { return AuthOAuth2 }

// Apply implements Authenticator.
func (a *OAuth2Authenticator) Apply(ctx context.Context, req *http.Request) error {
	tok, err := a.Token(ctx)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

// Token returns a valid token, requesting a new one when the cached token
// is missing or within its expiry window.
func (a *OAuth2Authenticator) Token(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token.Valid() {
		return a.token, nil
	}
	if a.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	}
	tok, err := a.cfg.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "oauth2 token request failed")
	}
	a.token = tok
	a.fetches++
	return tok, nil
}

// ExpiresAt returns the expiry of the cached token, zero if none.
func (a *OAuth2Authenticator) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil {
		return time.Time{}
	}
	return a.token.Expiry
}

// Fetches returns how many tokens were requested.
func (a *OAuth2Authenticator) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// Invalidate implements Authenticator.
func (a *OAuth2Authenticator) Invalidate() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
}
