package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// TokenExpiryMargin is how long before expiry a cached token stops being used
	TokenExpiryMargin = 60 * time.Second

	// appJWTLifetime is the longest lifetime GitHub accepts for an app JWT
	appJWTLifetime = 10 * time.Minute

	// appJWTClockSkew backdates iat to tolerate clock drift against GitHub
	appJWTClockSkew = 60 * time.Second

	appTokenKey = "app"
)

// TokenExchanger trades an app JWT for an installation access token
type TokenExchanger interface {
	CreateInstallationToken(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error)
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache issues GitHub App credentials: the app JWT and one installation
// token per installation. Tokens are refreshed lazily once they come within
// TokenExpiryMargin of expiry, and concurrent refreshes of the same key are
// collapsed into one.
type TokenCache struct {
	appID     int64
	key       *rsa.PrivateKey
	exchanger TokenExchanger
	clock     clock.Clock

	mu      sync.RWMutex
	entries map[string]tokenEntry
	group   singleflight.Group
}

// NewTokenCache creates a token cache for a GitHub App
func NewTokenCache(appID int64, key *rsa.PrivateKey, exchanger TokenExchanger, clk clock.Clock) *TokenCache {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &TokenCache{
		appID:     appID,
		key:       key,
		exchanger: exchanger,
		clock:     clk,
		entries:   make(map[string]tokenEntry),
	}
}

// ParsePrivateKey decodes a PEM encoded RSA private key
func ParsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}
	return key, nil
}

// AppToken returns a signed app JWT
func (c *TokenCache) AppToken(ctx context.Context) (string, error) {
	entry, err := c.get(ctx, appTokenKey, func(context.Context) (tokenEntry, error) {
		return c.signAppToken()
	})
	if err != nil {
		return "", err
	}
	return entry.token, nil
}

// InstallationToken returns an access token for the installation
func (c *TokenCache) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	entry, err := c.installationEntry(ctx, installationID)
	if err != nil {
		return "", err
	}
	return entry.token, nil
}

// Invalidate drops the cached token of an installation, typically after GitHub rejected it
func (c *TokenCache) Invalidate(installationID int64) {
	c.mu.Lock()
	delete(c.entries, installationKey(installationID))
	c.mu.Unlock()
}

// TokenSource adapts the cache to an oauth2.TokenSource for one installation
func (c *TokenCache) TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource {
	return &installationTokenSource{ctx: ctx, cache: c, installationID: installationID}
}

func (c *TokenCache) installationEntry(ctx context.Context, installationID int64) (tokenEntry, error) {
	return c.get(ctx, installationKey(installationID), func(ctx context.Context) (tokenEntry, error) {
		appToken, err := c.AppToken(ctx)
		if err != nil {
			return tokenEntry{}, err
		}

		token, expiresAt, err := c.exchanger.CreateInstallationToken(ctx, appToken, installationID)
		if err != nil {
			return tokenEntry{}, authError(err, fmt.Sprintf("installation %d", installationID))
		}
		return tokenEntry{token: token, expiresAt: expiresAt}, nil
	})
}

// get returns the cached token for key or refreshes it through a single flight
func (c *TokenCache) get(ctx context.Context, key string, refresh func(context.Context) (tokenEntry, error)) (tokenEntry, error) {
	if entry, ok := c.lookup(key); ok {
		return entry, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have stored a fresh entry while we queued
		if entry, ok := c.lookup(key); ok {
			return entry, nil
		}

		entry, err := refresh(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return tokenEntry{}, err
	}
	return v.(tokenEntry), nil
}

func (c *TokenCache) lookup(key string) (tokenEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.usable(entry) {
		return tokenEntry{}, false
	}
	return entry, true
}

func (c *TokenCache) usable(entry tokenEntry) bool {
	return c.clock.Now().Before(entry.expiresAt.Add(-TokenExpiryMargin))
}

func (c *TokenCache) signAppToken() (tokenEntry, error) {
	now := c.clock.Now()
	expiresAt := now.Add(appJWTLifetime)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTClockSkew)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Issuer:    strconv.FormatInt(c.appID, 10),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return tokenEntry{}, NewError(ErrorTypeAuth, "failed to sign app JWT", err)
	}
	return tokenEntry{token: signed, expiresAt: expiresAt}, nil
}

func installationKey(installationID int64) string {
	return "installation:" + strconv.FormatInt(installationID, 10)
}

// authError classifies an exchange failure. Rate limits keep their type so
// the caller can back off; everything else is a credential failure.
func authError(err error, resource string) error {
	wrapped := WrapGitHubError(err, resource)
	if wrapped.IsRateLimit() {
		return wrapped
	}
	return &Error{
		Type:     ErrorTypeAuth,
		Message:  fmt.Sprintf("failed to obtain installation token: %v", err),
		Cause:    err,
		Resource: resource,
	}
}

type installationTokenSource struct {
	ctx            context.Context
	cache          *TokenCache
	installationID int64
}

// Token implements oauth2.TokenSource
func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	entry, err := s.cache.installationEntry(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	// Expire the oauth2 copy at the cache margin so the transport asks again
	return &oauth2.Token{
		AccessToken: entry.token,
		TokenType:   "Bearer",
		Expiry:      entry.expiresAt.Add(-TokenExpiryMargin),
	}, nil
}

// AppsTokenExchanger exchanges app JWTs through the GitHub Apps API
type AppsTokenExchanger struct {
	httpClient *http.Client
	baseURL    *url.URL
}

// NewAppsTokenExchanger creates an exchanger. An empty baseURL targets api.github.com.
func NewAppsTokenExchanger(httpClient *http.Client, baseURL string) (*AppsTokenExchanger, error) {
	e := &AppsTokenExchanger{httpClient: httpClient}
	if baseURL != "" {
		u, err := parseBaseURL(baseURL)
		if err != nil {
			return nil, err
		}
		e.baseURL = u
	}
	return e, nil
}

func (e *AppsTokenExchanger) appClient(appJWT string) *github.Client {
	client := github.NewClient(e.httpClient).WithAuthToken(appJWT)
	if e.baseURL != nil {
		client.BaseURL = e.baseURL
	}
	return client
}

// CreateInstallationToken implements TokenExchanger
func (e *AppsTokenExchanger) CreateInstallationToken(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error) {
	token, _, err := e.appClient(appJWT).Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	return token.GetToken(), token.GetExpiresAt().Time, nil
}

// BotLogin returns the login GitHub attributes the app's own actions to,
// "<slug>[bot]"
func (e *AppsTokenExchanger) BotLogin(ctx context.Context, appJWT string) (string, error) {
	app, _, err := e.appClient(appJWT).Apps.Get(ctx, "")
	if err != nil {
		return "", WrapGitHubError(err, "app")
	}
	if app.GetSlug() == "" {
		return "", NewError(ErrorTypeUnknown, "GitHub returned an app without a slug", nil)
	}
	return app.GetSlug() + "[bot]", nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw[len(raw)-1] != '/' {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", raw, err)
	}
	return u, nil
}
