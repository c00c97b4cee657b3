package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cli/browser"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// KeycloakConfig describes the realm client and the tokens to start with.
type KeycloakConfig struct {
	BaseURL      string
	Realm        string
	ClientID     string
	RedirectURI  string
	AccessToken  string
	RefreshToken string
	OpenBrowser  bool
	Timeout      time.Duration
}

// Keycloak implements Provider against a Keycloak realm's OpenID Connect endpoints.
// Token claims are read without signature verification; the storm service
// verifies them.
type Keycloak struct {
	cfg        KeycloakConfig
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
	openURL    func(string) error

	// refreshMu serializes token endpoint calls so concurrent region starts
	// share one refresh.
	refreshMu sync.Mutex

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	subject      string
	expiresAt    time.Time
}

// NewKeycloak creates a provider. Initial tokens from cfg are parsed eagerly.
func NewKeycloak(cfg KeycloakConfig, clock clockwork.Clock, logger *slog.Logger) (*Keycloak, error) {
	k := &Keycloak{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      clock,
		logger:     logger,
		openURL:    browser.OpenURL,
	}
	if cfg.AccessToken != "" {
		if err := k.setTokens(cfg.AccessToken, cfg.RefreshToken); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *Keycloak) IsAuthenticated() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.accessToken != ""
}

func (k *Keycloak) Token() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.accessToken
}

func (k *Keycloak) UserID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.subject
}

// IsTokenExpired follows keycloak-js: a token without exp never expires, a
// missing token is always expired.
func (k *Keycloak) IsTokenExpired(minValidity time.Duration) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.accessToken == "" {
		return true
	}
	if k.expiresAt.IsZero() {
		return false
	}
	return k.clock.Now().Add(minValidity).After(k.expiresAt)
}

func (k *Keycloak) RefreshToken(ctx context.Context, minValidity time.Duration) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	if !k.IsTokenExpired(minValidity) {
		return nil
	}

	k.mu.RLock()
	refresh := k.refreshToken
	k.mu.RUnlock()
	if refresh == "" {
		return ErrNoRefreshToken
	}

	tok, err := k.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {k.cfg.ClientID},
		"refresh_token": {refresh},
	})
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if err := k.setTokens(tok.AccessToken, tok.RefreshToken); err != nil {
		return err
	}
	k.logger.Debug("access token refreshed", "user_id", k.UserID())
	return nil
}

// ExchangeCode completes the authorization code flow started by Login.
func (k *Keycloak) ExchangeCode(ctx context.Context, code string) error {
	tok, err := k.requestToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {k.cfg.ClientID},
		"code":         {code},
		"redirect_uri": {k.cfg.RedirectURI},
	})
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if err := k.setTokens(tok.AccessToken, tok.RefreshToken); err != nil {
		return err
	}
	k.logger.Info("login completed", "user_id", k.UserID())
	return nil
}

// Login logs the realm login URL and opens it in the system browser when enabled.
func (k *Keycloak) Login() error {
	u := k.AuthURL()
	k.logger.Info("login required", "url", u)
	if !k.cfg.OpenBrowser {
		return nil
	}
	if err := k.openURL(u); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	return nil
}

// Logout ends the realm session and forgets the held tokens. The local
// tokens are cleared even when the realm call fails.
func (k *Keycloak) Logout(ctx context.Context) error {
	k.mu.Lock()
	refresh := k.refreshToken
	k.accessToken, k.refreshToken, k.subject, k.expiresAt = "", "", "", time.Time{}
	k.mu.Unlock()

	if refresh == "" {
		return nil
	}

	form := url.Values{"client_id": {k.cfg.ClientID}, "refresh_token": {refresh}}
	resp, err := k.postForm(ctx, k.endpoint("logout"), form)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("logout: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// AuthURL returns the authorization endpoint URL for the configured client.
func (k *Keycloak) AuthURL() string {
	params := url.Values{
		"client_id":     {k.cfg.ClientID},
		"redirect_uri":  {k.cfg.RedirectURI},
		"response_type": {"code"},
		"scope":         {"openid"},
	}
	return k.endpoint("auth") + "?" + params.Encode()
}

func (k *Keycloak) endpoint(name string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/%s",
		strings.TrimRight(k.cfg.BaseURL, "/"), url.PathEscape(k.cfg.Realm), name)
}

func (k *Keycloak) requestToken(ctx context.Context, form url.Values) (tokenResponse, error) {
	resp, err := k.postForm(ctx, k.endpoint("token"), form)
	if err != nil {
		return tokenResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return tokenResponse{}, fmt.Errorf("keycloak token endpoint: status %d: %s", resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return tokenResponse{}, fmt.Errorf("keycloak token endpoint: empty access token")
	}
	return tok, nil
}

func (k *Keycloak) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return k.httpClient.Do(req)
}

func (k *Keycloak) setTokens(access, refresh string) error {
	subject, expiresAt, err := parseClaims(access)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = access
	if refresh != "" {
		k.refreshToken = refresh
	}
	k.subject = subject
	k.expiresAt = expiresAt
	return nil
}

// parseClaims extracts sub and exp from a JWT payload without verifying it.
func parseClaims(token string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("parse access token: %w", err)
	}

	subject, err := claims.GetSubject()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse access token subject: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse access token expiry: %w", err)
	}

	var expiresAt time.Time
	if exp != nil {
		expiresAt = exp.Time
	}
	return subject, expiresAt, nil
}

// tokenResponse is the subset of the token endpoint response the client uses.
// Expiry is read from the access token's exp claim.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

var _ Provider = (*Keycloak)(nil)
