// Package token manages OAuth access-token lifecycle: deciding when a
// stored token has expired and exchanging refresh tokens against the
// identity provider's token endpoint.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/crescent-systems/mailharvest/internal/models"
)

// DefaultEndpoint is the Microsoft identity platform v2 token endpoint for
// the given tenant directory.
func DefaultEndpoint(tenant string) string {
	return "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token"
}

// RefreshError is returned when the identity provider rejects or fails a
// refresh exchange. Body carries the provider's raw error payload. It is
// tenant-scoped: the caller skips the tenant for the tick and retries on
// the next one.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh rejected with status %d: %s", e.StatusCode, e.Body)
}

// Manager performs refresh-token exchanges with the same client identity
// used for the original login. It holds no per-tenant state; persistence of
// refreshed pairs is the caller's responsibility.
type Manager struct {
	endpoint     string
	clientID     string
	clientSecret string
	scope        string
	skew         time.Duration
	client       *http.Client
	limiter      *rate.Limiter
	now          func() time.Time
}

type Options struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Scope        string

	// Skew shifts the expiry decision: a token is treated as expired Skew
	// before its stored expiry, so it is never used mid-request while it
	// lapses. Zero keeps the exact stored boundary.
	Skew time.Duration

	// RefreshRPS/RefreshBurst throttle exchanges across all tenants so a
	// tick over a large tenant set cannot hammer the provider.
	RefreshRPS   float64
	RefreshBurst int

	HTTPClient *http.Client
	Now        func() time.Time
}

func NewManager(opts Options) *Manager {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rps := opts.RefreshRPS
	if rps <= 0 {
		rps = 5
	}
	burst := opts.RefreshBurst
	if burst <= 0 {
		burst = 5
	}

	return &Manager{
		endpoint:     opts.Endpoint,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		scope:        opts.Scope,
		skew:         opts.Skew,
		client:       client,
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		now:          now,
	}
}

// IsExpired reports whether the stored absolute expiry has passed. The
// boundary counts as expired, and the configured skew moves the decision
// earlier by the same amount.
func (m *Manager) IsExpired(expiresAtMilli int64) bool {
	return expiresAtMilli <= m.now().Add(m.skew).UnixMilli()
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh exchanges the refresh token for a new pair. On a non-2xx
// response it returns a *RefreshError carrying the provider's raw body.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return models.TokenPair{}, fmt.Errorf("refresh throttled: %w", err)
	}

	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_secret", m.clientSecret)
	form.Set("scope", m.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.TokenPair{}, &RefreshError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.TokenPair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return models.TokenPair{}, fmt.Errorf("refresh response missing access_token")
	}

	return models.TokenPair{
		AccessToken:    parsed.AccessToken,
		RefreshToken:   parsed.RefreshToken,
		ExpiresAtMilli: m.now().UnixMilli() + parsed.ExpiresIn*1000,
	}, nil
}
