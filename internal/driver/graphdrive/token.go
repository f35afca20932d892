package graphdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Access tokens are refreshed this long before their reported expiry.
const refreshEarly = 5 * time.Minute

// tokenManager caches an access token and refreshes it through either the
// native OAuth refresh-token flow or a pluggable "Online API" renewal
// endpoint. At most one refresh is in flight; concurrent callers wait on the
// mutex and observe the refreshed token.
type tokenManager struct {
	clientID     string
	tenant       string
	onlineAPI    string
	httpClient   *http.Client
	refreshToken string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	now func() time.Time
}

func newTokenManager(clientID, tenant, onlineAPI, refreshToken string, httpClient *http.Client) *tokenManager {
	if tenant == "" {
		tenant = "common"
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &tokenManager{
		clientID:     clientID,
		tenant:       tenant,
		onlineAPI:    onlineAPI,
		httpClient:   httpClient,
		refreshToken: refreshToken,
		now:          time.Now,
	}
}

// Token returns a valid access token, refreshing when the cached one is
// within the early-refresh window of expiry.
func (m *tokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && m.now().Before(m.expiresAt.Add(-refreshEarly)) {
		return m.accessToken, nil
	}

	var err error
	if m.onlineAPI != "" {
		err = m.refreshViaOnlineAPI(ctx)
	} else {
		err = m.refreshViaOAuth(ctx)
	}

	if err != nil {
		// A failed renewal invalidates the cache so the next call retries.
		m.accessToken = ""
		m.expiresAt = time.Time{}

		return "", err
	}

	return m.accessToken, nil
}

// refreshViaOAuth runs the standard refresh-token grant against the
// Microsoft identity platform.
func (m *tokenManager) refreshViaOAuth(ctx context.Context) error {
	cfg := &oauth2.Config{
		ClientID: m.clientID,
		Endpoint: microsoft.AzureADEndpoint(m.tenant),
		Scopes:   []string{"Files.ReadWrite.All", "offline_access"},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: m.refreshToken}).Token()
	if err != nil {
		return fmt.Errorf("graphdrive: refreshing access token: %w", err)
	}

	m.accessToken = tok.AccessToken
	m.expiresAt = tok.Expiry

	if tok.RefreshToken != "" {
		m.refreshToken = tok.RefreshToken
	}

	return nil
}

// refreshViaOnlineAPI renews through the external endpoint, which takes the
// refresh credential as the refresh_ui GET parameter and answers
// {access_token, expires_in}.
func (m *tokenManager) refreshViaOnlineAPI(ctx context.Context) error {
	u, err := url.Parse(m.onlineAPI)
	if err != nil {
		return fmt.Errorf("graphdrive: invalid online API endpoint: %w", err)
	}

	q := u.Query()
	q.Set("refresh_ui", m.refreshToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("graphdrive: building renewal request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphdrive: token renewal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return fmt.Errorf("graphdrive: token renewal returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("graphdrive: decoding renewal response: %w", err)
	}

	if payload.AccessToken == "" {
		return errors.New("graphdrive: renewal response carried no access_token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	m.accessToken = payload.AccessToken
	m.expiresAt = m.now().Add(time.Duration(expiresIn) * time.Second)

	return nil
}
