package sync15

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenProvider hands out storage-node credentials: the node URL, the
// Authorization header value for requests against it, and the hashed user
// id used to key telemetry and local state.
type TokenProvider interface {
	APIEndpoint(ctx context.Context) (string, error)
	Authorization(ctx context.Context) (string, error)
	HashedUID(ctx context.Context) (string, error)
	// OnAuthFailure is called when the storage server rejects the
	// credentials, so a fresh token can be fetched on the next request.
	OnAuthFailure()
}

// tokenserverToken is the wire response from the tokenserver.
type tokenserverToken struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	UID          uint64 `json:"uid"`
	APIEndpoint  string `json:"api_endpoint"`
	Duration     int64  `json:"duration"`
	HashedFxAUID string `json:"hashed_fxa_uid"`
}

// TokenserverClient fetches and caches sync tokens from a tokenserver,
// authenticating with an OAuth bearer token. Tokens are reused until close
// to expiry and dropped eagerly when the storage server replies 401.
type TokenserverClient struct {
	http        *http.Client
	log         *zap.Logger
	serverURL   *url.URL
	accessToken string
	now         func() time.Time

	mu         sync.Mutex
	token      *tokenserverToken
	validUntil time.Time
}

// NewTokenserverClient builds a client against the given tokenserver base
// URL. The "/1.0/sync/1.5" suffix is appended when absent, so both the bare
// server URL and the full token URL are accepted.
func NewTokenserverClient(httpClient *http.Client, log *zap.Logger, serverURL, accessToken string) (*TokenserverClient, error) {
	u, err := fixupTokenserverURL(serverURL)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenserverClient{
		http:        httpClient,
		log:         log,
		serverURL:   u,
		accessToken: accessToken,
		now:         time.Now,
	}, nil
}

func fixupTokenserverURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad tokenserver url: %w", err)
	}
	trimmed := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(trimmed, "/1.0/sync/1.5") && trimmed != "1.0/sync/1.5" {
		trimmed += "/1.0/sync/1.5"
	}
	u.Path = trimmed
	return u, nil
}

// accessTokenUsable reports whether the OAuth token itself still looks
// valid. When it is a JWT we peek at the exp claim without verifying the
// signature; the tokenserver does the real validation.
func (tc *TokenserverClient) accessTokenUsable() bool {
	parts := strings.Split(tc.accessToken, ".")
	if len(parts) != 3 {
		return true
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tc.accessToken, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return tc.now().Before(claims.ExpiresAt.Time)
}

func (tc *TokenserverClient) currentToken(ctx context.Context) (*tokenserverToken, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.token != nil && tc.now().Before(tc.validUntil) {
		return tc.token, nil
	}
	if !tc.accessTokenUsable() {
		return nil, &TokenserverHTTPError{Status: http.StatusUnauthorized}
	}
	token, err := tc.fetchToken(ctx)
	if err != nil {
		return nil, err
	}
	if tc.token != nil && tc.token.APIEndpoint != token.APIEndpoint {
		tc.log.Warn("storage node reassigned",
			zap.String("from", tc.token.APIEndpoint),
			zap.String("to", token.APIEndpoint))
		tc.token = nil
		tc.validUntil = time.Time{}
		return nil, ErrStorageReset
	}
	tc.token = token
	tc.validUntil = tc.now().Add(time.Duration(token.Duration) * time.Second)
	return token, nil
}

func (tc *TokenserverClient) fetchToken(ctx context.Context) (*tokenserverToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.serverURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tc.accessToken)
	resp, err := tc.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching sync token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if after, ok := parseRetryAfter(resp.Header); ok {
			return nil, &BackoffError{After: tc.now().Add(after)}
		}
		return nil, &TokenserverHTTPError{Status: resp.StatusCode}
	}
	var token tokenserverToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("parsing sync token: %w", err)
	}
	token.APIEndpoint = strings.TrimRight(token.APIEndpoint, "/")
	return &token, nil
}

// APIEndpoint returns the storage node base URL for this user.
func (tc *TokenserverClient) APIEndpoint(ctx context.Context) (string, error) {
	token, err := tc.currentToken(ctx)
	if err != nil {
		return "", err
	}
	return token.APIEndpoint, nil
}

// Authorization returns the header value for storage requests.
func (tc *TokenserverClient) Authorization(ctx context.Context) (string, error) {
	token, err := tc.currentToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token.ID, nil
}

// HashedUID returns the server-hashed stable user id.
func (tc *TokenserverClient) HashedUID(ctx context.Context) (string, error) {
	token, err := tc.currentToken(ctx)
	if err != nil {
		return "", err
	}
	return token.HashedFxAUID, nil
}

// OnAuthFailure drops the cached token so the next request re-fetches.
func (tc *TokenserverClient) OnAuthFailure() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = nil
	tc.validUntil = time.Time{}
}
