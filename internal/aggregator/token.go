package aggregator

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

	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/errcode"
	"golang.org/x/sync/singleflight"
)

// tokenExpirySkew refreshes a token slightly before the aggregator expires it.
const tokenExpirySkew = 30 * time.Second

type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (t *Token) Expired(now time.Time) bool {
	return t == nil || t.AccessToken == "" || !now.Before(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenSource caches the bearer token. Concurrent callers that find it
// missing or expired share one client-credentials exchange.
type tokenSource struct {
	mu    sync.Mutex
	token *Token
	group singleflight.Group

	fetch func(ctx context.Context) (*Token, error)
	clock clock.Clock
}

func (s *tokenSource) current() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *tokenSource) Token(ctx context.Context) (*Token, error) {
	if tok := s.current(); !tok.Expired(s.clock.Now()) {
		return tok, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		if tok := s.current(); !tok.Expired(s.clock.Now()) {
			return tok, nil
		}
		tok, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// Invalidate drops the cached token only if it is still the one that was
// rejected, so a token refreshed by another goroutine survives.
func (s *tokenSource) Invalidate(stale *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = nil
	}
}

func (c *Client) fetchToken(ctx context.Context) (*Token, error) {
	// The exchange is shared by every waiter, so one caller giving up must
	// not fail the others.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if c.cfg.Scope != "" {
		form.Set("scope", c.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/oauth/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.NewError(errcode.SystemInternalError, err.Error(), c.clock.Now()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		aggErr := c.mapStatus(resp.StatusCode, resp.Header, body, "")
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			aggErr.Code = errcode.AuthInvalidCredentials
			aggErr.Category = domain.CategoryOf(aggErr.Code)
		}
		return nil, aggErr
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.AccessToken) == "" {
		aggErr := domain.NewError(errcode.AuthInvalidCredentials, "token response missing access_token", c.clock.Now())
		aggErr.HTTPStatus = resp.StatusCode
		aggErr.Details = body
		return nil, aggErr
	}

	ttl := time.Duration(payload.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > 2*tokenExpirySkew {
		ttl -= tokenExpirySkew
	}
	c.observer.TokenRefreshed(c.cfg.OrgID.String())
	return &Token{
		AccessToken: payload.AccessToken,
		ExpiresAt:   c.clock.Now().Add(ttl),
	}, nil
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), path)
}
