package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/config"
	"github.com/smallbiznis/evvbridge/internal/errcode"
	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeAggregator struct {
	t *testing.T

	tokenCalls  atomic.Int32
	visitCalls  atomic.Int32
	tokenSeq    atomic.Int32
	tokenStatus int

	// visitHandler answers POST /visits; the bearer token is passed in.
	visitHandler func(w http.ResponseWriter, r *http.Request, token string)
	lastForm     map[string]string
	mu           sync.Mutex
}

func (f *fakeAggregator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		require.NoError(f.t, r.ParseForm())
		f.mu.Lock()
		f.lastForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
		}
		f.mu.Unlock()
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		n := f.tokenSeq.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/visits", func(w http.ResponseWriter, r *http.Request) {
		f.visitCalls.Add(1)
		token := r.Header.Get("Authorization")
		f.visitHandler(w, r, token)
	})
	mux.HandleFunc("/employees/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such employee"}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, srv *httptest.Server, flags Flags, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		OrgID:        42,
		BaseURL:      srv.URL,
		ProviderID:   "PRV-1",
		ClientID:     "client",
		ClientSecret: "secret",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	if flags == nil {
		flags = config.NewStaticFlags(config.DefaultIntegrationFlags())
	}
	c, err := NewClient(cfg, flags, WithHTTPClient(srv.Client()), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return c
}

func visit() domain.VisitPayload {
	return domain.VisitPayload{ProviderID: "PRV-1", VisitKey: "A_B_20240304_T1019", ServiceCode: "T1019"}
}

func TestSubmitVisitAccepted(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, token string) {
		assert.Equal(t, "Bearer token-1", token)
		assert.Equal(t, "corr-1", r.Header.Get(correlation.Header))
		var body domain.VisitPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "A_B_20240304_T1019", body.VisitKey)
		writeJSON(w, http.StatusCreated, `{"visitId":"V-1","status":"accepted"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr-1")

	res, err := c.SubmitVisit(ctx, visit())
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, "V-1", res.ID)
	assert.Equal(t, http.StatusCreated, res.HTTPStatus)
	assert.False(t, res.Timestamp.IsZero())

	_, err = c.SubmitVisit(ctx, visit())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.tokenCalls.Load(), "token is cached between calls")
	assert.Equal(t, "client_credentials", fake.lastForm["grant_type"])
	assert.Equal(t, "client", fake.lastForm["client_id"])
	assert.Equal(t, "secret", fake.lastForm["client_secret"])
}

func TestSubmitVisitBusinessRejection(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		writeJSON(w, http.StatusOK, `{"status":"rejected","errors":[{"message":"units exceed authorization","field":"units"}]}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	res, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Equal(t, "units: units exceed authorization", res.Reason())
}

func TestUnreadableSuccessBodyIsInternalError(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html>gateway ok</html>`))
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	res, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	assert.Nil(t, res)
	aggErr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, errcode.SystemInternalError, aggErr.Code)
	assert.Equal(t, http.StatusOK, aggErr.HTTPStatus)
	assert.Equal(t, []byte(`<html>gateway ok</html>`), aggErr.Details)
	assert.True(t, aggErr.Retryable())
}

func TestAcceptedVisitWithoutIDIsInternalError(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		writeJSON(w, http.StatusOK, `{"status":"accepted"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	assert.Equal(t, errcode.SystemInternalError, errcode.Of(err))
}

func TestEmptySuccessBodyIsAccepted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"access_token":"t","expires_in":3600}`)
	})
	mux.HandleFunc("/visits/void", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := newTestClient(t, srv, nil).VoidVisit(context.Background(), domain.VoidPayload{VisitID: "V-1"})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Empty(t, res.ID)
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, token string) {
		if token == "Bearer token-1" {
			writeJSON(w, http.StatusUnauthorized, `{"message":"token expired"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"visitId":"V-2","status":"accepted"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	res, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	require.NoError(t, err)
	assert.Equal(t, "V-2", res.ID)
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
	assert.Equal(t, int32(2), fake.visitCalls.Load())
}

func TestUnauthorizedTwiceFails(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"bad credentials"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	require.Error(t, err)
	assert.Equal(t, errcode.AuthInvalidCredentials, errcode.Of(err))
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
	assert.Equal(t, int32(2), fake.visitCalls.Load(), "exactly one retry")

	aggErr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryAuth, aggErr.Category)
	assert.False(t, aggErr.Retryable())
}

func TestTokenEndpointRejectsCredentials(t *testing.T) {
	fake := &fakeAggregator{t: t, tokenStatus: http.StatusUnauthorized}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		t.Fatal("visit endpoint must not be called without a token")
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	assert.Equal(t, errcode.AuthInvalidCredentials, errcode.Of(err))
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		w.Header().Set("Retry-After", "12")
		writeJSON(w, http.StatusTooManyRequests, `{"message":"slow down"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	start := time.Now()
	_, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "client must not block on Retry-After")

	aggErr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, errcode.SystemRateLimit, aggErr.Code)
	assert.Equal(t, 12*time.Second, aggErr.RetryAfter)
	assert.True(t, aggErr.Retryable())
	assert.Equal(t, int32(1), fake.visitCalls.Load())
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   errcode.Code
		field  string
	}{
		{http.StatusBadRequest, `{"errors":[{"message":"bad date","field":"serviceDate"}]}`, errcode.ValidationInvalidFormat, "serviceDate"},
		{http.StatusUnprocessableEntity, `{"message":"invalid"}`, errcode.ValidationInvalidFormat, ""},
		{http.StatusForbidden, `{}`, errcode.AuthForbidden, ""},
		{http.StatusNotFound, `{"code":"BUSINESS_INDIVIDUAL_NOT_FOUND"}`, errcode.IndividualNotFound, ""},
		{http.StatusNotFound, `{}`, errcode.ValidationInvalidFormat, ""},
		{http.StatusRequestTimeout, ``, errcode.SystemTimeout, ""},
		{http.StatusInternalServerError, `oops`, errcode.SystemInternalError, ""},
		{http.StatusBadGateway, ``, errcode.SystemServiceUnavailable, ""},
		{http.StatusServiceUnavailable, ``, errcode.SystemServiceUnavailable, ""},
		{http.StatusGatewayTimeout, ``, errcode.SystemGatewayTimeout, ""},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			fake := &fakeAggregator{t: t}
			fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
				writeJSON(w, tc.status, tc.body)
			}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()

			_, err := newTestClient(t, srv, nil).SubmitVisit(context.Background(), visit())
			aggErr, ok := domain.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tc.want, aggErr.Code)
			assert.Equal(t, tc.field, aggErr.Field)
			assert.Equal(t, tc.status, aggErr.HTTPStatus)
			assert.False(t, aggErr.Timestamp.IsZero())
		})
	}
}

func TestEmployeeNotFound(t *testing.T) {
	fake := &fakeAggregator{t: t}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).UpdateEmployee(context.Background(), "E-1", domain.EmployeePayload{})
	assert.Equal(t, errcode.EmployeeNotFound, errcode.Of(err))
}

func TestKillSwitchBlocksWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	flags := config.NewStaticFlags(config.IntegrationFlags{Enabled: true, KillSwitch: true})
	c := newTestClient(t, srv, flags)

	_, err := c.SubmitVisit(context.Background(), visit())
	assert.ErrorIs(t, err, domain.ErrKillSwitchActive)
	assert.False(t, c.HealthCheck(context.Background()))

	flags.Set(config.IntegrationFlags{Enabled: false})
	_, err = c.CreateEmployee(context.Background(), domain.EmployeePayload{})
	assert.ErrorIs(t, err, domain.ErrIntegrationDisabled)

	flags.Set(config.DefaultIntegrationFlags())
	orgSwitch := newTestClient(t, srv, flags, func(cfg *Config) { cfg.KillSwitch = true })
	_, err = orgSwitch.VoidVisit(context.Background(), domain.VoidPayload{})
	assert.ErrorIs(t, err, domain.ErrKillSwitchActive)

	assert.Zero(t, hits.Load())
}

func TestRequestTimeout(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv, nil, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	_, err := c.SubmitVisit(context.Background(), visit())
	assert.Equal(t, errcode.SystemTimeout, errcode.Of(err))
}

func TestCancelledContextIsNetworkError(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		writeJSON(w, http.StatusOK, `{"visitId":"V-1","status":"accepted"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, err := c.SubmitVisit(context.Background(), visit())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.SubmitVisit(ctx, visit())
	assert.Equal(t, errcode.SystemNetworkError, errcode.Of(err))
}

func TestConcurrentRefreshAuthenticatesOnce(t *testing.T) {
	var tokenCalls atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		<-release
		writeJSON(w, http.StatusOK, `{"access_token":"shared","expires_in":3600}`)
	})
	mux.HandleFunc("/visits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"visitId":"V","status":"accepted"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SubmitVisit(context.Background(), visit())
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestTokenExpiryTriggersRefresh(t *testing.T) {
	fake := &fakeAggregator{t: t}
	fake.visitHandler = func(w http.ResponseWriter, r *http.Request, _ string) {
		writeJSON(w, http.StatusOK, `{"visitId":"V","status":"accepted"}`)
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	clk := clock.NewFakeClock(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	c, err := NewClient(Config{OrgID: 1, BaseURL: srv.URL, ClientID: "c", ClientSecret: "s"},
		config.NewStaticFlags(config.DefaultIntegrationFlags()),
		WithHTTPClient(srv.Client()), WithClock(clk))
	require.NoError(t, err)

	_, err = c.SubmitVisit(context.Background(), visit())
	require.NoError(t, err)
	clk.Advance(59 * time.Minute)
	_, err = c.SubmitVisit(context.Background(), visit())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.tokenCalls.Load())

	clk.Advance(time.Minute)
	_, err = c.SubmitVisit(context.Background(), visit())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
}

func TestHealthCheck(t *testing.T) {
	fake := &fakeAggregator{t: t}
	srv := httptest.NewServer(fake.handler())
	c := newTestClient(t, srv, nil)
	assert.True(t, c.HealthCheck(context.Background()))
	assert.Zero(t, fake.tokenCalls.Load())

	srv.Close()
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "", ClientID: "c", ClientSecret: "s"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewClient(Config{BaseURL: "not a url", ClientID: "c", ClientSecret: "s"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-5", now))
}

func TestRegistryReusesClients(t *testing.T) {
	reg := NewRegistry(config.NewStaticFlags(config.DefaultIntegrationFlags()))
	cfg := Config{OrgID: 7, BaseURL: "https://agg.example.com", ClientID: "c", ClientSecret: "s"}

	a, err := reg.Client(cfg)
	require.NoError(t, err)
	b, err := reg.Client(cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)

	cfg.ClientSecret = "rotated"
	c, err := reg.Client(cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	reg.Evict(7)
	d, err := reg.Client(cfg)
	require.NoError(t, err)
	assert.NotSame(t, c, d)
}
