package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/errcode"
	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second

	maxResponseBytes = 1 << 20
)

const (
	OpCreateEmployee   = "create_employee"
	OpUpdateEmployee   = "update_employee"
	OpCreateIndividual = "create_individual"
	OpUpdateIndividual = "update_individual"
	OpSubmitVisit      = "submit_visit"
	OpSubmitCorrection = "submit_correction"
	OpVoidVisit        = "void_visit"
	OpHealthCheck      = "health_check"
)

// Config identifies one organisation's aggregator account.
type Config struct {
	OrgID        snowflake.ID
	BaseURL      string
	ProviderID   string
	ClientID     string
	ClientSecret string
	Scope        string

	// Disabled and KillSwitch are the organisation level switches. The
	// process level ones come from Flags.
	Disabled   bool
	KillSwitch bool

	RequestTimeout time.Duration
	HealthTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	return c
}

// Flags are the process wide integration switches, polled on every call.
type Flags interface {
	IntegrationEnabled() bool
	KillSwitchActive() bool
}

// Observer receives client telemetry.
type Observer interface {
	ObserveRequest(orgID, operation string, status int, code errcode.Code, elapsed time.Duration)
	TokenRefreshed(orgID string)
	Blocked(orgID, operation string, code errcode.Code)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, string, int, errcode.Code, time.Duration) {}
func (nopObserver) TokenRefreshed(string)                                            {}
func (nopObserver) Blocked(string, string, errcode.Code)                             {}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// Client talks to the aggregator REST API for one organisation. It is safe
// for concurrent use; the bearer token is its only mutable state.
type Client struct {
	cfg        Config
	flags      Flags
	httpClient *http.Client
	clock      clock.Clock
	log        *zap.Logger
	observer   Observer
	tracer     trace.Tracer
	tokens     *tokenSource
}

func NewClient(cfg Config, flags Flags, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.ClientID) == "" || cfg.ClientSecret == "" {
		return nil, domain.ErrInvalidConfig
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, domain.ErrInvalidConfig
	}

	c := &Client{
		cfg:        cfg,
		flags:      flags,
		httpClient: &http.Client{},
		clock:      clock.SystemClock{},
		log:        zap.NewNop(),
		observer:   nopObserver{},
		tracer:     otel.Tracer("evvbridge/aggregator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("aggregator.client").With(zap.String("org_id", cfg.OrgID.String()))
	c.tokens = &tokenSource{fetch: c.fetchToken, clock: c.clock}
	return c, nil
}

func (c *Client) ProviderID() string { return c.cfg.ProviderID }

func (c *Client) CreateEmployee(ctx context.Context, payload domain.EmployeePayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpCreateEmployee, http.MethodPost, "/employees", resourceEmployees, payload)
}

func (c *Client) UpdateEmployee(ctx context.Context, employeeID string, payload domain.EmployeePayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpUpdateEmployee, http.MethodPut, "/employees/"+url.PathEscape(employeeID), resourceEmployees, payload)
}

func (c *Client) CreateIndividual(ctx context.Context, payload domain.IndividualPayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpCreateIndividual, http.MethodPost, "/individuals", resourceIndividuals, payload)
}

func (c *Client) UpdateIndividual(ctx context.Context, individualID string, payload domain.IndividualPayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpUpdateIndividual, http.MethodPut, "/individuals/"+url.PathEscape(individualID), resourceIndividuals, payload)
}

func (c *Client) SubmitVisit(ctx context.Context, payload domain.VisitPayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpSubmitVisit, http.MethodPost, "/visits", resourceVisits, payload)
}

func (c *Client) SubmitCorrection(ctx context.Context, payload domain.CorrectionPayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpSubmitCorrection, http.MethodPost, "/visits/corrections", resourceVisits, payload)
}

func (c *Client) VoidVisit(ctx context.Context, payload domain.VoidPayload) (*domain.SubmitResult, error) {
	return c.call(ctx, OpVoidVisit, http.MethodPost, "/visits/void", resourceVisits, payload)
}

// HealthCheck reports whether the status endpoint answers 2xx within the
// health timeout. It never returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if err := c.checkFlags(OpHealthCheck); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/status"), nil)
	if err != nil {
		return false
	}
	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("aggregator health check failed", zap.Error(err))
		c.observer.ObserveRequest(c.cfg.OrgID.String(), OpHealthCheck, 0, c.transportError(err).Code, c.clock.Now().Sub(start))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	c.observer.ObserveRequest(c.cfg.OrgID.String(), OpHealthCheck, resp.StatusCode, "", c.clock.Now().Sub(start))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) checkFlags(op string) error {
	var code errcode.Code
	switch {
	case c.cfg.KillSwitch || (c.flags != nil && c.flags.KillSwitchActive()):
		code = errcode.KillSwitchActive
	case c.cfg.Disabled || (c.flags != nil && !c.flags.IntegrationEnabled()):
		code = errcode.IntegrationDisabled
	default:
		return nil
	}
	c.observer.Blocked(c.cfg.OrgID.String(), op, code)
	message := "aggregator kill switch is active"
	if code == errcode.IntegrationDisabled {
		message = "aggregator integration is disabled"
	}
	return domain.NewError(code, message, c.clock.Now())
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// call runs the full request cycle: flags, token, dispatch, one refresh on
// 401, and mapping of the outcome.
func (c *Client) call(ctx context.Context, op, method, path, resource string, payload any) (*domain.SubmitResult, error) {
	if err := c.checkFlags(op); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewError(errcode.ValidationInvalidFormat, "encode payload: "+err.Error(), c.clock.Now()).WithCause(err)
	}

	ctx, span := c.tracer.Start(ctx, "aggregator."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("org_id", c.cfg.OrgID.String()),
			attribute.String("http.method", method),
			attribute.String("aggregator.resource", resource),
		),
	)
	defer span.End()

	start := c.clock.Now()
	result, aggErr := c.dispatch(ctx, op, method, path, resource, body)
	elapsed := c.clock.Now().Sub(start)

	if aggErr != nil {
		span.SetStatus(codes.Error, string(aggErr.Code))
		span.SetAttributes(attribute.Int("http.status_code", aggErr.HTTPStatus))
		c.observer.ObserveRequest(c.cfg.OrgID.String(), op, aggErr.HTTPStatus, aggErr.Code, elapsed)
		c.log.Warn("aggregator request failed",
			zap.String("operation", op),
			zap.String("code", string(aggErr.Code)),
			zap.Int("http_status", aggErr.HTTPStatus),
			zap.Duration("retry_after", aggErr.RetryAfter),
			zap.Duration("elapsed", elapsed),
		)
		return nil, aggErr
	}

	span.SetAttributes(
		attribute.Int("http.status_code", result.HTTPStatus),
		attribute.String("aggregator.status", result.Status),
	)
	c.observer.ObserveRequest(c.cfg.OrgID.String(), op, result.HTTPStatus, "", elapsed)
	c.log.Debug("aggregator request completed",
		zap.String("operation", op),
		zap.String("status", result.Status),
		zap.Int("http_status", result.HTTPStatus),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (c *Client) dispatch(ctx context.Context, op, method, path, resource string, body []byte) (*domain.SubmitResult, *domain.Error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, asAggregatorError(err, c.clock.Now())
	}

	resp, err := c.send(ctx, method, path, body, tok)
	if err != nil {
		return nil, c.transportError(err)
	}

	if resp.status == http.StatusUnauthorized {
		c.log.Info("aggregator rejected token, refreshing once")
		c.tokens.Invalidate(tok)
		tok, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, asAggregatorError(err, c.clock.Now())
		}
		resp, err = c.send(ctx, method, path, body, tok)
		if err != nil {
			return nil, c.transportError(err)
		}
	}

	if resp.status < 200 || resp.status >= 300 {
		return nil, c.mapStatus(resp.status, resp.header, resp.body, resource)
	}
	return c.parseResult(op, resp)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, tok *Token) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
		req.Header.Set(correlation.Header, cid)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

type resultBody struct {
	ID           string                 `json:"id"`
	VisitID      string                 `json:"visitId"`
	EmployeeID   string                 `json:"employeeId"`
	IndividualID string                 `json:"individualId"`
	Status       string                 `json:"status"`
	Errors       []domain.ResponseError `json:"errors"`
}

// parseResult reads a 2xx body. An empty body is an accepted call with no
// identifier; a body that is not JSON, or an accepted visit without a visit
// id, is SYSTEM_INTERNAL_ERROR so the call stays retryable.
func (c *Client) parseResult(op string, resp *response) (*domain.SubmitResult, *domain.Error) {
	var parsed resultBody
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, &parsed); err != nil {
			return nil, c.unreadableResult(resp, "decode aggregator response: "+err.Error()).WithCause(err)
		}
	}

	id := parsed.VisitID
	for _, candidate := range []string{parsed.EmployeeID, parsed.IndividualID, parsed.ID} {
		if id != "" {
			break
		}
		id = candidate
	}

	status := strings.ToLower(strings.TrimSpace(parsed.Status))
	if status != domain.StatusAccepted && status != domain.StatusRejected {
		status = domain.StatusAccepted
		if len(parsed.Errors) > 0 {
			status = domain.StatusRejected
		}
	}

	if status == domain.StatusAccepted && id == "" && op == OpSubmitVisit {
		return nil, c.unreadableResult(resp, "aggregator accepted "+op+" without a visit id")
	}

	return &domain.SubmitResult{
		ID:         id,
		Status:     status,
		Errors:     parsed.Errors,
		HTTPStatus: resp.status,
		Raw:        json.RawMessage(resp.body),
		Timestamp:  c.clock.Now(),
	}, nil
}

func (c *Client) unreadableResult(resp *response, message string) *domain.Error {
	aggErr := domain.NewError(errcode.SystemInternalError, message, c.clock.Now())
	aggErr.HTTPStatus = resp.status
	aggErr.Details = resp.body
	return aggErr
}

func asAggregatorError(err error, now time.Time) *domain.Error {
	if aggErr, ok := domain.AsError(err); ok {
		return aggErr
	}
	return domain.NewError(errcode.SystemInternalError, err.Error(), now).WithCause(err)
}
