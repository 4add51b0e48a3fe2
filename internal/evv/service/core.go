package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/audit/masking"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/errcode"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/observability/metrics"
	"github.com/smallbiznis/evvbridge/internal/orgcontext"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/pkg/log/ctxlogger"
	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ClientSource hands out the aggregator client for an organisation.
// *aggregator.Registry is the production implementation.
type ClientSource interface {
	Client(cfg aggregator.Config) (*aggregator.Client, error)
}

// SubmitOptions control a single submission.
type SubmitOptions struct {
	ForceSubmit    bool
	SkipValidation bool
	DryRun         bool
	// RetryOf is the failed transaction being re-driven, if any. Retry
	// counts carry over from it.
	RetryOf *domain.Transaction
}

type Params struct {
	fx.In

	Repo    domain.Repository
	Clients ClientSource
	Pacer   ratelimit.Pacer
	Locker  *ratelimit.Locker `optional:"true"`
	Metrics *metrics.EVV      `optional:"true"`
	Clock   clock.Clock
	GenID   *snowflake.Node
	Log     *zap.Logger
}

// core is shared by the orchestrators.
type core struct {
	repo    domain.Repository
	clients ClientSource
	locker  *ratelimit.Locker
	metrics *metrics.EVV
	clock   clock.Clock
	genID   *snowflake.Node
	log     *zap.Logger
}

func newCore(p Params, name string) core {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return core{
		repo:    p.Repo,
		clients: p.Clients,
		locker:  p.Locker,
		metrics: p.Metrics,
		clock:   clk,
		genID:   p.GenID,
		log:     log.Named(name),
	}
}

func (c *core) orgID(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return orgID, nil
}

func (c *core) logger(ctx context.Context) *zap.Logger {
	return ctxlogger.WithContext(ctx, c.log)
}

// clientFor builds the organisation's aggregator client from its stored
// configuration.
func (c *core) clientFor(cfg *domain.BusinessRuleConfig) (*aggregator.Client, error) {
	creds, err := c.repo.DecryptCredentials(cfg.CredentialsEncrypted)
	if err != nil {
		return nil, err
	}
	return c.clients.Client(aggregator.Config{
		OrgID:        cfg.OrgID,
		BaseURL:      cfg.BaseURL,
		ProviderID:   cfg.ProviderID,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Scope:        creds.Scope,
		Disabled:     !cfg.IntegrationEnabled,
		KillSwitch:   cfg.KillSwitch,
	})
}

// attempt describes one aggregator call for the audit trail.
type attempt struct {
	orgID    snowflake.ID
	txType   domain.TransactionType
	subject  domain.Subject
	op       string
	visitKey string
	request  any
	cfg      *domain.BusinessRuleConfig
	retryOf  *domain.Transaction
}

// record writes the transaction row for an attempt that reached the client.
// It runs detached from ctx so a cancelled caller still leaves an audit row.
// Calls blocked locally by the kill switch are not recorded: nothing was
// sent. When the write fails the returned transaction has a zero ID and no
// retry schedule, so outcomes never point at a row that does not exist.
func (c *core) record(ctx context.Context, a attempt, result *aggdomain.SubmitResult, callErr error) *domain.Transaction {
	now := c.clock.Now()
	tx := domain.NewTransaction(c.genID.Generate(), a.orgID, a.txType, a.subject, now)
	tx.Operation = a.op
	tx.CorrelationID = correlation.ExtractCorrelationID(ctx)
	if a.visitKey != "" {
		key := a.visitKey
		tx.VisitKey = &key
	}
	if body, err := json.Marshal(a.request); err == nil {
		tx.RequestPayload = datatypes.JSON(masking.MaskPayload(body))
	}

	tx.MaxRetries = a.cfg.MaxRetries
	if a.retryOf != nil {
		tx.RetryCount = a.retryOf.RetryCount + 1
		id := a.retryOf.ID
		tx.RetryOf = &id
	}

	switch {
	case callErr != nil:
		aggErr := asAggregatorError(callErr, now)
		tx.Status = domain.TransactionFailed
		tx.HTTPStatus = aggErr.HTTPStatus
		code, category, msg := string(aggErr.Code), string(aggErr.Category), aggErr.Message
		tx.ErrorCode, tx.ErrorCategory, tx.ErrorMessage = &code, &category, &msg
		if len(aggErr.Details) > 0 {
			tx.ResponsePayload = responseJSON(aggErr.Details)
		}
		if aggErr.Retryable() && tx.RetryCount < tx.MaxRetries {
			delay := a.cfg.RetryDelay()
			if aggErr.RetryAfter > 0 {
				delay = aggErr.RetryAfter
			}
			next := now.Add(delay)
			tx.NextRetryAt = &next
		}
	case result.Accepted():
		tx.Status = domain.TransactionAccepted
		tx.HTTPStatus = result.HTTPStatus
		tx.ResponsePayload = responseJSON(result.Raw)
		if result.ID != "" {
			id := result.ID
			tx.AggregatorID = &id
		}
	default:
		tx.Status = domain.TransactionRejected
		tx.HTTPStatus = result.HTTPStatus
		tx.ResponsePayload = responseJSON(result.Raw)
		if reason := result.Reason(); reason != "" {
			tx.ErrorMessage = &reason
		}
	}

	if err := c.repo.CreateTransaction(context.WithoutCancel(ctx), tx); err != nil {
		c.logger(ctx).Error("failed to record aggregator transaction",
			zap.String("operation", a.op),
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err),
		)
		c.metrics.AuditWriteFailed(a.op)
		tx.ID = 0
		tx.NextRetryAt = nil
		return tx
	}
	return tx
}

// responseJSON masks a response body for the jsonb audit column. Bodies that
// are not JSON, such as gateway error pages, are kept as a string.
func responseJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(masking.MaskPayload(raw))
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(raw)})
	if err != nil {
		return nil
	}
	return datatypes.JSON(wrapped)
}

// blocked reports whether err is a local refusal that never reached the
// network.
func blocked(err error) bool {
	aggErr, ok := aggdomain.AsError(err)
	return ok && aggErr.Category == aggdomain.CategoryLocal
}

func asAggregatorError(err error, now time.Time) *aggdomain.Error {
	if aggErr, ok := aggdomain.AsError(err); ok {
		return aggErr
	}
	return aggdomain.NewError(errcode.SystemInternalError, err.Error(), now).WithCause(err)
}

// failed turns a client error into an outcome, linking the transaction
// when one was written.
func failed(err error, tx *domain.Transaction, now time.Time) domain.Failed {
	out := domain.Failed{Err: asAggregatorError(err, now)}
	if tx != nil {
		out.TransactionID = tx.ID
		out.NextRetryAt = tx.NextRetryAt
	}
	return out
}

func (c *core) observe(orgID snowflake.ID, kind string, out domain.Outcome) {
	c.metrics.RecordSubmission(orgID.String(), kind, string(out.Action()))
}
