package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
	"github.com/smallbiznis/evvbridge/internal/observability/metrics"
	"github.com/smallbiznis/evvbridge/internal/orgcontext"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/pkg/log/ctxlogger"
	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const jobRetryRedrive = "retry_redrive"

// Redrive results, used as the metric label.
const (
	resultRedriven   = "redriven"
	resultSuperseded = "superseded"
	resultDropped    = "dropped"
	resultError      = "error"
)

type Params struct {
	fx.In

	Repo        domain.Repository
	Visits      *service.VisitService
	Corrections *service.CorrectionService
	Individuals *service.IndividualService
	Employees   *service.EmployeeService
	Locker      *ratelimit.Locker `optional:"true"`
	Metrics     *metrics.EVV      `optional:"true"`
	GenID       *snowflake.Node
	Clock       clock.Clock
	Log         *zap.Logger
	Config      Config `optional:"true"`
}

// Scheduler re-drives failed aggregator calls whose retry time has come.
// Each re-drive goes back through the orchestrators so it is validated and
// audited like any other submission.
type Scheduler struct {
	repo        domain.Repository
	visits      *service.VisitService
	corrections *service.CorrectionService
	individuals *service.IndividualService
	employees   *service.EmployeeService
	locker      *ratelimit.Locker
	metrics     *metrics.EVV
	genID       *snowflake.Node
	clock       clock.Clock
	log         *zap.Logger
	cfg         Config
}

func New(p Params) (*Scheduler, error) {
	if p.Repo == nil || p.Visits == nil || p.Corrections == nil || p.Individuals == nil || p.Employees == nil || p.GenID == nil || p.Clock == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		repo:        p.Repo,
		visits:      p.Visits,
		corrections: p.Corrections,
		individuals: p.Individuals,
		employees:   p.Employees,
		locker:      p.Locker,
		metrics:     p.Metrics,
		genID:       p.GenID,
		clock:       p.Clock,
		log:         p.Log.Named("scheduler").With(zap.String("component", "retry_worker")),
		cfg:         p.Config.withDefaults(),
	}, nil
}

// RunOnce sweeps every integrated organisation once.
func (s *Scheduler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startRun(ctx)
	defer s.logJobFinish(ctx, run)

	orgIDs, err := s.repo.ListIntegratedOrgIDs(ctx)
	if err != nil {
		run.IncError()
		return fmt.Errorf("list organisations: %w", err)
	}

	var errs error
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			break
		}
		err := s.locker.WithLock(ctx, lockKey(orgID), s.cfg.LockTTL, func(ctx context.Context) error {
			return s.redriveOrg(ctx, run, orgID)
		})
		switch {
		case errors.Is(err, ratelimit.ErrLockHeld):
			s.logger(ctx).Debug("retry sweep held elsewhere", zap.String("org_id", orgID.String()))
		case err != nil:
			run.IncError()
			errs = errors.Join(errs, fmt.Errorf("org %s: %w", orgID, err))
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger(ctx).Warn("retry sweep timed out", zap.Duration("timeout", s.cfg.JobTimeout))
	}
	return errs
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retry sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func lockKey(orgID snowflake.ID) string {
	return "evv:retry:" + orgID.String()
}

func (s *Scheduler) redriveOrg(ctx context.Context, run *jobRun, orgID snowflake.ID) error {
	ctx = orgcontext.WithOrgID(ctx, orgID)
	ctx = ctxlogger.ContextWithOrg(ctx, orgID.String())

	txs, err := s.repo.GetRetryableTransactions(ctx, orgID, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := s.redrive(ctx, orgID, tx)
		if err != nil {
			result = resultError
			run.IncError()
			s.logger(ctx).Error("retry redrive failed",
				zap.String("transaction_id", tx.ID.String()),
				zap.String("type", string(tx.Type)),
				zap.Error(err),
			)
		}
		s.metrics.RecordRedrive(result)
		run.AddProcessed(1)
	}
	return nil
}

// redrive sends tx again and takes it off the retry schedule. The new
// attempt carries its own schedule. Transient errors leave tx scheduled
// for the next sweep.
func (s *Scheduler) redrive(ctx context.Context, orgID snowflake.ID, tx *domain.Transaction) (string, error) {
	log := s.logger(ctx).With(
		zap.String("transaction_id", tx.ID.String()),
		zap.String("type", string(tx.Type)),
		zap.Int("retry_count", tx.RetryCount),
	)
	ctx = correlation.ContextWithCorrelationID(ctx, tx.CorrelationID)
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	superseded, err := s.superseded(ctx, orgID, tx)
	if err != nil {
		return "", err
	}
	result := resultSuperseded
	if !superseded {
		out, err := s.dispatch(ctx, tx)
		switch {
		case isGone(err):
			log.Warn("retry dropped, subject is gone", zap.Error(err))
			result = resultDropped
		case err != nil:
			return "", err
		default:
			result = resultRedriven
			log.Info("transaction redriven", zap.String("action", string(out.Action())))
		}
	}

	if err := s.repo.UpdateTransactionRetry(context.WithoutCancel(ctx), orgID, tx.ID, nil); err != nil {
		return "", fmt.Errorf("clear retry: %w", err)
	}
	return result, nil
}

func (s *Scheduler) dispatch(ctx context.Context, tx *domain.Transaction) (domain.Outcome, error) {
	subject, ok := domain.SubjectOf(tx)
	if !ok {
		return nil, errUnlinked
	}
	opts := service.SubmitOptions{ForceSubmit: true, RetryOf: tx}

	switch sub := subject.(type) {
	case domain.VisitSubject:
		switch tx.Type {
		case domain.TransactionCorrection:
			var payload aggdomain.CorrectionPayload
			if err := json.Unmarshal(tx.RequestPayload, &payload); err != nil {
				return nil, fmt.Errorf("%w: %v", errUnreadablePayload, err)
			}
			return s.corrections.CorrectVisit(ctx, sub.RecordID, service.CorrectionRequestFromPayload(payload), opts)
		case domain.TransactionVoid:
			var payload aggdomain.VoidPayload
			if err := json.Unmarshal(tx.RequestPayload, &payload); err != nil {
				return nil, fmt.Errorf("%w: %v", errUnreadablePayload, err)
			}
			return s.corrections.VoidVisit(ctx, sub.RecordID, service.VoidRequest{
				Reason:      payload.Reason,
				Description: payload.Description,
				VoidedBy:    payload.VoidedBy,
			}, opts)
		default:
			return s.visits.SubmitVisit(ctx, sub.RecordID, opts)
		}
	case domain.IndividualSubject:
		return s.individuals.SubmitIndividual(ctx, sub.ClientID, opts)
	case domain.EmployeeSubject:
		return s.employees.SubmitEmployee(ctx, sub.UserID, opts)
	}
	return nil, errUnlinked
}

// superseded reports whether a later call of the same kind, a correction of
// a plain visit, or a void already went out for the visit.
func (s *Scheduler) superseded(ctx context.Context, orgID snowflake.ID, tx *domain.Transaction) (bool, error) {
	if tx.EVVRecordID == nil {
		return false, nil
	}
	txs, err := s.repo.GetTransactionsByEVVRecord(ctx, orgID, *tx.EVVRecordID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, other := range txs {
		if other.ID <= tx.ID {
			continue
		}
		switch {
		case other.Type == tx.Type, other.Type == domain.TransactionVoid:
			return true, nil
		case tx.Type == domain.TransactionVisit && other.Type == domain.TransactionCorrection:
			return true, nil
		}
	}
	return false, nil
}

var (
	errUnlinked          = errors.New("transaction_without_subject")
	errUnreadablePayload = errors.New("unreadable_request_payload")
)

// isGone covers failures no later sweep can fix.
func isGone(err error) bool {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound),
		errors.Is(err, domain.ErrClientNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrEmptyCorrection),
		errors.Is(err, domain.ErrInvalidVoidReason),
		errors.Is(err, domain.ErrVoidDescription),
		errors.Is(err, errUnlinked),
		errors.Is(err, errUnreadablePayload):
		return true
	default:
		return false
	}
}
