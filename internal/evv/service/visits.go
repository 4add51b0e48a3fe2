package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/errcode"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/internal/rounding"
	"github.com/smallbiznis/evvbridge/internal/validation"
	"go.uber.org/zap"
)

const kindVisit = "visit"

type VisitService struct {
	core
	pacer ratelimit.Pacer
}

func NewVisitService(p Params) *VisitService {
	pacer := p.Pacer
	if pacer == nil {
		pacer = ratelimit.NewFixedDelay(ratelimit.DefaultBatchDelay)
	}
	return &VisitService{core: newCore(p, "evv.visits"), pacer: pacer}
}

// SubmitVisit drives one EVV record through prerequisites, rounding,
// validation and submission.
func (s *VisitService) SubmitVisit(ctx context.Context, recordID snowflake.ID, opts SubmitOptions) (domain.Outcome, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}
	record, err := s.repo.GetEVVRecord(ctx, orgID, recordID)
	if err != nil {
		return nil, err
	}
	out, err := s.submit(ctx, orgID, record, opts, nil)
	if err != nil {
		return nil, err
	}
	s.observe(orgID, kindVisit, out)
	return out, nil
}

// ListRejected returns records the aggregator or the validator turned down,
// newest first.
func (s *VisitService) ListRejected(ctx context.Context) ([]*domain.EVVRecord, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetRejectedEVVRecords(ctx, orgID)
}

func (s *VisitService) Transactions(ctx context.Context, recordID snowflake.ID) ([]*domain.Transaction, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetEVVRecord(ctx, orgID, recordID); err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByEVVRecord(ctx, orgID, recordID)
}

// HealthCheck asks the organisation's aggregator status endpoint.
func (s *VisitService) HealthCheck(ctx context.Context) (bool, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return false, err
	}
	cfg, err := s.repo.GetConfig(ctx, orgID)
	if err != nil {
		return false, err
	}
	client, err := s.clientFor(cfg)
	if err != nil {
		return false, err
	}
	return client.HealthCheck(ctx), nil
}

// submit runs the state machine for one record. gate, when set, is awaited
// right before the network call.
func (s *VisitService) submit(ctx context.Context, orgID snowflake.ID, record *domain.EVVRecord, opts SubmitOptions, gate func(context.Context) error) (domain.Outcome, error) {
	log := s.logger(ctx).With(zap.String("evv_record_id", record.ID.String()))

	if record.Status.Terminal() {
		return domain.ValidationFailed{Errors: []validation.Issue{{
			Code:    domain.CodeVisitVoided,
			Field:   "status",
			Message: "visit has been voided",
		}}}, nil
	}
	if record.Status.Live() && !opts.ForceSubmit {
		return domain.Skipped{Reason: "visit already accepted"}, nil
	}
	// The stored clock times predate the correction; only a new version can
	// change what the aggregator holds.
	if record.Status == domain.StatusCorrected {
		return domain.ValidationFailed{Errors: []validation.Issue{{
			Code:    domain.CodeVisitCorrected,
			Field:   "status",
			Message: "visit has been corrected, submit a correction instead",
		}}}, nil
	}

	cfg, err := s.repo.GetConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, orgID, record.ClientID)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUser(ctx, orgID, record.UserID)
	if err != nil {
		return nil, err
	}

	if issues := prerequisites(client, user, record); len(issues) > 0 {
		return s.rejectLocally(ctx, orgID, record, opts, validation.Result{Errors: issues})
	}

	key, err := visitKeyFor(record)
	if err != nil {
		return s.rejectLocally(ctx, orgID, record, opts, localIssue("visitKey", err))
	}
	roundOpts, err := roundingOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("organisation rounding policy: %w", err)
	}
	times, err := rounding.RoundVisitTimes(record.ClockIn, record.ClockOut, roundOpts)
	if err != nil {
		return s.rejectLocally(ctx, orgID, record, opts, localIssue("clockIn", err))
	}
	payload := visitPayload(cfg, client, user, record, key, times)

	var warnings []validation.Issue
	if !opts.SkipValidation {
		auths, err := s.repo.GetServiceAuthorizations(ctx, orgID, client.ID)
		if err != nil {
			return nil, err
		}
		res := validation.ValidateVisit(payload, visitContext(cfg, client, record, auths))
		if !res.Valid() {
			return s.rejectLocally(ctx, orgID, record, opts, res)
		}
		warnings = res.Warnings
	}

	if opts.DryRun {
		return domain.Validated{
			VisitKey:      key,
			BillableUnits: times.BillableUnits,
			Warnings:      warnings,
			Payload:       payload,
		}, nil
	}

	aggClient, err := s.clientFor(cfg)
	if err != nil {
		return nil, err
	}
	if gate != nil {
		if err := gate(ctx); err != nil {
			return nil, err
		}
	}

	result, callErr := aggClient.SubmitVisit(ctx, payload)
	if callErr != nil && blocked(callErr) {
		log.Warn("visit submission blocked", zap.Error(callErr))
		return failed(callErr, nil, s.clock.Now()), nil
	}

	tx := s.record(ctx, attempt{
		orgID:    orgID,
		txType:   domain.TransactionVisit,
		subject:  domain.VisitSubject{RecordID: record.ID},
		op:       aggregator.OpSubmitVisit,
		visitKey: key,
		request:  payload,
		cfg:      cfg,
		retryOf:  opts.RetryOf,
	}, result, callErr)

	// Persist whatever is known even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case callErr != nil:
		out := failed(callErr, tx, s.clock.Now())
		status := domain.Settle(record.Status, domain.StatusRejected)
		reason := out.Err.Error()
		update := domain.SubmissionUpdate{Status: &status, RejectedReason: &reason}
		if !record.Status.Live() {
			update.VisitKey = &key
		}
		if err := s.repo.UpdateEVVRecordAggregatorDetails(persistCtx, orgID, record.ID, update); err != nil {
			return nil, err
		}
		log.Warn("visit submission failed",
			zap.String("code", string(out.Err.Code)),
			zap.Bool("retry_scheduled", out.Retryable()),
		)
		return out, nil

	case !result.Accepted():
		status := domain.Settle(record.Status, domain.StatusRejected)
		reasons := result.Errors
		if len(reasons) == 0 {
			reasons = []aggdomain.ResponseError{{Message: "rejected by aggregator"}}
		}
		out := domain.Rejected{Reasons: reasons, TransactionID: tx.ID}
		reason := out.Reason()
		update := domain.SubmissionUpdate{Status: &status, RejectedReason: &reason}
		if !record.Status.Live() {
			update.VisitKey = &key
		}
		if err := s.repo.UpdateEVVRecordAggregatorDetails(persistCtx, orgID, record.ID, update); err != nil {
			return nil, err
		}
		log.Info("visit rejected by aggregator", zap.String("reason", reason))
		return out, nil
	}

	status := domain.StatusAccepted
	now := s.clock.Now()
	cleared := ""
	units := times.BillableUnits
	roundedIn, roundedOut := times.ClockIn.Rounded, times.ClockOut.Rounded
	update := domain.SubmissionUpdate{
		Status:          &status,
		SubmittedAt:     &now,
		RejectedReason:  &cleared,
		BillableUnits:   &units,
		RoundedClockIn:  &roundedIn,
		RoundedClockOut: &roundedOut,
	}
	if !record.Status.Live() {
		update.VisitKey = &key
	}
	aggregatorID := deref(record.AggregatorVisitID)
	if aggregatorID == "" {
		aggregatorID = result.ID
		update.AggregatorVisitID = &aggregatorID
	}
	if err := s.repo.UpdateEVVRecordAggregatorDetails(persistCtx, orgID, record.ID, update); err != nil {
		return nil, err
	}
	log.Info("visit accepted",
		zap.String("visit_key", key),
		zap.String("aggregator_visit_id", aggregatorID),
		zap.Int("billable_units", units),
	)
	return domain.Accepted{
		AggregatorID:  aggregatorID,
		VisitKey:      key,
		BillableUnits: units,
		TransactionID: tx.ID,
		Warnings:      warnings,
	}, nil
}

// rejectLocally records a local refusal on the record. Nothing was sent, so
// no transaction is written. Dry runs change nothing.
func (s *VisitService) rejectLocally(ctx context.Context, orgID snowflake.ID, record *domain.EVVRecord, opts SubmitOptions, res validation.Result) (domain.Outcome, error) {
	out := domain.ValidationFailed{Errors: res.Errors, Warnings: res.Warnings}
	if opts.DryRun {
		return out, nil
	}
	status := domain.Settle(record.Status, domain.StatusRejected)
	reason := out.Reason()
	err := s.repo.UpdateEVVRecordAggregatorDetails(ctx, orgID, record.ID, domain.SubmissionUpdate{
		Status:         &status,
		RejectedReason: &reason,
	})
	if err != nil {
		return nil, err
	}
	s.logger(ctx).Info("visit failed local checks",
		zap.String("evv_record_id", record.ID.String()),
		zap.String("reason", reason),
	)
	return out, nil
}

func prerequisites(client *domain.Client, user *domain.User, record *domain.EVVRecord) []validation.Issue {
	var issues []validation.Issue
	if deref(client.AggregatorID) == "" {
		issues = append(issues, validation.Issue{
			Code:    domain.CodeClientNotRegistered,
			Field:   "individualId",
			Message: "client has not been registered with the aggregator",
		})
	}
	if deref(user.AggregatorID) == "" {
		issues = append(issues, validation.Issue{
			Code:    domain.CodeCaregiverNotRegistered,
			Field:   "employeeId",
			Message: "caregiver has not been registered with the aggregator",
		})
	}
	if !client.EVVConsentSigned {
		issues = append(issues, validation.Issue{
			Code:    domain.CodeConsentMissing,
			Field:   "individualId",
			Message: "client has not signed EVV consent",
		})
	}
	if !record.ClockOut.After(record.ClockIn) {
		issues = append(issues, validation.Issue{
			Code:    validation.CodeClockOutBeforeIn,
			Field:   "clockOut",
			Message: "clock-out must be after clock-in",
		})
	}
	return issues
}

func localIssue(field string, err error) validation.Result {
	code := string(errcode.Of(err))
	if code == "" {
		code = validation.CodeInvalidFormat
	}
	return validation.Result{Errors: []validation.Issue{{Code: code, Field: field, Message: err.Error()}}}
}
