package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/internal/rounding"
	"github.com/smallbiznis/evvbridge/internal/validation"
	"github.com/smallbiznis/evvbridge/internal/visitkey"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	kindCorrection = "correction"
	kindVoid       = "void"

	correctionLockTTL = 2 * time.Minute
	reserveAttempts   = 3
)

// CorrectionRequest is a sparse patch over the visit as last accepted. Nil
// fields carry over unchanged.
type CorrectionRequest struct {
	ClockIn             *time.Time          `json:"clock_in,omitempty"`
	ClockOut            *time.Time          `json:"clock_out,omitempty"`
	ServiceCode         *string             `json:"service_code,omitempty"`
	ClockInLocation     *aggdomain.GeoPoint `json:"clock_in_location,omitempty"`
	ClockOutLocation    *aggdomain.GeoPoint `json:"clock_out_location,omitempty"`
	AuthorizationNumber *string             `json:"authorization_number,omitempty"`
	Notes               *string             `json:"notes,omitempty"`
	Reason              string              `json:"reason"`
}

func (r CorrectionRequest) empty() bool {
	return r.ClockIn == nil && r.ClockOut == nil && r.ServiceCode == nil &&
		r.ClockInLocation == nil && r.ClockOutLocation == nil &&
		r.AuthorizationNumber == nil && r.Notes == nil
}

// CorrectionRequestFromPayload rebuilds the patch that produced a stored
// correction so it can be sent again. Every field is set.
func CorrectionRequestFromPayload(p aggdomain.CorrectionPayload) CorrectionRequest {
	v := p.Visit
	clockIn, clockOut := v.OriginalClockIn, v.OriginalClockOut
	code, auth, notes := v.ServiceCode, v.AuthorizationNumber, v.Notes
	return CorrectionRequest{
		ClockIn:             &clockIn,
		ClockOut:            &clockOut,
		ServiceCode:         &code,
		ClockInLocation:     v.ClockInLocation,
		ClockOutLocation:    v.ClockOutLocation,
		AuthorizationNumber: &auth,
		Notes:               &notes,
		Reason:              p.Reason,
	}
}

type VoidRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
	VoidedBy    string `json:"voided_by"`
}

type CorrectionService struct {
	core
}

func NewCorrectionService(p Params) *CorrectionService {
	return &CorrectionService{core: newCore(p, "evv.corrections")}
}

func lockKey(recordID snowflake.ID) string {
	return "evv:correction:" + recordID.String()
}

// CorrectVisit submits a versioned correction of an accepted visit. A
// correction the aggregator turns down leaves the accepted visit as it was.
func (s *CorrectionService) CorrectVisit(ctx context.Context, recordID snowflake.ID, req CorrectionRequest, opts SubmitOptions) (domain.Outcome, error) {
	if req.empty() {
		return nil, domain.ErrEmptyCorrection
	}
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}

	var out domain.Outcome
	err = s.serialize(ctx, recordID, func(ctx context.Context) error {
		var err error
		out, err = s.correct(ctx, orgID, recordID, req, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observe(orgID, kindCorrection, out)
	return out, nil
}

// VoidVisit withdraws an accepted visit. Voided is terminal.
func (s *CorrectionService) VoidVisit(ctx context.Context, recordID snowflake.ID, req VoidRequest, opts SubmitOptions) (domain.Outcome, error) {
	reason, err := domain.ParseVoidReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if reason == domain.VoidOther && strings.TrimSpace(req.Description) == "" {
		return nil, domain.ErrVoidDescription
	}
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}

	var out domain.Outcome
	err = s.serialize(ctx, recordID, func(ctx context.Context) error {
		var err error
		out, err = s.void(ctx, orgID, recordID, reason, req, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.observe(orgID, kindVoid, out)
	return out, nil
}

// serialize runs fn holding the record's correction lock, so corrections and
// voids of one visit never overlap across processes.
func (s *CorrectionService) serialize(ctx context.Context, recordID snowflake.ID, fn func(context.Context) error) error {
	err := s.locker.WithLock(ctx, lockKey(recordID), correctionLockTTL, fn)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return domain.ErrCorrectionInFlight
	}
	return err
}

// amendable reports why a record cannot take a correction or void, if it
// cannot.
func amendable(record *domain.EVVRecord) *validation.Issue {
	if record.Status.Terminal() {
		return &validation.Issue{
			Code:    domain.CodeVisitVoided,
			Field:   "status",
			Message: "visit has been voided",
		}
	}
	if !record.Submitted() {
		return &validation.Issue{
			Code:    domain.CodeVisitNotAccepted,
			Field:   "status",
			Message: "visit has not been accepted by the aggregator",
		}
	}
	return nil
}

func (s *CorrectionService) correct(ctx context.Context, orgID, recordID snowflake.ID, req CorrectionRequest, opts SubmitOptions) (domain.Outcome, error) {
	record, err := s.repo.GetEVVRecord(ctx, orgID, recordID)
	if err != nil {
		return nil, err
	}
	log := s.logger(ctx).With(zap.String("evv_record_id", record.ID.String()))
	if issue := amendable(record); issue != nil {
		return domain.ValidationFailed{Errors: []validation.Issue{*issue}}, nil
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

	merged, err := mergeCorrection(record, req)
	if err != nil {
		return nil, err
	}
	if issues := prerequisites(client, user, merged); len(issues) > 0 {
		return domain.ValidationFailed{Errors: issues}, nil
	}
	roundOpts, err := roundingOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("organisation rounding policy: %w", err)
	}
	times, err := rounding.RoundVisitTimes(merged.ClockIn, merged.ClockOut, roundOpts)
	if err != nil {
		res := localIssue("clockIn", err)
		return domain.ValidationFailed{Errors: res.Errors}, nil
	}

	lineage := record.LineageKey()
	visit := visitPayload(cfg, client, user, merged, lineage, times)

	var warnings []validation.Issue
	if !opts.SkipValidation {
		auths, err := s.repo.GetServiceAuthorizations(ctx, orgID, client.ID)
		if err != nil {
			return nil, err
		}
		res := validation.ValidateVisit(visit, visitContext(cfg, client, merged, auths))
		if !res.Valid() {
			return domain.ValidationFailed{Errors: res.Errors, Warnings: res.Warnings}, nil
		}
		warnings = res.Warnings
	}

	var version int
	if opts.DryRun {
		version, err = s.nextVersion(ctx, orgID, record)
	} else {
		version, err = s.reserveVersion(ctx, orgID, record)
	}
	if err != nil {
		return nil, err
	}
	key, err := visitkey.GenerateCorrectionKey(lineage, version)
	if err != nil {
		return nil, err
	}
	visit.VisitKey = key
	payload := aggdomain.CorrectionPayload{
		ProviderID:       cfg.ProviderID,
		OriginalVisitID:  deref(record.AggregatorVisitID),
		OriginalVisitKey: lineage,
		CorrectionKey:    key,
		Version:          version,
		Reason:           req.Reason,
		Visit:            visit,
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
	result, callErr := aggClient.SubmitCorrection(ctx, payload)
	if callErr != nil && blocked(callErr) {
		log.Warn("correction blocked", zap.Error(callErr))
		return failed(callErr, nil, s.clock.Now()), nil
	}

	tx := s.record(ctx, attempt{
		orgID:    orgID,
		txType:   domain.TransactionCorrection,
		subject:  domain.VisitSubject{RecordID: record.ID},
		op:       aggregator.OpSubmitCorrection,
		visitKey: key,
		request:  payload,
		cfg:      cfg,
		retryOf:  opts.RetryOf,
	}, result, callErr)

	persistCtx := context.WithoutCancel(ctx)

	switch {
	case callErr != nil:
		out := failed(callErr, tx, s.clock.Now())
		if err := s.keepReason(persistCtx, orgID, record.ID, out.Err.Error()); err != nil {
			return nil, err
		}
		log.Warn("correction failed",
			zap.String("correction_key", key),
			zap.String("code", string(out.Err.Code)),
			zap.Bool("retry_scheduled", out.Retryable()),
		)
		return out, nil

	case !result.Accepted():
		reasons := result.Errors
		if len(reasons) == 0 {
			reasons = []aggdomain.ResponseError{{Message: "correction rejected by aggregator"}}
		}
		out := domain.Rejected{Reasons: reasons, TransactionID: tx.ID}
		if err := s.keepReason(persistCtx, orgID, record.ID, out.Reason()); err != nil {
			return nil, err
		}
		log.Info("correction rejected by aggregator",
			zap.String("correction_key", key),
			zap.String("reason", out.Reason()),
		)
		return out, nil
	}

	body, err := json.Marshal(visit)
	if err != nil {
		return nil, err
	}
	status := domain.StatusCorrected
	now := s.clock.Now()
	cleared := ""
	units := times.BillableUnits
	roundedIn, roundedOut := times.ClockIn.Rounded, times.ClockOut.Rounded
	err = s.repo.UpdateEVVRecordAggregatorDetails(persistCtx, orgID, record.ID, domain.SubmissionUpdate{
		Status:           &status,
		VisitKey:         &key,
		OriginalVisitKey: &lineage,
		SubmittedAt:      &now,
		RejectedReason:   &cleared,
		BillableUnits:    &units,
		RoundedClockIn:   &roundedIn,
		RoundedClockOut:  &roundedOut,
		CorrectedPayload: datatypes.JSON(body),
	})
	if err != nil {
		return nil, err
	}
	log.Info("correction accepted",
		zap.String("correction_key", key),
		zap.Int("version", version),
	)
	aggID := result.ID
	if aggID == "" {
		aggID = deref(record.AggregatorVisitID)
	}
	return domain.Accepted{
		AggregatorID:  aggID,
		VisitKey:      key,
		BillableUnits: units,
		TransactionID: tx.ID,
		Warnings:      warnings,
	}, nil
}

func (s *CorrectionService) void(ctx context.Context, orgID, recordID snowflake.ID, reason domain.VoidReason, req VoidRequest, opts SubmitOptions) (domain.Outcome, error) {
	record, err := s.repo.GetEVVRecord(ctx, orgID, recordID)
	if err != nil {
		return nil, err
	}
	log := s.logger(ctx).With(zap.String("evv_record_id", record.ID.String()))
	if issue := amendable(record); issue != nil {
		return domain.ValidationFailed{Errors: []validation.Issue{*issue}}, nil
	}
	cfg, err := s.repo.GetConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key := deref(record.VisitKey)
	payload := aggdomain.VoidPayload{
		ProviderID:  cfg.ProviderID,
		VisitID:     deref(record.AggregatorVisitID),
		VisitKey:    key,
		Reason:      string(reason),
		Description: strings.TrimSpace(req.Description),
		VoidedBy:    req.VoidedBy,
		VoidedAt:    now.UTC(),
	}
	if opts.DryRun {
		return domain.Validated{VisitKey: key, Payload: payload}, nil
	}

	aggClient, err := s.clientFor(cfg)
	if err != nil {
		return nil, err
	}
	result, callErr := aggClient.VoidVisit(ctx, payload)
	if callErr != nil && blocked(callErr) {
		log.Warn("void blocked", zap.Error(callErr))
		return failed(callErr, nil, s.clock.Now()), nil
	}

	tx := s.record(ctx, attempt{
		orgID:    orgID,
		txType:   domain.TransactionVoid,
		subject:  domain.VisitSubject{RecordID: record.ID},
		op:       aggregator.OpVoidVisit,
		visitKey: key,
		request:  payload,
		cfg:      cfg,
		retryOf:  opts.RetryOf,
	}, result, callErr)

	persistCtx := context.WithoutCancel(ctx)

	switch {
	case callErr != nil:
		out := failed(callErr, tx, s.clock.Now())
		log.Warn("void failed",
			zap.String("code", string(out.Err.Code)),
			zap.Bool("retry_scheduled", out.Retryable()),
		)
		return out, nil

	case !result.Accepted():
		reasons := result.Errors
		if len(reasons) == 0 {
			reasons = []aggdomain.ResponseError{{Message: "void rejected by aggregator"}}
		}
		out := domain.Rejected{Reasons: reasons, TransactionID: tx.ID}
		if err := s.keepReason(persistCtx, orgID, record.ID, out.Reason()); err != nil {
			return nil, err
		}
		log.Info("void rejected by aggregator", zap.String("reason", out.Reason()))
		return out, nil
	}

	status := domain.StatusVoided
	err = s.repo.UpdateEVVRecordAggregatorDetails(persistCtx, orgID, record.ID, domain.SubmissionUpdate{
		Status: &status,
		Void: &domain.VoidDetails{
			Reason:      reason,
			Description: payload.Description,
			VoidedBy:    req.VoidedBy,
			VoidedAt:    now,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Info("visit voided", zap.String("visit_key", key), zap.String("reason", string(reason)))
	return domain.Accepted{
		AggregatorID:  deref(record.AggregatorVisitID),
		VisitKey:      key,
		TransactionID: tx.ID,
	}, nil
}

// keepReason stores why an amendment failed without touching the status.
func (s *CorrectionService) keepReason(ctx context.Context, orgID, recordID snowflake.ID, reason string) error {
	return s.repo.UpdateEVVRecordAggregatorDetails(ctx, orgID, recordID, domain.SubmissionUpdate{
		RejectedReason: &reason,
	})
}

// nextVersion is one past both the correction attempts on record and the
// last reserved version.
func (s *CorrectionService) nextVersion(ctx context.Context, orgID snowflake.ID, record *domain.EVVRecord) (int, error) {
	txs, err := s.repo.GetTransactionsByEVVRecord(ctx, orgID, record.ID)
	if err != nil {
		return 0, err
	}
	attempts := 0
	for _, tx := range txs {
		if tx.Type == domain.TransactionCorrection {
			attempts++
		}
	}
	return max(attempts+1, record.CorrectionVersion+1), nil
}

// reserveVersion claims the next version with a compare-and-set on the
// record, reloading and recomputing when another writer got there first.
func (s *CorrectionService) reserveVersion(ctx context.Context, orgID snowflake.ID, record *domain.EVVRecord) (int, error) {
	current := record
	for range reserveAttempts {
		version, err := s.nextVersion(ctx, orgID, current)
		if err != nil {
			return 0, err
		}
		ok, err := s.repo.ReserveCorrectionVersion(ctx, orgID, current.ID, current.CorrectionVersion, version)
		if err != nil {
			return 0, err
		}
		if ok {
			return version, nil
		}
		if current, err = s.repo.GetEVVRecord(ctx, orgID, current.ID); err != nil {
			return 0, err
		}
	}
	return 0, domain.ErrVersionConflict
}

// mergeCorrection lays the patch over the visit as the aggregator last
// accepted it.
func mergeCorrection(record *domain.EVVRecord, req CorrectionRequest) (*domain.EVVRecord, error) {
	merged := *record
	if len(record.CorrectedPayload) > 0 {
		var prev aggdomain.VisitPayload
		if err := json.Unmarshal(record.CorrectedPayload, &prev); err != nil {
			return nil, fmt.Errorf("stored correction payload: %w", err)
		}
		merged.ClockIn = prev.OriginalClockIn
		merged.ClockOut = prev.OriginalClockOut
		merged.ServiceCode = prev.ServiceCode
		merged.AuthorizationNumber = prev.AuthorizationNumber
		merged.Notes = prev.Notes
		setLocation(&merged.ClockInLatitude, &merged.ClockInLongitude, &merged.ClockInAccuracy, prev.ClockInLocation)
		setLocation(&merged.ClockOutLatitude, &merged.ClockOutLongitude, &merged.ClockOutAccuracy, prev.ClockOutLocation)
	}

	if req.ClockIn != nil {
		merged.ClockIn = *req.ClockIn
	}
	if req.ClockOut != nil {
		merged.ClockOut = *req.ClockOut
	}
	if req.ServiceCode != nil {
		merged.ServiceCode = strings.TrimSpace(*req.ServiceCode)
	}
	if req.AuthorizationNumber != nil {
		merged.AuthorizationNumber = strings.TrimSpace(*req.AuthorizationNumber)
	}
	if req.Notes != nil {
		merged.Notes = *req.Notes
	}
	if req.ClockInLocation != nil {
		setLocation(&merged.ClockInLatitude, &merged.ClockInLongitude, &merged.ClockInAccuracy, req.ClockInLocation)
	}
	if req.ClockOutLocation != nil {
		setLocation(&merged.ClockOutLatitude, &merged.ClockOutLongitude, &merged.ClockOutAccuracy, req.ClockOutLocation)
	}
	return &merged, nil
}

func setLocation(lat, lon, accuracy **float64, p *aggdomain.GeoPoint) {
	if p == nil {
		*lat, *lon, *accuracy = nil, nil, nil
		return
	}
	la, lo := p.Latitude, p.Longitude
	*lat, *lon, *accuracy = &la, &lo, p.AccuracyMeters
}
