package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/internal/visitkey"
	"go.uber.org/zap"
)

type BatchItem struct {
	RecordID snowflake.ID
	Outcome  domain.Outcome
	Err      error
}

type BatchResult struct {
	Items  []BatchItem
	Counts map[domain.Action]int
	Errors int
}

func (r *BatchResult) add(item BatchItem) {
	r.Items = append(r.Items, item)
	if item.Err != nil {
		r.Errors++
		return
	}
	r.Counts[item.Outcome.Action()]++
}

// SubmitBatch submits records one at a time, in order, through the pacer.
// Records that share a visit key with an earlier record in the batch are
// skipped before any network call. The pacer is only consulted for records
// that reach the network.
func (s *VisitService) SubmitBatch(ctx context.Context, recordIDs []snowflake.ID, opts SubmitOptions) (*BatchResult, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*domain.EVVRecord, len(recordIDs))
	loadErrs := make([]error, len(recordIDs))
	for i, id := range recordIDs {
		records[i], loadErrs[i] = s.repo.GetEVVRecord(ctx, orgID, id)
	}
	return s.runBatch(ctx, orgID, recordIDs, records, loadErrs, opts)
}

// SubmitPending submits up to limit records that were never sent.
func (s *VisitService) SubmitPending(ctx context.Context, limit int, opts SubmitOptions) (*BatchResult, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.GetPendingEVVRecords(ctx, orgID, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return s.runBatch(ctx, orgID, ids, records, make([]error, len(records)), opts)
}

func (s *VisitService) runBatch(ctx context.Context, orgID snowflake.ID, ids []snowflake.ID, records []*domain.EVVRecord, loadErrs []error, opts SubmitOptions) (*BatchResult, error) {
	log := s.logger(ctx)
	result := &BatchResult{Counts: map[domain.Action]int{}}

	// Pre-flight duplicate guard. Indices line up with records; failed
	// loads get an empty component set and are ignored by the detector.
	components := make([]visitkey.Components, len(records))
	for i, r := range records {
		if r != nil {
			components[i] = keyComponents(r)
		}
	}
	groups := visitkey.DetectDuplicates(components)
	dupes := visitkey.Duplicates(groups)
	firstOf := make(map[string]snowflake.ID, len(groups))
	for _, g := range groups {
		firstOf[g.Key] = records[g.Indices[0]].ID
	}

	var pacer ratelimit.Pacer = s.pacer
	if opts.DryRun {
		pacer = ratelimit.Unpaced{}
	}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if loadErrs[i] != nil {
			result.add(BatchItem{RecordID: id, Err: loadErrs[i]})
			continue
		}
		if key, dup := dupes[i]; dup {
			result.add(BatchItem{RecordID: id, Outcome: domain.Skipped{
				Reason: fmt.Sprintf("duplicate of record %s in batch (visit key %s)", firstOf[key], key),
			}})
			continue
		}

		out, err := s.submit(ctx, orgID, records[i], opts, pacer.Wait)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			log.Warn("batch item failed", zap.String("evv_record_id", id.String()), zap.Error(err))
			result.add(BatchItem{RecordID: id, Err: err})
			continue
		}
		s.observe(orgID, kindVisit, out)
		result.add(BatchItem{RecordID: id, Outcome: out})
	}

	log.Info("batch submitted",
		zap.Int("records", len(ids)),
		zap.Int("accepted", result.Counts[domain.ActionAccepted]),
		zap.Int("rejected", result.Counts[domain.ActionRejected]),
		zap.Int("validation_failed", result.Counts[domain.ActionValidationFailed]),
		zap.Int("failed", result.Counts[domain.ActionFailed]),
		zap.Int("skipped", result.Counts[domain.ActionSkipped]),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}
