package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"go.uber.org/zap"
)

// registration is a create-or-update of a person record at the aggregator.
type registration struct {
	kind     string
	txType   domain.TransactionType
	subject  domain.Subject
	op       string
	existing string
	request  any
	call     func(ctx context.Context) (*aggdomain.SubmitResult, error)
	persist  func(ctx context.Context, aggregatorID string) error
}

func (c *core) register(ctx context.Context, orgID snowflake.ID, cfg *domain.BusinessRuleConfig, reg registration, opts SubmitOptions) (domain.Outcome, error) {
	log := c.logger(ctx).With(zap.String("operation", reg.op))

	result, callErr := reg.call(ctx)
	if callErr != nil && blocked(callErr) {
		log.Warn(reg.kind+" submission blocked", zap.Error(callErr))
		return failed(callErr, nil, c.clock.Now()), nil
	}

	tx := c.record(ctx, attempt{
		orgID:   orgID,
		txType:  reg.txType,
		subject: reg.subject,
		op:      reg.op,
		request: reg.request,
		cfg:     cfg,
		retryOf: opts.RetryOf,
	}, result, callErr)

	if callErr != nil {
		out := failed(callErr, tx, c.clock.Now())
		log.Warn(reg.kind+" submission failed", zap.String("code", string(out.Err.Code)))
		return out, nil
	}
	if !result.Accepted() {
		reasons := result.Errors
		if len(reasons) == 0 {
			reasons = []aggdomain.ResponseError{{Message: "rejected by aggregator"}}
		}
		out := domain.Rejected{Reasons: reasons, TransactionID: tx.ID}
		log.Info(reg.kind+" rejected by aggregator", zap.String("reason", out.Reason()))
		return out, nil
	}

	id := result.ID
	if id == "" {
		id = reg.existing
	}
	if id == "" {
		log.Warn(reg.kind + " accepted without an aggregator identifier")
	} else if id != reg.existing {
		if err := reg.persist(context.WithoutCancel(ctx), id); err != nil {
			return nil, err
		}
	}
	log.Info(reg.kind+" accepted", zap.String("aggregator_id", id))
	return domain.Accepted{AggregatorID: id, TransactionID: tx.ID}, nil
}
