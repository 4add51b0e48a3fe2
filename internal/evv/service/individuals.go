package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/validation"
)

const kindIndividual = "individual"

type IndividualService struct {
	core
}

func NewIndividualService(p Params) *IndividualService {
	return &IndividualService{core: newCore(p, "evv.individuals")}
}

// SubmitIndividual registers a client with the aggregator. A client that
// already has an aggregator id is only sent again, as an update, when
// ForceSubmit is set.
func (s *IndividualService) SubmitIndividual(ctx context.Context, clientID snowflake.ID, opts SubmitOptions) (domain.Outcome, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.submit(ctx, orgID, clientID, opts)
	if err != nil {
		return nil, err
	}
	s.observe(orgID, kindIndividual, out)
	return out, nil
}

func (s *IndividualService) submit(ctx context.Context, orgID, clientID snowflake.ID, opts SubmitOptions) (domain.Outcome, error) {
	client, err := s.repo.GetClient(ctx, orgID, clientID)
	if err != nil {
		return nil, err
	}
	existing := deref(client.AggregatorID)
	if existing != "" && !opts.ForceSubmit {
		return domain.Skipped{Reason: "individual already registered"}, nil
	}

	cfg, err := s.repo.GetConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	ssn, err := s.repo.DecryptSSN(deref(client.SSNEncrypted))
	if err != nil {
		return nil, err
	}
	payload := individualPayload(cfg, client, ssn)

	var warnings []validation.Issue
	if !opts.SkipValidation {
		res := validation.ValidateIndividual(payload, s.clock.Now())
		if !res.Valid() {
			return domain.ValidationFailed{Errors: res.Errors, Warnings: res.Warnings}, nil
		}
		warnings = res.Warnings
	}
	if opts.DryRun {
		return domain.Validated{Warnings: warnings, Payload: payload}, nil
	}

	aggClient, err := s.clientFor(cfg)
	if err != nil {
		return nil, err
	}

	reg := registration{
		kind:     kindIndividual,
		txType:   domain.TransactionIndividual,
		subject:  domain.IndividualSubject{ClientID: client.ID},
		op:       aggregator.OpCreateIndividual,
		existing: existing,
		request:  payload,
		call: func(ctx context.Context) (*aggdomain.SubmitResult, error) {
			return aggClient.CreateIndividual(ctx, payload)
		},
		persist: func(ctx context.Context, id string) error {
			return s.repo.UpdateClientAggregatorID(ctx, orgID, client.ID, id)
		},
	}
	if existing != "" {
		reg.op = aggregator.OpUpdateIndividual
		reg.call = func(ctx context.Context) (*aggdomain.SubmitResult, error) {
			return aggClient.UpdateIndividual(ctx, existing, payload)
		}
	}
	return s.register(ctx, orgID, cfg, reg, opts)
}
