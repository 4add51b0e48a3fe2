package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/aggregator"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/validation"
)

const kindEmployee = "employee"

type EmployeeService struct {
	core
}

func NewEmployeeService(p Params) *EmployeeService {
	return &EmployeeService{core: newCore(p, "evv.employees")}
}

// SubmitEmployee registers a caregiver with the aggregator. A caregiver that
// already has an aggregator id is only sent again, as an update, when
// ForceSubmit is set.
func (s *EmployeeService) SubmitEmployee(ctx context.Context, userID snowflake.ID, opts SubmitOptions) (domain.Outcome, error) {
	orgID, err := s.orgID(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.submit(ctx, orgID, userID, opts)
	if err != nil {
		return nil, err
	}
	s.observe(orgID, kindEmployee, out)
	return out, nil
}

func (s *EmployeeService) submit(ctx context.Context, orgID, userID snowflake.ID, opts SubmitOptions) (domain.Outcome, error) {
	user, err := s.repo.GetUser(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	existing := deref(user.AggregatorID)
	if existing != "" && !opts.ForceSubmit {
		return domain.Skipped{Reason: "employee already registered"}, nil
	}

	cfg, err := s.repo.GetConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	ssn, err := s.repo.DecryptSSN(deref(user.SSNEncrypted))
	if err != nil {
		return nil, err
	}
	payload := employeePayload(cfg, user, ssn)

	var warnings []validation.Issue
	if !opts.SkipValidation {
		res := validation.ValidateEmployee(payload, staffContext(cfg, s.clock.Now()))
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
		kind:     kindEmployee,
		txType:   domain.TransactionEmployee,
		subject:  domain.EmployeeSubject{UserID: user.ID},
		op:       aggregator.OpCreateEmployee,
		existing: existing,
		request:  payload,
		call: func(ctx context.Context) (*aggdomain.SubmitResult, error) {
			return aggClient.CreateEmployee(ctx, payload)
		},
		persist: func(ctx context.Context, id string) error {
			return s.repo.UpdateUserAggregatorID(ctx, orgID, user.ID, id)
		},
	}
	if existing != "" {
		reg.op = aggregator.OpUpdateEmployee
		reg.call = func(ctx context.Context) (*aggdomain.SubmitResult, error) {
			return aggClient.UpdateEmployee(ctx, existing, payload)
		}
	}
	return s.register(ctx, orgID, cfg, reg, opts)
}
