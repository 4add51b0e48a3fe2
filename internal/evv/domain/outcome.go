package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/validation"
)

type Action string

const (
	ActionAccepted         Action = "accepted"
	ActionRejected         Action = "rejected"
	ActionValidationFailed Action = "validation_failed"
	ActionFailed           Action = "failed"
	ActionSkipped          Action = "skipped"
	ActionValidated        Action = "validated"
)

// Outcome is the result of one submission attempt. The variants below are
// the only implementations; switch on the concrete type.
type Outcome interface {
	Action() Action
	isOutcome()
}

// Accepted means the aggregator took the submission.
type Accepted struct {
	AggregatorID  string
	VisitKey      string
	BillableUnits int
	TransactionID snowflake.ID
	Warnings      []validation.Issue
}

// Rejected is a business rejection: the call succeeded and the aggregator
// refused the content.
type Rejected struct {
	Reasons       []aggdomain.ResponseError
	TransactionID snowflake.ID
}

// ValidationFailed never reached the network.
type ValidationFailed struct {
	Errors   []validation.Issue
	Warnings []validation.Issue
}

// Failed is a transport, auth or system failure. TransactionID is zero when
// the call was blocked locally and nothing was sent, or when the audit row
// could not be written.
type Failed struct {
	Err           *aggdomain.Error
	TransactionID snowflake.ID
	NextRetryAt   *time.Time
}

type Skipped struct {
	Reason string
}

// Validated is a dry run that passed every check.
type Validated struct {
	VisitKey      string
	BillableUnits int
	Warnings      []validation.Issue
	Payload       any
}

func (Accepted) Action() Action         { return ActionAccepted }
func (Rejected) Action() Action         { return ActionRejected }
func (ValidationFailed) Action() Action { return ActionValidationFailed }
func (Failed) Action() Action           { return ActionFailed }
func (Skipped) Action() Action          { return ActionSkipped }
func (Validated) Action() Action        { return ActionValidated }

func (Accepted) isOutcome()         {}
func (Rejected) isOutcome()         {}
func (ValidationFailed) isOutcome() {}
func (Failed) isOutcome()           {}
func (Skipped) isOutcome()          {}
func (Validated) isOutcome()        {}

// Reason joins the rejection messages.
func (r Rejected) Reason() string {
	res := aggdomain.SubmitResult{Errors: r.Reasons}
	return res.Reason()
}

func (v ValidationFailed) Reason() string {
	return validation.Result{Errors: v.Errors}.Summary()
}

// Retryable reports whether the retry worker will pick the attempt up.
func (f Failed) Retryable() bool {
	return f.NextRetryAt != nil
}
