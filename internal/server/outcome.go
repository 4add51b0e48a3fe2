package server

import (
	"net/http"
	"time"

	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
	"github.com/smallbiznis/evvbridge/internal/validation"
)

type failureResponse struct {
	Code       string `json:"code"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	RetryAfter int64  `json:"retry_after_seconds,omitempty"`
}

type outcomeResponse struct {
	Action        domain.Action             `json:"action"`
	AggregatorID  string                    `json:"aggregator_id,omitempty"`
	VisitKey      string                    `json:"visit_key,omitempty"`
	BillableUnits *int                      `json:"billable_units,omitempty"`
	TransactionID string                    `json:"transaction_id,omitempty"`
	Reason        string                    `json:"reason,omitempty"`
	Reasons       []aggdomain.ResponseError `json:"reasons,omitempty"`
	Errors        []validation.Issue        `json:"errors,omitempty"`
	Warnings      []validation.Issue        `json:"warnings,omitempty"`
	Failure       *failureResponse          `json:"failure,omitempty"`
	Retryable     bool                      `json:"retryable,omitempty"`
	NextRetryAt   *time.Time                `json:"next_retry_at,omitempty"`
	Payload       any                       `json:"payload,omitempty"`
}

type batchItemResponse struct {
	RecordID string           `json:"evv_record_id"`
	Outcome  *outcomeResponse `json:"outcome,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type batchResponse struct {
	Items  []batchItemResponse   `json:"items"`
	Counts map[domain.Action]int `json:"counts"`
	Errors int                   `json:"errors"`
}

func renderOutcome(out domain.Outcome) outcomeResponse {
	resp := outcomeResponse{Action: out.Action()}
	switch o := out.(type) {
	case domain.Accepted:
		units := o.BillableUnits
		resp.AggregatorID = o.AggregatorID
		resp.VisitKey = o.VisitKey
		resp.BillableUnits = &units
		resp.TransactionID = o.TransactionID.String()
		resp.Warnings = o.Warnings
	case domain.Rejected:
		resp.Reason = o.Reason()
		resp.Reasons = o.Reasons
		resp.TransactionID = o.TransactionID.String()
	case domain.ValidationFailed:
		resp.Reason = o.Reason()
		resp.Errors = o.Errors
		resp.Warnings = o.Warnings
	case domain.Failed:
		if o.TransactionID != 0 {
			resp.TransactionID = o.TransactionID.String()
		}
		if o.Err != nil {
			resp.Reason = o.Err.Message
			resp.Failure = &failureResponse{
				Code:       string(o.Err.Code),
				Category:   string(o.Err.Category),
				Message:    o.Err.Message,
				Field:      o.Err.Field,
				HTTPStatus: o.Err.HTTPStatus,
				RetryAfter: int64(o.Err.RetryAfter / time.Second),
			}
		}
		resp.Retryable = o.Retryable()
		resp.NextRetryAt = o.NextRetryAt
	case domain.Skipped:
		resp.Reason = o.Reason
	case domain.Validated:
		units := o.BillableUnits
		resp.VisitKey = o.VisitKey
		if o.VisitKey != "" {
			resp.BillableUnits = &units
		}
		resp.Warnings = o.Warnings
		resp.Payload = o.Payload
	}
	return resp
}

// outcomeStatus keeps 200 for every outcome the engine produced. Only a
// failure that never reached the aggregator because the integration is off
// gets its own status.
func outcomeStatus(out domain.Outcome) int {
	if f, ok := out.(domain.Failed); ok && f.Err != nil && f.Err.Category == aggdomain.CategoryLocal {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func renderBatch(res *service.BatchResult) batchResponse {
	resp := batchResponse{
		Items:  make([]batchItemResponse, 0, len(res.Items)),
		Counts: res.Counts,
		Errors: res.Errors,
	}
	for _, item := range res.Items {
		row := batchItemResponse{RecordID: item.RecordID.String()}
		if item.Err != nil {
			_, payload := mapError(item.Err)
			row.Error = payload.Message
		} else {
			out := renderOutcome(item.Outcome)
			row.Outcome = &out
		}
		resp.Items = append(resp.Items, row)
	}
	return resp
}
