package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionIndividual TransactionType = "individual"
	TransactionEmployee   TransactionType = "employee"
	TransactionVisit      TransactionType = "visit"
	TransactionCorrection TransactionType = "visit_correction"
	TransactionVoid       TransactionType = "visit_void"
)

type TransactionStatus string

const (
	TransactionAccepted TransactionStatus = "accepted"
	TransactionRejected TransactionStatus = "rejected"
	TransactionFailed   TransactionStatus = "failed"
)

// Transaction is the append-only audit row for one aggregator call. Only the
// retry scheduling columns change after insert.
type Transaction struct {
	ID    snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID snowflake.ID    `gorm:"not null;index" json:"org_id"`
	Type  TransactionType `gorm:"type:text;not null" json:"type"`

	EVVRecordID *snowflake.ID `gorm:"column:evv_record_id;index" json:"evv_record_id,omitempty"`
	ClientID    *snowflake.ID `json:"client_id,omitempty"`
	UserID      *snowflake.ID `json:"user_id,omitempty"`

	Operation       string            `gorm:"type:text;not null" json:"operation"`
	VisitKey        *string           `gorm:"type:text;index" json:"visit_key,omitempty"`
	RequestPayload  datatypes.JSON    `gorm:"type:jsonb" json:"request_payload,omitempty"`
	ResponsePayload datatypes.JSON    `gorm:"type:jsonb" json:"response_payload,omitempty"`
	HTTPStatus      int               `gorm:"column:http_status;not null;default:0" json:"http_status"`
	Status          TransactionStatus `gorm:"type:text;not null" json:"status"`
	AggregatorID    *string           `gorm:"type:text" json:"aggregator_id,omitempty"`
	ErrorCode       *string           `gorm:"type:text" json:"error_code,omitempty"`
	ErrorCategory   *string           `gorm:"type:text" json:"error_category,omitempty"`
	ErrorMessage    *string           `gorm:"type:text" json:"error_message,omitempty"`
	CorrelationID   string            `gorm:"type:text" json:"correlation_id,omitempty"`

	RetryCount  int           `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries  int           `gorm:"not null;default:0" json:"max_retries"`
	NextRetryAt *time.Time    `gorm:"index" json:"next_retry_at,omitempty"`
	RetryOf     *snowflake.ID `json:"retry_of,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Transaction) TableName() string { return "evv_transactions" }

// Subject is the one record a transaction is about. The concrete types are
// the only implementations.
type Subject interface {
	apply(t *Transaction)
}

type VisitSubject struct{ RecordID snowflake.ID }

type IndividualSubject struct{ ClientID snowflake.ID }

type EmployeeSubject struct{ UserID snowflake.ID }

func (s VisitSubject) apply(t *Transaction)      { id := s.RecordID; t.EVVRecordID = &id }
func (s IndividualSubject) apply(t *Transaction) { id := s.ClientID; t.ClientID = &id }
func (s EmployeeSubject) apply(t *Transaction)   { id := s.UserID; t.UserID = &id }

// NewTransaction starts an audit row linked to exactly one subject.
func NewTransaction(id, orgID snowflake.ID, txType TransactionType, subject Subject, at time.Time) *Transaction {
	t := &Transaction{
		ID:        id,
		OrgID:     orgID,
		Type:      txType,
		CreatedAt: at,
		UpdatedAt: at,
	}
	subject.apply(t)
	return t
}

// SubjectOf returns the subject a stored transaction was linked to.
func SubjectOf(t *Transaction) (Subject, bool) {
	switch {
	case t.EVVRecordID != nil:
		return VisitSubject{RecordID: *t.EVVRecordID}, true
	case t.ClientID != nil:
		return IndividualSubject{ClientID: *t.ClientID}, true
	case t.UserID != nil:
		return EmployeeSubject{UserID: *t.UserID}, true
	}
	return nil, false
}

// Retryable reports whether the row is due for a re-drive at now.
func (t *Transaction) Retryable(now time.Time) bool {
	return t.Status == TransactionFailed &&
		t.NextRetryAt != nil && !t.NextRetryAt.After(now) &&
		t.RetryCount < t.MaxRetries
}
