package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubmissionUpdate is a partial update of an EVV record. Nil fields are left
// unchanged; a RejectedReason pointing at "" clears the column.
type SubmissionUpdate struct {
	Status            *RecordStatus
	VisitKey          *string
	OriginalVisitKey  *string
	AggregatorVisitID *string
	SubmittedAt       *time.Time
	RejectedReason    *string
	BillableUnits     *int
	RoundedClockIn    *time.Time
	RoundedClockOut   *time.Time
	CorrectedPayload  datatypes.JSON
	Void              *VoidDetails
}

type VoidDetails struct {
	Reason      VoidReason
	Description string
	VoidedBy    string
	VoidedAt    time.Time
}

// Repository is everything the submission core reads and writes.
type Repository interface {
	GetConfig(ctx context.Context, orgID snowflake.ID) (*BusinessRuleConfig, error)
	GetClient(ctx context.Context, orgID, id snowflake.ID) (*Client, error)
	GetUser(ctx context.Context, orgID, id snowflake.ID) (*User, error)
	GetEVVRecord(ctx context.Context, orgID, id snowflake.ID) (*EVVRecord, error)
	GetServiceAuthorizations(ctx context.Context, orgID, clientID snowflake.ID) ([]*ServiceAuthorization, error)

	UpdateEVVRecordAggregatorDetails(ctx context.Context, orgID, id snowflake.ID, update SubmissionUpdate) error
	UpdateClientAggregatorID(ctx context.Context, orgID, id snowflake.ID, aggregatorID string) error
	UpdateUserAggregatorID(ctx context.Context, orgID, id snowflake.ID, aggregatorID string) error
	// ReserveCorrectionVersion moves correction_version from expected to next.
	// It reports false when another writer got there first.
	ReserveCorrectionVersion(ctx context.Context, orgID, id snowflake.ID, expected, next int) (bool, error)

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, orgID, id snowflake.ID) (*Transaction, error)
	GetTransactionsByEVVRecord(ctx context.Context, orgID, recordID snowflake.ID) ([]*Transaction, error)
	GetRetryableTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]*Transaction, error)
	UpdateTransactionRetry(ctx context.Context, orgID, id snowflake.ID, nextRetryAt *time.Time) error

	GetPendingEVVRecords(ctx context.Context, orgID snowflake.ID, limit int) ([]*EVVRecord, error)
	GetRejectedEVVRecords(ctx context.Context, orgID snowflake.ID) ([]*EVVRecord, error)
	ListIntegratedOrgIDs(ctx context.Context) ([]snowflake.ID, error)

	DecryptSSN(ciphertext string) (string, error)
	DecryptCredentials(ciphertext string) (Credentials, error)
}
