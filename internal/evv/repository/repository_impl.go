package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	db     *gorm.DB
	clock  clock.Clock
	cipher *Cipher
}

func Provide(conn *gorm.DB, clk clock.Clock, cipher *Cipher) domain.Repository {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &repo{db: conn, clock: clk, cipher: cipher}
}

func (r *repo) GetConfig(ctx context.Context, orgID snowflake.ID) (*domain.BusinessRuleConfig, error) {
	var cfg domain.BusinessRuleConfig
	err := r.db.WithContext(ctx).Where("org_id = ?", orgID).Take(&cfg).Error
	if err != nil {
		return nil, notFound(err, domain.ErrConfigNotFound)
	}
	return &cfg, nil
}

func (r *repo) GetClient(ctx context.Context, orgID, id snowflake.ID) (*domain.Client, error) {
	var client domain.Client
	err := r.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).Take(&client).Error
	if err != nil {
		return nil, notFound(err, domain.ErrClientNotFound)
	}
	return &client, nil
}

func (r *repo) GetUser(ctx context.Context, orgID, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).Take(&user).Error
	if err != nil {
		return nil, notFound(err, domain.ErrUserNotFound)
	}
	return &user, nil
}

func (r *repo) GetEVVRecord(ctx context.Context, orgID, id snowflake.ID) (*domain.EVVRecord, error) {
	var record domain.EVVRecord
	err := r.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).Take(&record).Error
	if err != nil {
		return nil, notFound(err, domain.ErrRecordNotFound)
	}
	return &record, nil
}

func (r *repo) GetServiceAuthorizations(ctx context.Context, orgID, clientID snowflake.ID) ([]*domain.ServiceAuthorization, error) {
	var auths []*domain.ServiceAuthorization
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND client_id = ? AND status = ?", orgID, clientID, "active").
		Order("start_date asc, id asc").
		Find(&auths).Error
	return auths, err
}

func (r *repo) UpdateEVVRecordAggregatorDetails(ctx context.Context, orgID, id snowflake.ID, update domain.SubmissionUpdate) error {
	values := map[string]any{"updated_at": r.clock.Now()}
	if update.Status != nil {
		values["status"] = *update.Status
	}
	if update.VisitKey != nil {
		values["visit_key"] = *update.VisitKey
	}
	if update.OriginalVisitKey != nil {
		values["original_visit_key"] = *update.OriginalVisitKey
	}
	if update.AggregatorVisitID != nil {
		values["aggregator_visit_id"] = *update.AggregatorVisitID
	}
	if update.SubmittedAt != nil {
		values["submitted_at"] = update.SubmittedAt.UTC()
	}
	if update.RejectedReason != nil {
		if *update.RejectedReason == "" {
			values["rejected_reason"] = nil
		} else {
			values["rejected_reason"] = *update.RejectedReason
		}
	}
	if update.BillableUnits != nil {
		values["billable_units"] = *update.BillableUnits
	}
	if update.RoundedClockIn != nil {
		values["rounded_clock_in"] = update.RoundedClockIn.UTC()
	}
	if update.RoundedClockOut != nil {
		values["rounded_clock_out"] = update.RoundedClockOut.UTC()
	}
	if update.CorrectedPayload != nil {
		values["corrected_payload"] = update.CorrectedPayload
	}
	if v := update.Void; v != nil {
		values["void_reason"] = string(v.Reason)
		values["void_description"] = nullable(v.Description)
		values["voided_by"] = nullable(v.VoidedBy)
		values["voided_at"] = v.VoidedAt.UTC()
	}

	res := r.db.WithContext(ctx).
		Model(&domain.EVVRecord{}).
		Where("org_id = ? AND id = ?", orgID, id).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (r *repo) UpdateClientAggregatorID(ctx context.Context, orgID, id snowflake.ID, aggregatorID string) error {
	return r.setAggregatorID(ctx, "clients", orgID, id, aggregatorID, domain.ErrClientNotFound)
}

func (r *repo) UpdateUserAggregatorID(ctx context.Context, orgID, id snowflake.ID, aggregatorID string) error {
	return r.setAggregatorID(ctx, "users", orgID, id, aggregatorID, domain.ErrUserNotFound)
}

func (r *repo) setAggregatorID(ctx context.Context, table string, orgID, id snowflake.ID, aggregatorID string, missing error) error {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE `+table+` SET aggregator_id = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		aggregatorID, r.clock.Now(), orgID, id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missing
	}
	return nil
}

func (r *repo) ReserveCorrectionVersion(ctx context.Context, orgID, id snowflake.ID, expected, next int) (bool, error) {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE evv_records SET correction_version = ?, updated_at = ?
		 WHERE org_id = ? AND id = ? AND correction_version = ?`,
		next, r.clock.Now(), orgID, id, expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return fmt.Errorf("transaction %s already recorded: %w", tx.ID, err)
		}
		return err
	}
	return nil
}

func (r *repo) GetTransaction(ctx context.Context, orgID, id snowflake.ID) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).Take(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) GetTransactionsByEVVRecord(ctx context.Context, orgID, recordID snowflake.ID) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND evv_record_id = ?", orgID, recordID).
		Order("created_at asc, id asc").
		Find(&txs).Error
	return txs, err
}

func (r *repo) GetRetryableTransactions(ctx context.Context, orgID snowflake.ID, limit int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	stmt := r.db.WithContext(ctx).
		Where("org_id = ? AND status = ?", orgID, domain.TransactionFailed).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", r.clock.Now()).
		Where("retry_count < max_retries").
		Order("next_retry_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&txs).Error
	return txs, err
}

func (r *repo) UpdateTransactionRetry(ctx context.Context, orgID, id snowflake.ID, nextRetryAt *time.Time) error {
	var next any
	if nextRetryAt != nil {
		next = nextRetryAt.UTC()
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE evv_transactions SET next_retry_at = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		next, r.clock.Now(), orgID, id,
	).Error
}

func (r *repo) GetPendingEVVRecords(ctx context.Context, orgID snowflake.ID, limit int) ([]*domain.EVVRecord, error) {
	var records []*domain.EVVRecord
	stmt := r.db.WithContext(ctx).
		Where("org_id = ? AND status = ?", orgID, domain.StatusNotSubmitted).
		Order("clock_in asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	err := stmt.Find(&records).Error
	return records, err
}

func (r *repo) GetRejectedEVVRecords(ctx context.Context, orgID snowflake.ID) ([]*domain.EVVRecord, error) {
	var records []*domain.EVVRecord
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND status = ?", orgID, domain.StatusRejected).
		Order("updated_at desc, id desc").
		Find(&records).Error
	return records, err
}

func (r *repo) ListIntegratedOrgIDs(ctx context.Context) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).
		Model(&domain.BusinessRuleConfig{}).
		Where("integration_enabled = ? AND kill_switch = ?", true, false).
		Order("org_id asc").
		Pluck("org_id", &ids).Error
	return ids, err
}

func (r *repo) DecryptSSN(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if r.cipher == nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecrypt, ErrMissingKey)
	}
	plain, err := r.cipher.Open(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ssn: %v", domain.ErrDecrypt, err)
	}
	return string(plain), nil
}

func (r *repo) DecryptCredentials(ciphertext string) (domain.Credentials, error) {
	if r.cipher == nil {
		return domain.Credentials{}, fmt.Errorf("%w: %v", domain.ErrDecrypt, ErrMissingKey)
	}
	plain, err := r.cipher.Open(ciphertext)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: credentials: %v", domain.ErrDecrypt, err)
	}
	var creds domain.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: credentials: %v", domain.ErrDecrypt, err)
	}
	return creds, nil
}

func notFound(err, sentinel error) error {
	if db.IsNotFound(err) {
		return sentinel
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
