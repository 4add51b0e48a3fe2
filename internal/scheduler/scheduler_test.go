package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smallbiznis/evvbridge/internal/aggregator"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/config"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/evvtest"
	"github.com/smallbiznis/evvbridge/internal/evv/repository"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
	"github.com/smallbiznis/evvbridge/internal/orgcontext"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
	"github.com/smallbiznis/evvbridge/pkg/telemetry/correlation"
)

type fixture struct {
	sched       *Scheduler
	visits      *service.VisitService
	corrections *service.CorrectionService
	repo        domain.Repository
	fix         *evvtest.Fixture
	clock       *clock.FakeClock
	ctx         context.Context
	down        atomic.Bool
	submits     atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	agg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth/token":
			_, _ = w.Write([]byte(`{"access_token":"token","expires_in":3600}`))
		case "/visits":
			f.submits.Add(1)
			if f.down.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"message":"maintenance"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"visitId":"V-1","status":"accepted"}`))
		case "/visits/corrections":
			_, _ = w.Write([]byte(`{"status":"accepted"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(agg.Close)

	conn := evvtest.OpenDB(t)
	node := evvtest.Node(t)
	cipher, err := repository.NewCipher(evvtest.Secret)
	require.NoError(t, err)
	f.fix = evvtest.Seed(t, conn, node, cipher, agg.URL)
	f.clock = clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	f.repo = repository.Provide(conn, f.clock, cipher)
	f.ctx = orgcontext.WithOrgID(context.Background(), f.fix.OrgID)
	f.ctx = correlation.ContextWithCorrelationID(f.ctx, "corr-original")

	log := zaptest.NewLogger(t)
	p := service.Params{
		Repo:    f.repo,
		Clients: aggregator.NewRegistry(config.NewStaticFlags(config.DefaultIntegrationFlags()), aggregator.WithHTTPClient(agg.Client())),
		Pacer:   ratelimit.Unpaced{},
		Clock:   f.clock,
		GenID:   node,
		Log:     log,
	}
	f.visits = service.NewVisitService(p)
	f.corrections = service.NewCorrectionService(p)
	f.sched, err = New(Params{
		Repo:        f.repo,
		Visits:      f.visits,
		Corrections: f.corrections,
		Individuals: service.NewIndividualService(p),
		Employees:   service.NewEmployeeService(p),
		GenID:       node,
		Clock:       f.clock,
		Log:         log,
	})
	require.NoError(t, err)
	return f
}

// failOnce submits the seeded visit while the aggregator is down and
// returns the failed transaction.
func (f *fixture) failOnce(t *testing.T) *domain.Transaction {
	t.Helper()
	f.down.Store(true)
	out, err := f.visits.SubmitVisit(f.ctx, f.fix.Record.ID, service.SubmitOptions{})
	require.NoError(t, err)
	failed, ok := out.(domain.Failed)
	require.True(t, ok)
	require.True(t, failed.Retryable())
	f.down.Store(false)

	tx, err := f.repo.GetTransaction(f.ctx, f.fix.OrgID, failed.TransactionID)
	require.NoError(t, err)
	return tx
}

func TestRunOnceRedrivesDueTransactions(t *testing.T) {
	f := newFixture(t)
	failedTx := f.failOnce(t)

	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	txs, err := f.repo.GetTransactionsByEVVRecord(f.ctx, f.fix.OrgID, f.fix.Record.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	var retry *domain.Transaction
	for _, tx := range txs {
		if tx.ID != failedTx.ID {
			retry = tx
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, domain.TransactionAccepted, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, failedTx.ID, *retry.RetryOf)
	assert.Equal(t, failedTx.CorrelationID, retry.CorrelationID)

	old, err := f.repo.GetTransaction(f.ctx, f.fix.OrgID, failedTx.ID)
	require.NoError(t, err)
	assert.Nil(t, old.NextRetryAt)

	rec, err := f.repo.GetEVVRecord(f.ctx, f.fix.OrgID, f.fix.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, rec.Status)
}

func TestRunOnceWaitsUntilDue(t *testing.T) {
	f := newFixture(t)
	f.failOnce(t)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.EqualValues(t, 1, f.submits.Load())
}

func TestRunOnceSkipsSupersededTransactions(t *testing.T) {
	f := newFixture(t)
	failedTx := f.failOnce(t)

	out, err := f.visits.SubmitVisit(f.ctx, f.fix.Record.ID, service.SubmitOptions{})
	require.NoError(t, err)
	require.IsType(t, domain.Accepted{}, out)

	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.EqualValues(t, 2, f.submits.Load())
	old, err := f.repo.GetTransaction(f.ctx, f.fix.OrgID, failedTx.ID)
	require.NoError(t, err)
	assert.Nil(t, old.NextRetryAt)
}

func TestRunOnceSkipsVisitSupersededByCorrection(t *testing.T) {
	f := newFixture(t)
	out, err := f.visits.SubmitVisit(f.ctx, f.fix.Record.ID, service.SubmitOptions{})
	require.NoError(t, err)
	require.IsType(t, domain.Accepted{}, out)

	f.down.Store(true)
	out, err = f.visits.SubmitVisit(f.ctx, f.fix.Record.ID, service.SubmitOptions{ForceSubmit: true})
	require.NoError(t, err)
	failed, ok := out.(domain.Failed)
	require.True(t, ok)
	require.True(t, failed.Retryable())
	f.down.Store(false)

	clockOut := time.Date(2026, 3, 10, 11, 1, 0, 0, time.UTC)
	out, err = f.corrections.CorrectVisit(f.ctx, f.fix.Record.ID, service.CorrectionRequest{
		ClockOut: &clockOut,
		Reason:   "late clock out",
	}, service.SubmitOptions{})
	require.NoError(t, err)
	require.IsType(t, domain.Accepted{}, out)

	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.EqualValues(t, 2, f.submits.Load(), "the stale visit is not resent")
	old, err := f.repo.GetTransaction(f.ctx, f.fix.OrgID, failed.TransactionID)
	require.NoError(t, err)
	assert.Nil(t, old.NextRetryAt)

	rec, err := f.repo.GetEVVRecord(f.ctx, f.fix.OrgID, f.fix.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCorrected, rec.Status)
	assert.Equal(t, 1, rec.CorrectionVersion)
	assert.Equal(t, 8, rec.BillableUnits)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{LockTTL: 10 * time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 8*time.Minute, cfg.JobTimeout)
}
