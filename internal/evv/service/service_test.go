package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/smallbiznis/evvbridge/internal/aggregator"
	"github.com/smallbiznis/evvbridge/internal/clock"
	"github.com/smallbiznis/evvbridge/internal/config"
	"github.com/smallbiznis/evvbridge/internal/errcode"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/evvtest"
	"github.com/smallbiznis/evvbridge/internal/evv/repository"
	"github.com/smallbiznis/evvbridge/internal/observability/metrics"
	"github.com/smallbiznis/evvbridge/internal/orgcontext"
	"github.com/smallbiznis/evvbridge/internal/ratelimit"
)

// fakeAggregator answers every aggregator endpoint. Handlers can be swapped
// per route; unset routes accept.
type fakeAggregator struct {
	t *testing.T

	mu       sync.Mutex
	tokens   int
	calls    map[string]int
	bodies   map[string][]string
	handlers map[string]http.HandlerFunc
}

func newFakeAggregator(t *testing.T) *fakeAggregator {
	return &fakeAggregator{
		t:        t,
		calls:    map[string]int{},
		bodies:   map[string][]string{},
		handlers: map[string]http.HandlerFunc{},
	}
}

func (f *fakeAggregator) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	f.handlers[route] = h
	f.mu.Unlock()
}

func (f *fakeAggregator) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func (f *fakeAggregator) lastBody(route string, into any) {
	f.mu.Lock()
	bodies := f.bodies[route]
	f.mu.Unlock()
	require.NotEmpty(f.t, bodies, "no request on %s", route)
	require.NoError(f.t, json.Unmarshal([]byte(bodies[len(bodies)-1]), into))
}

func (f *fakeAggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		f.mu.Lock()
		f.tokens++
		n := f.tokens
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, fmt.Sprintf(`{"access_token":"token-%d","expires_in":3600}`, n))
		return
	}

	route := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls[route]++
	f.bodies[route] = append(f.bodies[route], string(body))
	h := f.handlers[route]
	f.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}
	switch {
	case route == "POST /visits":
		writeJSON(w, http.StatusCreated, fmt.Sprintf(`{"visitId":"V-%d","status":"accepted"}`, f.count(route)))
	case route == "POST /visits/corrections", route == "POST /visits/void":
		writeJSON(w, http.StatusOK, `{"status":"accepted"}`)
	case route == "POST /individuals":
		writeJSON(w, http.StatusCreated, `{"individualId":"IND-9","status":"accepted"}`)
	case route == "POST /employees":
		writeJSON(w, http.StatusCreated, `{"employeeId":"EMP-9","status":"accepted"}`)
	case strings.HasPrefix(route, "PUT /"):
		writeJSON(w, http.StatusOK, `{"status":"accepted"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type harness struct {
	t     *testing.T
	conn  *gorm.DB
	node  *snowflake.Node
	repo  domain.Repository
	fix   *evvtest.Fixture
	agg   *fakeAggregator
	clock *clock.FakeClock
	ctx   context.Context

	visits      *VisitService
	corrections *CorrectionService
	individuals *IndividualService
	employees   *EmployeeService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := evvtest.OpenDB(t)
	node := evvtest.Node(t)
	cipher, err := repository.NewCipher(evvtest.Secret)
	require.NoError(t, err)

	agg := newFakeAggregator(t)
	srv := httptest.NewServer(agg)
	t.Cleanup(srv.Close)

	fix := evvtest.Seed(t, conn, node, cipher, srv.URL)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	repo := repository.Provide(conn, clk, cipher)
	flags := config.NewStaticFlags(config.DefaultIntegrationFlags())

	p := Params{
		Repo:    repo,
		Clients: aggregator.NewRegistry(flags, aggregator.WithHTTPClient(srv.Client())),
		Pacer:   ratelimit.Unpaced{},
		Clock:   clk,
		GenID:   node,
		Log:     zaptest.NewLogger(t),
	}
	return &harness{
		t:           t,
		conn:        conn,
		node:        node,
		repo:        repo,
		fix:         fix,
		agg:         agg,
		clock:       clk,
		ctx:         orgcontext.WithOrgID(context.Background(), fix.OrgID),
		visits:      NewVisitService(p),
		corrections: NewCorrectionService(p),
		individuals: NewIndividualService(p),
		employees:   NewEmployeeService(p),
	}
}

func (h *harness) record(id snowflake.ID) *domain.EVVRecord {
	h.t.Helper()
	rec, err := h.repo.GetEVVRecord(h.ctx, h.fix.OrgID, id)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) transactions(id snowflake.ID) []*domain.Transaction {
	h.t.Helper()
	txs, err := h.repo.GetTransactionsByEVVRecord(h.ctx, h.fix.OrgID, id)
	require.NoError(h.t, err)
	return txs
}

func (h *harness) countTransactions() int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.conn.Model(&domain.Transaction{}).Count(&n).Error)
	return n
}

// baseKey is the visit key of the seeded record.
func (h *harness) baseKey() string {
	return fmt.Sprintf("%s_%s_20260310_T1019", h.fix.Client.ID, h.fix.User.ID)
}

func (h *harness) submitSeed() domain.Accepted {
	h.t.Helper()
	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(h.t, err)
	acc, ok := out.(domain.Accepted)
	require.True(h.t, ok, "got %#v", out)
	return acc
}

func issueCodes(out domain.Outcome) []string {
	vf, ok := out.(domain.ValidationFailed)
	if !ok {
		return nil
	}
	codes := make([]string, 0, len(vf.Errors))
	for _, issue := range vf.Errors {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestSubmitVisitAccepted(t *testing.T) {
	h := newHarness(t)

	acc := h.submitSeed()
	assert.Equal(t, "V-1", acc.AggregatorID)
	assert.Equal(t, h.baseKey(), acc.VisitKey)
	assert.Equal(t, 7, acc.BillableUnits, "09:00-10:45 rounded")

	var sent struct {
		VisitKey string    `json:"visitKey"`
		ClockIn  time.Time `json:"clockIn"`
		ClockOut time.Time `json:"clockOut"`
		Units    int       `json:"units"`
	}
	h.agg.lastBody("POST /visits", &sent)
	assert.Equal(t, h.baseKey(), sent.VisitKey)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), sent.ClockIn.UTC())
	assert.Equal(t, time.Date(2026, 3, 10, 10, 45, 0, 0, time.UTC), sent.ClockOut.UTC())
	assert.Equal(t, 7, sent.Units)

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusAccepted, rec.Status)
	require.NotNil(t, rec.VisitKey)
	assert.Equal(t, h.baseKey(), *rec.VisitKey)
	require.NotNil(t, rec.AggregatorVisitID)
	assert.Equal(t, "V-1", *rec.AggregatorVisitID)
	assert.Equal(t, 7, rec.BillableUnits)
	assert.Nil(t, rec.RejectedReason)

	txs := h.transactions(h.fix.Record.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionVisit, txs[0].Type)
	assert.Equal(t, domain.TransactionAccepted, txs[0].Status)
	assert.Equal(t, http.StatusCreated, txs[0].HTTPStatus)
	assert.Equal(t, acc.TransactionID, txs[0].ID)
}

func TestSubmitVisitSkipsAcceptedUnlessForced(t *testing.T) {
	h := newHarness(t)
	h.submitSeed()

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.IsType(t, domain.Skipped{}, out)
	assert.Equal(t, 1, h.agg.count("POST /visits"))

	out, err = h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{ForceSubmit: true})
	require.NoError(t, err)
	acc, ok := out.(domain.Accepted)
	require.True(t, ok)
	assert.Equal(t, h.baseKey(), acc.VisitKey, "key never changes")
	assert.Equal(t, "V-1", acc.AggregatorID, "aggregator visit id never changes")
	assert.Equal(t, 2, h.agg.count("POST /visits"))
	assert.Equal(t, "V-1", *h.record(h.fix.Record.ID).AggregatorVisitID)
}

func TestPrerequisiteFailureWritesNoTransaction(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Model(&domain.User{}).Where("id = ?", h.fix.User.ID).Update("aggregator_id", nil).Error)
	require.NoError(t, h.conn.Model(&domain.Client{}).Where("id = ?", h.fix.Client.ID).Update("evv_consent_signed", false).Error)

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{domain.CodeCaregiverNotRegistered, domain.CodeConsentMissing}, issueCodes(out))

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusRejected, rec.Status)
	require.NotNil(t, rec.RejectedReason)
	assert.Contains(t, *rec.RejectedReason, "caregiver")
	assert.Zero(t, h.countTransactions())
	assert.Zero(t, h.agg.count("POST /visits"))
}

func TestValidationFailureWritesNoTransaction(t *testing.T) {
	h := newHarness(t)
	far := 30.40
	require.NoError(t, h.conn.Model(&domain.EVVRecord{}).Where("id = ?", h.fix.Record.ID).Update("clock_in_latitude", far).Error)

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Contains(t, issueCodes(out), "OUTSIDE_GEOFENCE")
	assert.Zero(t, h.countTransactions())
	assert.Zero(t, h.agg.count("POST /visits"))

	out, err = h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{SkipValidation: true})
	require.NoError(t, err)
	assert.IsType(t, domain.Accepted{}, out)
}

func TestDryRunTouchesNothing(t *testing.T) {
	h := newHarness(t)

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{DryRun: true})
	require.NoError(t, err)
	v, ok := out.(domain.Validated)
	require.True(t, ok)
	assert.Equal(t, h.baseKey(), v.VisitKey)
	assert.Equal(t, 7, v.BillableUnits)
	assert.NotNil(t, v.Payload)

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusNotSubmitted, rec.Status)
	assert.Nil(t, rec.VisitKey)
	assert.Zero(t, h.countTransactions())
	assert.Zero(t, h.agg.count("POST /visits"))
}

func TestSubmitVisitBusinessRejection(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"rejected","errors":[{"message":"unknown service code","field":"serviceCode"}]}`)
	})

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	rej, ok := out.(domain.Rejected)
	require.True(t, ok)
	assert.Equal(t, "serviceCode: unknown service code", rej.Reason())

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusRejected, rec.Status)
	require.NotNil(t, rec.RejectedReason)
	assert.Equal(t, "serviceCode: unknown service code", *rec.RejectedReason)

	txs := h.transactions(h.fix.Record.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionRejected, txs[0].Status)
	assert.Nil(t, txs[0].NextRetryAt, "business rejections are not retried by the queue")
}

func TestSystemFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"message":"maintenance"}`)
	})

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok)
	assert.True(t, f.Retryable())
	require.NotNil(t, f.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(60*time.Second), f.NextRetryAt.UTC())

	txs := h.transactions(h.fix.Record.ID)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, domain.TransactionFailed, tx.Status)
	require.NotNil(t, tx.ErrorCategory)
	assert.Equal(t, "system", *tx.ErrorCategory)
	assert.Equal(t, 0, tx.RetryCount)
	assert.Equal(t, 3, tx.MaxRetries)

	assert.Equal(t, domain.StatusRejected, h.record(h.fix.Record.ID).Status)
}

func TestRateLimitHonoursRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		writeJSON(w, http.StatusTooManyRequests, `{"message":"slow down"}`)
	})

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok)
	require.NotNil(t, f.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(2*time.Minute), f.NextRetryAt.UTC())
}

func TestRetryStopsAtMaxRetries(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	})
	prev := &domain.Transaction{ID: h.node.Generate(), RetryCount: 2, MaxRetries: 3}

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{RetryOf: prev})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok)
	assert.Nil(t, f.NextRetryAt)

	txs := h.transactions(h.fix.Record.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, 3, txs[0].RetryCount)
	require.NotNil(t, txs[0].RetryOf)
	assert.Equal(t, prev.ID, *txs[0].RetryOf)
	assert.Nil(t, txs[0].NextRetryAt)
}

func TestKillSwitchBlocksWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Model(&domain.BusinessRuleConfig{}).Where("org_id = ?", h.fix.OrgID).Update("kill_switch", true).Error)

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok)
	assert.Equal(t, "KILL_SWITCH_ACTIVE", string(f.Err.Code))
	assert.False(t, f.Retryable())

	assert.Equal(t, domain.StatusNotSubmitted, h.record(h.fix.Record.ID).Status)
	assert.Zero(t, h.countTransactions())
	assert.Zero(t, h.agg.count("POST /visits"))
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-1" {
			writeJSON(w, http.StatusUnauthorized, `{"message":"expired"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"visitId":"V-7","status":"accepted"}`)
	})

	acc := h.submitSeed()
	assert.Equal(t, "V-7", acc.AggregatorID)
	assert.Equal(t, 2, h.agg.count("POST /visits"))
	assert.Len(t, h.transactions(h.fix.Record.ID), 1, "one attempt, one audit row")
}

func TestMissingOrganisation(t *testing.T) {
	h := newHarness(t)
	_, err := h.visits.SubmitVisit(context.Background(), h.fix.Record.ID, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)

	other := orgcontext.WithOrgID(context.Background(), h.node.Generate())
	_, err = h.visits.SubmitVisit(other, h.fix.Record.ID, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestSubmitBatchSkipsDuplicates(t *testing.T) {
	h := newHarness(t)
	sameDay := h.fix.AddRecord(t, h.conn, h.node, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), time.Hour)
	nextDay := h.fix.AddRecord(t, h.conn, h.node, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), time.Hour)

	res, err := h.visits.SubmitBatch(h.ctx, []snowflake.ID{h.fix.Record.ID, sameDay.ID, nextDay.ID}, SubmitOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	assert.IsType(t, domain.Accepted{}, res.Items[0].Outcome)
	skipped, ok := res.Items[1].Outcome.(domain.Skipped)
	require.True(t, ok)
	assert.Contains(t, skipped.Reason, "duplicate of record "+h.fix.Record.ID.String())
	assert.IsType(t, domain.Accepted{}, res.Items[2].Outcome)

	assert.Equal(t, 2, res.Counts[domain.ActionAccepted])
	assert.Equal(t, 1, res.Counts[domain.ActionSkipped])
	assert.Equal(t, 2, h.agg.count("POST /visits"))
	assert.Equal(t, domain.StatusNotSubmitted, h.record(sameDay.ID).Status)
}

func TestSubmitPending(t *testing.T) {
	h := newHarness(t)
	h.fix.AddRecord(t, h.conn, h.node, time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC), time.Hour)

	res, err := h.visits.SubmitPending(h.ctx, 10, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts[domain.ActionAccepted])

	res, err = h.visits.SubmitPending(h.ctx, 10, SubmitOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestCorrectionVersionsAdvance(t *testing.T) {
	h := newHarness(t)
	h.submitSeed()

	clockOut := time.Date(2026, 3, 10, 11, 1, 0, 0, time.UTC)
	out, err := h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{
		ClockOut: &clockOut,
		Reason:   "caregiver forgot to clock out",
	}, SubmitOptions{})
	require.NoError(t, err)
	acc, ok := out.(domain.Accepted)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, h.baseKey()+"_v1", acc.VisitKey)
	assert.Equal(t, 8, acc.BillableUnits)

	var sent struct {
		OriginalVisitID  string `json:"originalVisitId"`
		OriginalVisitKey string `json:"originalVisitKey"`
		CorrectionKey    string `json:"correctionKey"`
		Version          int    `json:"version"`
		Visit            struct {
			VisitKey    string `json:"visitKey"`
			ServiceCode string `json:"serviceCode"`
		} `json:"visit"`
	}
	h.agg.lastBody("POST /visits/corrections", &sent)
	assert.Equal(t, "V-1", sent.OriginalVisitID)
	assert.Equal(t, h.baseKey(), sent.OriginalVisitKey)
	assert.Equal(t, 1, sent.Version)
	assert.Equal(t, h.baseKey()+"_v1", sent.Visit.VisitKey)
	assert.Equal(t, "T1019", sent.Visit.ServiceCode, "unpatched fields carry over")

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusCorrected, rec.Status)
	assert.Equal(t, h.baseKey()+"_v1", *rec.VisitKey)
	assert.Equal(t, h.baseKey(), rec.LineageKey())
	assert.Equal(t, 1, rec.CorrectionVersion)

	notes := "second pass"
	out, err = h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{Notes: &notes}, SubmitOptions{})
	require.NoError(t, err)
	acc, ok = out.(domain.Accepted)
	require.True(t, ok)
	assert.Equal(t, h.baseKey()+"_v2", acc.VisitKey)
	assert.Equal(t, 8, acc.BillableUnits, "earlier correction carries forward")

	h.agg.lastBody("POST /visits/corrections", &sent)
	assert.Equal(t, 2, sent.Version)
	assert.Equal(t, h.baseKey(), sent.OriginalVisitKey)

	var corrections int
	for _, tx := range h.transactions(h.fix.Record.ID) {
		if tx.Type == domain.TransactionCorrection {
			corrections++
		}
	}
	assert.Equal(t, 2, corrections)
}

func TestRejectedCorrectionKeepsAcceptedVisit(t *testing.T) {
	h := newHarness(t)
	h.submitSeed()
	h.agg.handle("POST /visits/corrections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"rejected","errors":[{"message":"correction window closed"}]}`)
	})

	code := "S5125"
	out, err := h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{ServiceCode: &code}, SubmitOptions{})
	require.NoError(t, err)
	assert.IsType(t, domain.Rejected{}, out)

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusAccepted, rec.Status)
	assert.Equal(t, h.baseKey(), *rec.VisitKey)
	require.NotNil(t, rec.RejectedReason)
	assert.Equal(t, "correction window closed", *rec.RejectedReason)

	// the burned version is not reused
	h.agg.handle("POST /visits/corrections", nil)
	out, err = h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{ServiceCode: &code}, SubmitOptions{})
	require.NoError(t, err)
	acc, ok := out.(domain.Accepted)
	require.True(t, ok)
	assert.Equal(t, h.baseKey()+"_v2", acc.VisitKey)
}

func TestCorrectionRequiresAcceptedVisit(t *testing.T) {
	h := newHarness(t)
	notes := "n"

	out, err := h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{Notes: &notes}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CodeVisitNotAccepted}, issueCodes(out))
	assert.Zero(t, h.agg.count("POST /visits/corrections"))

	_, err = h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{Reason: "nothing"}, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrEmptyCorrection)
}

func TestCorrectionDryRunReservesNothing(t *testing.T) {
	h := newHarness(t)
	h.submitSeed()
	notes := "preview"

	out, err := h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{Notes: &notes}, SubmitOptions{DryRun: true})
	require.NoError(t, err)
	v, ok := out.(domain.Validated)
	require.True(t, ok)
	assert.Equal(t, h.baseKey()+"_v1", v.VisitKey)

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, 0, rec.CorrectionVersion)
	assert.Equal(t, domain.StatusAccepted, rec.Status)
	assert.Zero(t, h.agg.count("POST /visits/corrections"))
}

func TestVoidIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.submitSeed()

	out, err := h.corrections.VoidVisit(h.ctx, h.fix.Record.ID, VoidRequest{Reason: "duplicate", VoidedBy: "admin@agency"}, SubmitOptions{})
	require.NoError(t, err)
	assert.IsType(t, domain.Accepted{}, out)

	var sent struct {
		VisitID  string `json:"visitId"`
		VisitKey string `json:"visitKey"`
		Reason   string `json:"reason"`
	}
	h.agg.lastBody("POST /visits/void", &sent)
	assert.Equal(t, "V-1", sent.VisitID)
	assert.Equal(t, h.baseKey(), sent.VisitKey)
	assert.Equal(t, "duplicate", sent.Reason)

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusVoided, rec.Status)
	require.NotNil(t, rec.VoidReason)
	assert.Equal(t, "duplicate", *rec.VoidReason)
	require.NotNil(t, rec.VoidedBy)
	assert.Equal(t, "admin@agency", *rec.VoidedBy)
	require.NotNil(t, rec.VoidedAt)

	notes := "too late"
	out, err = h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{Notes: &notes}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CodeVisitVoided}, issueCodes(out))

	out, err = h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{ForceSubmit: true})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CodeVisitVoided}, issueCodes(out))

	out, err = h.corrections.VoidVisit(h.ctx, h.fix.Record.ID, VoidRequest{Reason: "cancelled"}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CodeVisitVoided}, issueCodes(out))

	assert.Zero(t, h.agg.count("POST /visits/corrections"))
	assert.Equal(t, 1, h.agg.count("POST /visits/void"))
	assert.Equal(t, 1, h.agg.count("POST /visits"))
}

func TestVoidRequestChecks(t *testing.T) {
	h := newHarness(t)

	_, err := h.corrections.VoidVisit(h.ctx, h.fix.Record.ID, VoidRequest{Reason: "bored"}, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidVoidReason)

	_, err = h.corrections.VoidVisit(h.ctx, h.fix.Record.ID, VoidRequest{Reason: "other", Description: "  "}, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrVoidDescription)

	out, err := h.corrections.VoidVisit(h.ctx, h.fix.Record.ID, VoidRequest{Reason: "other", Description: "visit never happened"}, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CodeVisitNotAccepted}, issueCodes(out))
}

func TestSubmitIndividual(t *testing.T) {
	h := newHarness(t)

	out, err := h.individuals.SubmitIndividual(h.ctx, h.fix.Client.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.IsType(t, domain.Skipped{}, out, "already registered")

	out, err = h.individuals.SubmitIndividual(h.ctx, h.fix.Client.ID, SubmitOptions{ForceSubmit: true})
	require.NoError(t, err)
	acc, ok := out.(domain.Accepted)
	require.True(t, ok)
	assert.Equal(t, "IND-1", acc.AggregatorID)
	assert.Equal(t, 1, h.agg.count("PUT /individuals/IND-1"))

	require.NoError(t, h.conn.Model(&domain.Client{}).Where("id = ?", h.fix.Client.ID).Update("aggregator_id", nil).Error)
	out, err = h.individuals.SubmitIndividual(h.ctx, h.fix.Client.ID, SubmitOptions{})
	require.NoError(t, err)
	acc, ok = out.(domain.Accepted)
	require.True(t, ok)
	assert.Equal(t, "IND-9", acc.AggregatorID)

	var sent struct {
		SSN        string `json:"ssn"`
		MedicaidID string `json:"medicaidId"`
	}
	h.agg.lastBody("POST /individuals", &sent)
	assert.Equal(t, "123-45-6789", sent.SSN)
	assert.Equal(t, "MCD123", sent.MedicaidID)

	client, err := h.repo.GetClient(h.ctx, h.fix.OrgID, h.fix.Client.ID)
	require.NoError(t, err)
	assert.Equal(t, "IND-9", *client.AggregatorID)

	var tx domain.Transaction
	require.NoError(t, h.conn.Where("client_id = ? AND operation = ?", h.fix.Client.ID, aggregator.OpCreateIndividual).Take(&tx).Error)
	assert.Equal(t, domain.TransactionIndividual, tx.Type)
	assert.NotContains(t, string(tx.RequestPayload), "123-45-6789", "ssn is masked at rest")
}

func TestSubmitEmployee(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Model(&domain.User{}).Where("id = ?", h.fix.User.ID).Update("aggregator_id", nil).Error)

	out, err := h.employees.SubmitEmployee(h.ctx, h.fix.User.ID, SubmitOptions{DryRun: true})
	require.NoError(t, err)
	assert.IsType(t, domain.Validated{}, out)
	assert.Zero(t, h.agg.count("POST /employees"))

	out, err = h.employees.SubmitEmployee(h.ctx, h.fix.User.ID, SubmitOptions{})
	require.NoError(t, err)
	acc, ok := out.(domain.Accepted)
	require.True(t, ok)
	assert.Equal(t, "EMP-9", acc.AggregatorID)

	user, err := h.repo.GetUser(h.ctx, h.fix.OrgID, h.fix.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "EMP-9", *user.AggregatorID)
}

func TestSubmitEmployeeUnderage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Model(&domain.User{}).Where("id = ?", h.fix.User.ID).
		Updates(map[string]any{"aggregator_id": nil, "date_of_birth": time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)}).Error)

	out, err := h.employees.SubmitEmployee(h.ctx, h.fix.User.ID, SubmitOptions{})
	require.NoError(t, err)
	assert.Contains(t, issueCodes(out), "STAFF_UNDERAGE")
	assert.Zero(t, h.agg.count("POST /employees"))
	assert.Zero(t, h.countTransactions())
}

func TestAggregatorRejectsEmployee(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("PUT /employees/EMP-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"rejected","errors":[{"message":"hire date in future","field":"hireDate"}]}`)
	})

	out, err := h.employees.SubmitEmployee(h.ctx, h.fix.User.ID, SubmitOptions{ForceSubmit: true})
	require.NoError(t, err)
	rej, ok := out.(domain.Rejected)
	require.True(t, ok)
	assert.Equal(t, "hireDate: hire date in future", rej.Reason())

	user, err := h.repo.GetUser(h.ctx, h.fix.OrgID, h.fix.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "EMP-1", *user.AggregatorID)
}

func TestUnreadableAcceptanceSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html>gateway ok</html>`))
	})

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, errcode.SystemInternalError, f.Err.Code)
	assert.True(t, f.Retryable())

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusRejected, rec.Status)
	assert.Nil(t, rec.AggregatorVisitID)

	txs := h.transactions(h.fix.Record.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionFailed, txs[0].Status)
	assert.Equal(t, http.StatusOK, txs[0].HTTPStatus)
	assert.Contains(t, string(txs[0].ResponsePayload), "gateway ok")
	assert.NotNil(t, txs[0].NextRetryAt)

	h.agg.handle("POST /visits", nil)
	acc := h.submitSeed()
	assert.Equal(t, "V-2", acc.AggregatorID)
	assert.Equal(t, "V-2", *h.record(h.fix.Record.ID).AggregatorVisitID)
}

func TestAcceptanceWithoutVisitIDIsFailure(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"accepted"}`)
	})

	out, err := h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, errcode.SystemInternalError, f.Err.Code)

	rec := h.record(h.fix.Record.ID)
	assert.False(t, rec.Status.Live())
	assert.Nil(t, rec.AggregatorVisitID)
}

func TestForcedResubmitOfCorrectedVisitIsRefused(t *testing.T) {
	h := newHarness(t)
	h.submitSeed()

	clockOut := time.Date(2026, 3, 10, 11, 1, 0, 0, time.UTC)
	out, err := h.corrections.CorrectVisit(h.ctx, h.fix.Record.ID, CorrectionRequest{
		ClockOut: &clockOut,
		Reason:   "caregiver forgot to clock out",
	}, SubmitOptions{})
	require.NoError(t, err)
	require.IsType(t, domain.Accepted{}, out)

	out, err = h.visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{ForceSubmit: true})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.CodeVisitCorrected}, issueCodes(out))
	assert.Equal(t, 1, h.agg.count("POST /visits"), "stale times are never resent")

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusCorrected, rec.Status)
	assert.Equal(t, h.baseKey()+"_v1", *rec.VisitKey)
	assert.Equal(t, 8, rec.BillableUnits)
	assert.Equal(t, "V-1", *rec.AggregatorVisitID)
}

func TestCancelledCallerStillRecordsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	out, err := h.visits.SubmitVisit(ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, errcode.SystemNetworkError, f.Err.Code)

	txs := h.transactions(h.fix.Record.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TransactionFailed, txs[0].Status)
	require.NotNil(t, txs[0].ErrorCode)
	assert.Equal(t, string(errcode.SystemNetworkError), *txs[0].ErrorCode)
	assert.Equal(t, f.TransactionID, txs[0].ID)

	rec := h.record(h.fix.Record.ID)
	assert.Equal(t, domain.StatusRejected, rec.Status)
	require.NotNil(t, rec.RejectedReason)
	assert.Contains(t, *rec.RejectedReason, string(errcode.SystemNetworkError))
}

// unwritableAudit fails every transaction insert.
type unwritableAudit struct {
	domain.Repository
}

func (unwritableAudit) CreateTransaction(context.Context, *domain.Transaction) error {
	return errors.New("audit store unavailable")
}

func TestAuditWriteFailureIsCounted(t *testing.T) {
	h := newHarness(t)
	h.agg.handle("POST /visits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"message":"maintenance"}`)
	})
	reg := prometheus.NewRegistry()
	visits := NewVisitService(Params{
		Repo:    unwritableAudit{Repository: h.repo},
		Clients: aggregator.NewRegistry(config.NewStaticFlags(config.DefaultIntegrationFlags())),
		Pacer:   ratelimit.Unpaced{},
		Metrics: metrics.NewEVV(reg, nil),
		Clock:   h.clock,
		GenID:   h.node,
		Log:     zaptest.NewLogger(t),
	})

	out, err := visits.SubmitVisit(h.ctx, h.fix.Record.ID, SubmitOptions{})
	require.NoError(t, err)
	f, ok := out.(domain.Failed)
	require.True(t, ok, "got %#v", out)
	assert.Zero(t, f.TransactionID, "no row was written")
	assert.False(t, f.Retryable(), "nothing is scheduled without a row")
	assert.Equal(t, 1, h.agg.count("POST /visits"))

	n, err := testutil.GatherAndCount(reg, "evvbridge_audit_write_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.countTransactions())
}
