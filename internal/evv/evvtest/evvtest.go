// Package evvtest holds the sqlite fixtures shared by the evv repository and
// service tests.
package evvtest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/smallbiznis/evvbridge/internal/evv/domain"
)

const Secret = "test-credentials-key"

// OpenDB returns an isolated in-memory database with the evv tables created.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	require.NoError(t, conn.AutoMigrate(
		&domain.BusinessRuleConfig{},
		&domain.Client{},
		&domain.User{},
		&domain.EVVRecord{},
		&domain.ServiceAuthorization{},
		&domain.Transaction{},
	))

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// Sealer is satisfied by repository.Cipher.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

// Fixture is one organisation with a registered client and caregiver and
// a finished visit ready to submit.
type Fixture struct {
	OrgID  snowflake.ID
	Config *domain.BusinessRuleConfig
	Client *domain.Client
	User   *domain.User
	Record *domain.EVVRecord
}

func ptr[T any](v T) *T { return &v }

// Seed inserts a fixture whose aggregator lives at baseURL.
func Seed(t testing.TB, conn *gorm.DB, node *snowflake.Node, sealer Sealer, baseURL string) *Fixture {
	t.Helper()

	creds, err := json.Marshal(domain.Credentials{ClientID: "agency", ClientSecret: "s3cret"})
	require.NoError(t, err)
	sealedCreds, err := sealer.Seal(creds)
	require.NoError(t, err)
	sealedSSN, err := sealer.Seal([]byte("123-45-6789"))
	require.NoError(t, err)

	orgID := node.Generate()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cfg := &domain.BusinessRuleConfig{
		OrgID:                   orgID,
		ProviderID:              "PRV-100",
		BaseURL:                 baseURL,
		CredentialsEncrypted:    sealedCreds,
		GeofenceRadiusMeters:    150,
		GPSAccuracyMeters:       100,
		ClockInToleranceMinutes: 15,
		RoundingInterval:        15,
		RoundingMode:            "nearest",
		CertExpiringSoonDays:    30,
		MaxRetries:              3,
		RetryDelaySeconds:       60,
		IntegrationEnabled:      true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	require.NoError(t, conn.Create(cfg).Error)

	lat, lon := 30.2672, -97.7431
	client := &domain.Client{
		ID:               node.Generate(),
		OrgID:            orgID,
		FirstName:        "Lee",
		LastName:         "Okafor",
		DateOfBirth:      time.Date(1948, 11, 2, 0, 0, 0, 0, time.UTC),
		Gender:           "F",
		MedicaidID:       "MCD123",
		SSNEncrypted:     &sealedSSN,
		AddressLine1:     "100 Congress Ave",
		City:             "Austin",
		State:            "TX",
		PostalCode:       "78701",
		Latitude:         &lat,
		Longitude:        &lon,
		EVVConsentSigned: true,
		AggregatorID:     ptr("IND-1"),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, conn.Create(client).Error)

	user := &domain.User{
		ID:          node.Generate(),
		OrgID:       orgID,
		FirstName:   "Dana",
		LastName:    "Reyes",
		Email:       "dana@example.com",
		Role:        "caregiver",
		DateOfBirth: ptr(time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)),
		HireDate:    ptr(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)),
		Certifications: []domain.Certification{
			{Type: "CPR", ExpirationDate: ptr(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))},
		},
		AggregatorID: ptr("EMP-1"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, conn.Create(user).Error)

	record := &domain.EVVRecord{
		ID:                node.Generate(),
		OrgID:             orgID,
		ClientID:          client.ID,
		UserID:            user.ID,
		ServiceCode:       "T1019",
		ClockIn:           time.Date(2026, 3, 10, 9, 2, 0, 0, time.UTC),
		ClockOut:          time.Date(2026, 3, 10, 10, 47, 0, 0, time.UTC),
		ClockInLatitude:   &lat,
		ClockInLongitude:  &lon,
		ClockOutLatitude:  &lat,
		ClockOutLongitude: &lon,
		Status:            domain.StatusNotSubmitted,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, conn.Create(record).Error)

	return &Fixture{OrgID: orgID, Config: cfg, Client: client, User: user, Record: record}
}

// AddRecord inserts another finished visit for the fixture's client and
// caregiver, starting at clockIn.
func (f *Fixture) AddRecord(t testing.TB, conn *gorm.DB, node *snowflake.Node, clockIn time.Time, duration time.Duration) *domain.EVVRecord {
	t.Helper()
	rec := *f.Record
	rec.ID = node.Generate()
	rec.ClockIn = clockIn
	rec.ClockOut = clockIn.Add(duration)
	rec.Status = domain.StatusNotSubmitted
	rec.VisitKey = nil
	rec.AggregatorVisitID = nil
	require.NoError(t, conn.Create(&rec).Error)
	return &rec
}
