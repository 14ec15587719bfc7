// Package testutil provides shared test fixtures for package-level tests,
// following the teacher's pattern of env-gated live dependencies that skip
// cleanly when unavailable rather than mocking the database/queue away.
package testutil

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nyife/waengine/internal/models"
)

var (
	testDB        *gorm.DB
	testDBOnce    sync.Once
	testDBInitErr error
)

// SetupTestDB connects to a test PostgreSQL database named by
// TEST_DATABASE_URL, skipping the test if it is unset. Migrations run once
// across the whole test binary.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database test")
	}

	testDBOnce.Do(func() {
		var err error
		testDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			testDBInitErr = fmt.Errorf("failed to connect to test postgres: %w", err)
			return
		}
		if err := runMigrations(testDB); err != nil {
			testDBInitErr = fmt.Errorf("failed to run migrations: %w", err)
			return
		}
		TruncateTables(testDB)
	})

	if testDBInitErr != nil {
		t.Fatalf("failed to initialize test database: %v", testDBInitErr)
	}

	return testDB.Session(&gorm.Session{})
}

func runMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.StoredMessage{},
		&models.ConversationState{},
		&models.WorkflowTemplate{},
		&models.Campaign{},
		&models.CampaignRecipient{},
		&models.DailySchedule{},
		&models.AgentSession{},
		&models.AgentMessage{},
		&models.DailyBusinessMetric{},
	)
}

// TruncateTables clears every spec-scoped table. SetupTestDB calls it once
// per test binary, right after migrating; it is not called between tests.
func TruncateTables(db *gorm.DB) {
	tables := []string{
		"agent_messages",
		"agent_sessions",
		"daily_schedules",
		"campaign_recipients",
		"campaigns",
		"workflow_templates",
		"conversation_states",
		"stored_messages",
		"daily_business_metrics",
		"users",
	}
	for _, table := range tables {
		db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
	}
}
