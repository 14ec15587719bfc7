// Package store implements the Relational Store (§4.9): connection setup,
// migrations, and index management for the durable Postgres schema,
// adapted from the teacher's internal/database/postgres.go and trimmed to
// the spec-relevant model set (RBAC/multi-tenant seeding dropped).
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nyife/waengine/internal/config"
	"github.com/nyife/waengine/internal/models"
)

// NewPostgres opens a connection pool per cfg.
func NewPostgres(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	return db, nil
}

// MigrationModel names a model for migration-progress reporting.
type MigrationModel struct {
	Name  string
	Model interface{}
}

// GetMigrationModels returns every model in the Relational Store's schema
// (§4.9), in dependency order.
func GetMigrationModels() []MigrationModel {
	return []MigrationModel{
		{"User", &models.User{}},
		{"StoredMessage", &models.StoredMessage{}},
		{"ConversationState", &models.ConversationState{}},
		{"WorkflowTemplate", &models.WorkflowTemplate{}},
		{"Campaign", &models.Campaign{}},
		{"CampaignRecipient", &models.CampaignRecipient{}},
		{"DailySchedule", &models.DailySchedule{}},
		{"AgentSession", &models.AgentSession{}},
		{"AgentMessage", &models.AgentMessage{}},
		{"DailyBusinessMetric", &models.DailyBusinessMetric{}},
	}
}

// AutoMigrate runs AutoMigrate for every model, without RunMigrations'
// progress output.
func AutoMigrate(db *gorm.DB) error {
	for _, m := range GetMigrationModels() {
		if err := db.AutoMigrate(m.Model); err != nil {
			return fmt.Errorf("store: migrate %s: %w", m.Name, err)
		}
	}
	return nil
}

// getIndexes returns supplementary index DDL run after AutoMigrate
// (single-column, composite, ordered and partial indexes).
func getIndexes() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_stored_messages_from_phone ON stored_messages(from_phone)`,
		`CREATE INDEX IF NOT EXISTS idx_stored_messages_direction_timestamp ON stored_messages(direction, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_campaign_recipients_send_date ON campaign_recipients(campaign_id, scheduled_send_date, status)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_active ON agent_sessions(phone, status) WHERE status IN ('waiting','active')`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_states_expires ON conversation_states(expires_at)`,
	}
}

// RunMigrations runs AutoMigrate followed by supplementary index creation
// and reports progress with the teacher's bar-style console output.
func RunMigrations(db *gorm.DB) error {
	silentDB := db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})

	migrationModels := GetMigrationModels()
	indexes := getIndexes()
	totalSteps := len(migrationModels) + len(indexes)
	currentStep := 0
	barWidth := 40

	printProgress := func(step, total int) {
		percent := float64(step) / float64(total)
		filled := int(percent * float64(barWidth))
		empty := barWidth - filled
		bar := repeatChar("█", filled) + repeatChar("░", empty)
		fmt.Printf("\r  Running migrations  %s %3d%%", bar, int(percent*100))
	}

	fmt.Println()
	for _, m := range migrationModels {
		printProgress(currentStep, totalSteps)
		if err := silentDB.AutoMigrate(m.Model); err != nil {
			fmt.Printf("\n  migration failed: %s\n\n", m.Name)
			return fmt.Errorf("store: migrate %s: %w", m.Name, err)
		}
		currentStep++
	}
	for _, idx := range indexes {
		printProgress(currentStep, totalSteps)
		if err := silentDB.Exec(idx).Error; err != nil {
			fmt.Printf("\n  index creation failed\n\n")
			return fmt.Errorf("store: create index: %w", err)
		}
		currentStep++
	}
	printProgress(totalSteps, totalSteps)
	fmt.Printf("\n  migration completed\n\n")
	return nil
}

func repeatChar(char string, n int) string {
	result := ""
	for i := 0; i < n; i++ {
		result += char
	}
	return result
}
