package database

import (
	"fmt"
	"log"
	"os"

	"medx-coding-support/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Notification channels shared by workers and the WebSocket bus listener.
const (
	JobWakeChannel     = "processing_jobs_channel"
	JobStatusChannel   = "job_status_update"
	ChartStatusChannel = "chart_status_update"
)

// InitDatabase opens the database connection and prepares the schema
func InitDatabase() {
	dsn := DSN()

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // No logging for cleaner output
	})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	log.Println("Database connected successfully")

	if err := autoMigrateTables(); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	if err := createJobWakeTrigger(); err != nil {
		log.Printf("Warning: Failed to create NOTIFY trigger: %v", err)
	}
}

// DSN builds the connection string from the environment. The same string is
// used by lib/pq listeners, which need raw conninfo rather than a pool.
func DSN() string {
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		sslmode,
	)
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// autoMigrateTables checks and migrates only tables that don't exist
func autoMigrateTables() error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{"charts", &models.Chart{}},
		{"documents", &models.ClinicalDocument{}},
		{"processing_queue", &models.ProcessingJob{}},
	}

	migratedCount := 0
	skippedCount := 0

	log.Println("Checking database tables...")

	for _, table := range tables {
		if !DB.Migrator().HasTable(table.model) {
			log.Printf("Table '%s' not found, creating...", table.name)
			err := DB.AutoMigrate(table.model)
			if err != nil {
				return fmt.Errorf("failed to migrate table %s: %v", table.name, err)
			}
			log.Printf("✓ Created table: %s", table.name)
			migratedCount++
		} else {
			log.Printf("✓ Table '%s' already exists, skipping", table.name)
			skippedCount++
		}
	}

	if migratedCount > 0 {
		log.Printf("Database migration completed: %d tables created, %d tables skipped", migratedCount, skippedCount)
	} else {
		log.Printf("All database tables already exist (%d tables), no migration needed", skippedCount)
	}
	return nil
}

// createJobWakeTrigger creates a Postgres NOTIFY trigger that wakes sleeping
// workers the moment a job row is inserted. Status events on
// job_status_update / chart_status_update are emitted by the stores
// themselves inside the transactions that change state.
func createJobWakeTrigger() error {
	log.Println("Creating NOTIFY trigger for processing queue...")

	err := DB.Exec(`
		CREATE OR REPLACE FUNCTION notify_processing_job_insert()
		RETURNS TRIGGER AS $$
		BEGIN
			PERFORM pg_notify('processing_jobs_channel', NEW.job_id);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create notify function: %v", err)
	}

	err = DB.Exec(`
		DROP TRIGGER IF EXISTS processing_queue_insert_trigger ON processing_queue;
	`).Error
	if err != nil {
		return fmt.Errorf("failed to drop existing trigger: %v", err)
	}

	err = DB.Exec(`
		CREATE TRIGGER processing_queue_insert_trigger
		AFTER INSERT ON processing_queue
		FOR EACH ROW
		EXECUTE FUNCTION notify_processing_job_insert();
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create trigger: %v", err)
	}

	log.Println("✓ NOTIFY trigger created successfully for processing_jobs_channel")
	return nil
}
