package database

import (
	"database/sql"
	"fmt"
	"time"

	"case-triage-pipeline/config"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
)

// Database wraps the MySQL connection used by the pipeline.
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with exponential backoff retry
	var waitInterval time.Duration = 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		} else {
			log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, err)
		}
		time.Sleep(waitInterval)
		if waitInterval < 30*time.Second {
			waitInterval *= 2
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// GetDB returns the underlying sql.DB for direct queries
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// CreateTables creates the pipeline tables if they don't exist
func (d *Database) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			reporter_id VARCHAR(64) NOT NULL,
			photo_path VARCHAR(1024) NOT NULL,
			photo_url VARCHAR(1024) DEFAULT '',
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			description TEXT,
			tracking_token VARCHAR(64) NOT NULL,
			animal_id VARCHAR(36) DEFAULT NULL,
			ai_type VARCHAR(16) DEFAULT '',
			ai_confidence FLOAT DEFAULT 0,
			triage_urgency VARCHAR(8) DEFAULT '',
			triage_reason TEXT,
			triage_source VARCHAR(8) DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'open',
			risk_processing BOOLEAN NOT NULL DEFAULT FALSE,
			risk_claimed_at TIMESTAMP NULL DEFAULT NULL,
			risk_error TEXT,
			risk_created_at TIMESTAMP NULL DEFAULT NULL,
			risk_doc JSON,
			INDEX idx_cases_animal_id (animal_id),
			INDEX idx_cases_status (status),
			INDEX idx_cases_risk_processing (risk_processing)
		)`,
		`CREATE TABLE IF NOT EXISTS animals (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			type VARCHAR(16) NOT NULL DEFAULT 'unknown',
			cover_photo_url VARCHAR(1024) DEFAULT '',
			last_seen_latitude DOUBLE NOT NULL DEFAULT 0,
			last_seen_longitude DOUBLE NOT NULL DEFAULT 0,
			sighting_count INT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'stray',
			latest_risk JSON,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_animals_status (status),
			INDEX idx_animals_updated_at (updated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS tracking_snapshots (
			case_id VARCHAR(36) NOT NULL,
			tracking_token VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT '',
			screening_state VARCHAR(16) NOT NULL DEFAULT '',
			urgency VARCHAR(8) DEFAULT '',
			animal_type VARCHAR(16) DEFAULT '',
			reason TEXT,
			disclaimer TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (case_id, tracking_token)
		)`,
		`CREATE TABLE IF NOT EXISTS map_snapshots (
			case_id VARCHAR(36) NOT NULL PRIMARY KEY,
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			urgency VARCHAR(8) DEFAULT '',
			animal_type VARCHAR(16) DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT '',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_map_snapshots_urgency (urgency)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			case_id VARCHAR(36) NOT NULL,
			actor VARCHAR(64) NOT NULL,
			action VARCHAR(64) NOT NULL,
			detail JSON,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_audit_events_case_id (case_id),
			INDEX idx_audit_events_action (action)
		)`,
		`CREATE TABLE IF NOT EXISTS match_history (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			query_type VARCHAR(16) DEFAULT '',
			matches JSON,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_match_history_user_id (user_id)
		)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Info("pipeline tables created/verified successfully")
	return nil
}

// columnExists checks if a column exists in a table
func (d *Database) columnExists(tableName, columnName string) (bool, error) {
	query := `
	SELECT COUNT(*)
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = DATABASE()
	AND TABLE_NAME = ?
	AND COLUMN_NAME = ?`

	var count int
	err := d.db.QueryRow(query, tableName, columnName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check if column exists: %w", err)
	}

	return count > 0, nil
}

// Migrate applies in-place schema migrations for columns added after the
// initial deployment.
func (d *Database) Migrate() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		// Claim expiry support: older deployments tracked only risk_processing.
		{"cases", "risk_claimed_at", "ALTER TABLE cases ADD COLUMN risk_claimed_at TIMESTAMP NULL DEFAULT NULL"},
		// Distinguish AI-sourced from admin-sourced urgency downstream.
		{"cases", "triage_source", "ALTER TABLE cases ADD COLUMN triage_source VARCHAR(8) DEFAULT ''"},
		{"tracking_snapshots", "screening_state", "ALTER TABLE tracking_snapshots ADD COLUMN screening_state VARCHAR(16) NOT NULL DEFAULT ''"},
	}

	for _, m := range migrations {
		exists, err := d.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check if %s.%s exists: %w", m.table, m.column, err)
		}
		if exists {
			log.Debugf("%s.%s already exists, skipping migration", m.table, m.column)
			continue
		}
		log.Infof("Adding %s column to %s table...", m.column, m.table)
		if _, err := d.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
	}

	return nil
}

// PipelineStats summarizes screening progress for the status endpoint.
type PipelineStats struct {
	TotalCases int `json:"total_cases"`
	InFlight   int `json:"in_flight"`
	Screened   int `json:"screened"`
	Failed     int `json:"failed"`
}

// GetPipelineStats returns screening counts derived from the claim fields.
func (d *Database) GetPipelineStats() (*PipelineStats, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(risk_processing), 0),
		COALESCE(SUM(risk_created_at IS NOT NULL), 0),
		COALESCE(SUM(risk_error IS NOT NULL AND risk_error != ''), 0)
	FROM cases`

	var stats PipelineStats
	err := d.db.QueryRow(query).Scan(&stats.TotalCases, &stats.InFlight, &stats.Screened, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline stats: %w", err)
	}
	return &stats, nil
}
