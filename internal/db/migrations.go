package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	// Таблица analysis_cycles - один цикл анализа парковки на строку
	`CREATE TABLE IF NOT EXISTS analysis_cycles (
		id              VARCHAR(36) PRIMARY KEY,
		view_id         TEXT NOT NULL,
		lot_id          TEXT NOT NULL,
		cycle_time      TIMESTAMP NOT NULL,
		state           VARCHAR(32) NOT NULL,
		total_slots     INT NOT NULL DEFAULT 0,
		occupied_slots  INT NOT NULL DEFAULT 0,
		total_vehicles  INT NOT NULL DEFAULT 0,
		occupancy_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
		detection_count INT NOT NULL DEFAULT 0,
		delivered       BOOLEAN NOT NULL DEFAULT FALSE,
		snapshot_url    TEXT,
		duration_ms     BIGINT NOT NULL DEFAULT 0,
		verdicts        JSON,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_cycles_view_time ON analysis_cycles(view_id, cycle_time);`,
	`CREATE INDEX IF NOT EXISTS idx_analysis_cycles_created_at ON analysis_cycles(created_at);`,
}

// postgresStatements run after the portable schema.
var postgresStatements = []string{
	`ALTER TABLE analysis_cycles ALTER COLUMN verdicts TYPE JSONB USING verdicts::jsonb;`,
	`ALTER TABLE analysis_cycles ALTER COLUMN cycle_time TYPE TIMESTAMPTZ;`,
	`ALTER TABLE analysis_cycles ALTER COLUMN created_at TYPE TIMESTAMPTZ;`,
}

func runMigrations(db *gorm.DB) error {
	statements := migrationStatements
	switch db.Dialector.Name() {
	case "postgres":
		statements = append(statements, postgresStatements...)
	case "mysql":
		// mysql has no IF NOT EXISTS for indexes and no TEXT keys
		statements = mysqlStatements
	}
	for i, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

var mysqlStatements = []string{
	`CREATE TABLE IF NOT EXISTS analysis_cycles (
		id              VARCHAR(36) PRIMARY KEY,
		view_id         VARCHAR(128) NOT NULL,
		lot_id          VARCHAR(128) NOT NULL,
		cycle_time      DATETIME(3) NOT NULL,
		state           VARCHAR(32) NOT NULL,
		total_slots     INT NOT NULL DEFAULT 0,
		occupied_slots  INT NOT NULL DEFAULT 0,
		total_vehicles  INT NOT NULL DEFAULT 0,
		occupancy_rate  DOUBLE NOT NULL DEFAULT 0,
		detection_count INT NOT NULL DEFAULT 0,
		delivered       BOOLEAN NOT NULL DEFAULT FALSE,
		snapshot_url    TEXT,
		duration_ms     BIGINT NOT NULL DEFAULT 0,
		verdicts        JSON,
		created_at      DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		INDEX idx_analysis_cycles_view_time (view_id, cycle_time),
		INDEX idx_analysis_cycles_created_at (created_at)
	);`,
}
