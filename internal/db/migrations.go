package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS plates (
		id              BIGSERIAL PRIMARY KEY,
		number          TEXT NOT NULL,
		normalized      TEXT NOT NULL,
		country         TEXT,
		region          TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_plates_normalized ON plates(normalized);`,
	`CREATE TABLE IF NOT EXISTS body_types (
		id              BIGSERIAL PRIMARY KEY,
		name            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_body_types_name ON body_types(name);`,
	`CREATE TABLE IF NOT EXISTS body_type_prices (
		body_type_id    BIGINT NOT NULL REFERENCES body_types(id),
		station_id      TEXT NOT NULL DEFAULT '',
		daily_rate      NUMERIC(12,2) NOT NULL CHECK (daily_rate >= 0),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (body_type_id, station_id)
	);`,
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              BIGSERIAL PRIMARY KEY,
		plate_number    TEXT NOT NULL,
		body_type_id    BIGINT REFERENCES body_types(id),
		paid_until      TIMESTAMPTZ,
		make            TEXT,
		model           TEXT,
		color           TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_plate_number ON vehicles(plate_number);`,
	`CREATE TABLE IF NOT EXISTS passages (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		plate_number    TEXT NOT NULL,
		station_id      TEXT NOT NULL,
		entry_gate_id   TEXT NOT NULL,
		exit_gate_id    TEXT,
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		body_type_id    BIGINT REFERENCES body_types(id),
		daily_rate      NUMERIC(12,2),
		total_amount    NUMERIC(12,2),
		status          TEXT NOT NULL CHECK (status IN ('active', 'completed', 'cancelled')),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (status <> 'completed' OR exit_time IS NOT NULL)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_passages_active_plate ON passages(plate_number) WHERE status = 'active';`,
	`CREATE INDEX IF NOT EXISTS idx_passages_station_status ON passages(station_id, status);`,
	`CREATE TABLE IF NOT EXISTS anpr_events (
		id              BIGSERIAL PRIMARY KEY,
		plate_id        BIGINT REFERENCES plates(id),
		camera_id       TEXT NOT NULL,
		camera_model    TEXT,
		gate_id         TEXT NOT NULL,
		direction       TEXT NOT NULL CHECK (direction IN ('entry', 'exit')),
		lane            INT,
		raw_plate       TEXT NOT NULL,
		normalized_plate TEXT NOT NULL,
		confidence      NUMERIC(5,2),
		vehicle_make    TEXT,
		vehicle_model   TEXT,
		vehicle_color   TEXT,
		vehicle_type    TEXT,
		snapshot_url    TEXT,
		event_time      TIMESTAMPTZ NOT NULL,
		raw_payload     JSONB,
		processed       BOOLEAN NOT NULL DEFAULT false,
		processed_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_plate_id ON anpr_events(plate_id);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_event_time ON anpr_events(event_time);`,
	`CREATE INDEX IF NOT EXISTS idx_anpr_events_pending ON anpr_events(gate_id, direction, event_time) WHERE processed = false;`,
	`CREATE TABLE IF NOT EXISTS lists (
		id          BIGSERIAL PRIMARY KEY,
		name        TEXT NOT NULL,
		type        TEXT NOT NULL,
		description TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_lists_name ON lists(name);`,
	`CREATE TABLE IF NOT EXISTS list_items (
		list_id     BIGINT REFERENCES lists(id),
		plate_id    BIGINT REFERENCES plates(id),
		note        TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (list_id, plate_id)
	);`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM lists WHERE name = 'default_whitelist') THEN
			INSERT INTO lists (name, type, description) VALUES ('default_whitelist', 'WHITELIST', 'Default whitelist');
		END IF;
		IF NOT EXISTS (SELECT 1 FROM lists WHERE name = 'default_blacklist') THEN
			INSERT INTO lists (name, type, description) VALUES ('default_blacklist', 'BLACKLIST', 'Default blacklist');
		END IF;
	END
	$$;`,
}

func Migrate(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
