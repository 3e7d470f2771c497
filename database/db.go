package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/usetally/tally/config"
)

// Package-level singleton so every component shares one connection pool.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	for _, create := range []func(*sql.DB) error{
		createTouchpointTable,
		createIdentityTables,
		createConversionTable,
		createAttributionResultTable,
		createForwardingRecordTable,
		createTenantSettingsTable,
	} {
		if err := create(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS tally`)
	return err
}

// createTouchpointTable creates the append-only touchpoint table. There is
// deliberately no UPDATE path for this table anywhere in the repository.
func createTouchpointTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally.touchpoints (
			id SERIAL PRIMARY KEY,
			touchpoint_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			stitched_identity_id TEXT,
			session_id TEXT,
			channel TEXT NOT NULL,
			campaign TEXT,
			adset_id TEXT,
			ad_id TEXT,
			click_ids JSONB,
			source_url TEXT,
			utm_source TEXT,
			utm_medium TEXT,
			utm_campaign TEXT,
			customer_id TEXT,
			email_hash TEXT,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_touchpoints_tenant_visitor ON tally.touchpoints (tenant_id, visitor_id);
		CREATE INDEX IF NOT EXISTS idx_touchpoints_tenant_occurred ON tally.touchpoints (tenant_id, occurred_at);
	`)
	return err
}

// createIdentityTables creates the stitched identity table plus the two
// lookup tables the resolver unions over: visitor membership and strong keys.
func createIdentityTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally.stitched_identities (
			id SERIAL PRIMARY KEY,
			identity_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			merged_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS tally.identity_members (
			id SERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			identity_id TEXT NOT NULL REFERENCES tally.stitched_identities(identity_id),
			UNIQUE (tenant_id, visitor_id)
		);
		CREATE TABLE IF NOT EXISTS tally.identity_keys (
			id SERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			strong_key TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			UNIQUE (tenant_id, strong_key, visitor_id)
		);
		CREATE INDEX IF NOT EXISTS idx_identity_keys_tenant_key ON tally.identity_keys (tenant_id, strong_key);
	`)
	return err
}

// createConversionTable creates the conversion table. The unique
// (tenant_id, order_id) pair is what makes conversion creation idempotent.
func createConversionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally.conversions (
			id SERIAL PRIMARY KEY,
			conversion_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			visitor_id TEXT,
			customer_id TEXT,
			revenue_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processing_started_at TIMESTAMPTZ,
			UNIQUE (tenant_id, order_id)
		);
		CREATE INDEX IF NOT EXISTS idx_conversions_tenant_status ON tally.conversions (tenant_id, status);
	`)
	return err
}

func createAttributionResultTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally.attribution_results (
			id SERIAL PRIMARY KEY,
			conversion_id TEXT NOT NULL REFERENCES tally.conversions(conversion_id),
			tenant_id TEXT NOT NULL,
			model TEXT NOT NULL,
			allocations JSONB NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (conversion_id, model)
		);
		CREATE INDEX IF NOT EXISTS idx_attribution_results_tenant ON tally.attribution_results (tenant_id, model);
	`)
	return err
}

func createForwardingRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally.forwarding_records (
			id SERIAL PRIMARY KEY,
			conversion_id TEXT NOT NULL REFERENCES tally.conversions(conversion_id),
			tenant_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			dedupe_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			last_attempt_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (conversion_id, platform)
		);
		CREATE INDEX IF NOT EXISTS idx_forwarding_dedupe ON tally.forwarding_records (dedupe_key);
	`)
	return err
}

func createTenantSettingsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tally.tenant_settings (
			id SERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL UNIQUE,
			lookback_window_days INTEGER NOT NULL,
			time_decay_half_life_days INTEGER NOT NULL,
			freshness_threshold_minutes INTEGER NOT NULL,
			recalc_window_days INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			platforms JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}
