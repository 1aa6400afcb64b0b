package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

// PostgresDB keeps the journal in a schema named after the running binary, so
// several gateways can share one database.
type PostgresDB struct {
	Config *models.MStorageConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresDB(cfg *models.MStorageConfig, log *logger.Logger) (*PostgresDB, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable name: %w", err)
	}
	name := filepath.Base(exe)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return &PostgresDB{
		Config: cfg,
		Schema: name,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	dsn := d.Config.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return helpers.NewDatabaseError("failed to open postgres journal", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return helpers.NewDatabaseError("failed to reach postgres journal", err)
	}

	d.DB = db

	// Create Schema
	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return helpers.NewDatabaseError(fmt.Sprintf("failed to create schema %s", d.Schema), err)
	}

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresDB initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) table() string {
	return fmt.Sprintf(`"%s"."exchange_records"`, d.Schema)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) createTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			caller TEXT NOT NULL,
			queued_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT
		);
	`, d.table())
	if _, err := d.DB.Exec(query); err != nil {
		return helpers.NewDatabaseError("failed to create exchange_records", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS exchange_records_queued_idx ON %s (queued_at)`, d.table())
	if _, err := d.DB.Exec(index); err != nil {
		return helpers.NewDatabaseError("failed to index exchange_records", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) SaveExchangeRecords(records []models.MExchangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (caller, queued_at, started_at, finished_at, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.table())
	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.Exec(r.Caller, toNanos(r.QueuedAt), toNanos(r.StartedAt), toNanos(r.FinishedAt), r.Outcome, r.Error)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) RecentExchanges(limit int) ([]models.MExchangeRecord, error) {
	query := fmt.Sprintf(`
		SELECT caller, queued_at, started_at, finished_at, outcome, COALESCE(error, '')
		FROM %s
		ORDER BY id DESC
		LIMIT $1
	`, d.table())
	rows, err := d.DB.Query(query, limit)
	if err != nil {
		return nil, helpers.NewDatabaseError("failed to query exchange_records", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) CleanupOldData() error {
	retentionDays := d.Config.RetentionDays
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	res, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE queued_at < $1`, d.table()), toNanos(cutoff))
	if err != nil {
		d.Logger.Error("Cleanup exchange_records error: %v", err)
		return helpers.NewDatabaseError("cleanup failed", err)
	}

	n, _ := res.RowsAffected()
	d.Logger.Info("Cleanup completed: %d records older than %d days removed", n, retentionDays)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
