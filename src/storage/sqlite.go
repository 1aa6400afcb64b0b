package storage

import (
	"database/sql"
	"fmt"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

// AsyncSQLiteDB is the default exchange journal backend. Writes arrive in
// batches from the Journal goroutine, never from the arbiter directly.
type AsyncSQLiteDB struct {
	Config *models.MStorageConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewAsyncSQLiteDB(cfg *models.MStorageConfig, log *logger.Logger) (*AsyncSQLiteDB, error) {
	return &AsyncSQLiteDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Initialize() error {
	dsn := d.Config.DBPath

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return helpers.NewDatabaseError("failed to open sqlite journal", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return helpers.NewDatabaseError(fmt.Sprintf("failed to reach sqlite journal %s", dsn), err)
	}

	// a single writer avoids SQLITE_BUSY between the flusher and readers
	db.SetMaxOpenConns(1)
	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) createTables() error {
	// SQLite types: INTEGER for unix nanoseconds, TEXT for string
	query := `
		CREATE TABLE IF NOT EXISTS exchange_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller TEXT NOT NULL,
			queued_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return helpers.NewDatabaseError("failed to create exchange_records", err)
	}
	if _, err := d.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_exchange_records_queued ON exchange_records (queued_at)`); err != nil {
		return helpers.NewDatabaseError("failed to index exchange_records", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) SaveExchangeRecords(records []models.MExchangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO exchange_records (caller, queued_at, started_at, finished_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
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

func (d *AsyncSQLiteDB) RecentExchanges(limit int) ([]models.MExchangeRecord, error) {
	rows, err := d.DB.Query(`
		SELECT caller, queued_at, started_at, finished_at, outcome, COALESCE(error, '')
		FROM exchange_records
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, helpers.NewDatabaseError("failed to query exchange_records", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) CleanupOldData() error {
	retentionDays := d.Config.RetentionDays
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	res, err := d.DB.Exec("DELETE FROM exchange_records WHERE queued_at < ?", toNanos(cutoff))
	if err != nil {
		d.Logger.Error("Cleanup exchange_records error: %v", err)
		return helpers.NewDatabaseError("cleanup failed", err)
	}

	n, _ := res.RowsAffected()
	d.Logger.Info("Cleanup completed: %d records older than %d days removed", n, retentionDays)
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
