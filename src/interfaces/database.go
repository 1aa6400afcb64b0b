package interfaces

import "instrument-gateway/src/models"

// -----------------------------------------------------------------------------
// IDatabase defines the contract for the exchange journal storage.
// -----------------------------------------------------------------------------

type IDatabase interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the database schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// SaveExchangeRecords inserts a batch of exchange audit records.
	SaveExchangeRecords(records []models.MExchangeRecord) error

	// -----------------------------------------------------------------------------

	// RecentExchanges returns up to limit records, newest first.
	RecentExchanges(limit int) ([]models.MExchangeRecord, error)

	// -----------------------------------------------------------------------------

	// CleanupOldData removes data older than the retention policy.
	CleanupOldData() error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
