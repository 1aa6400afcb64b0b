package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/metrics"
	"instrument-gateway/src/models"
)

const (
	journalBuffer   = 4096
	flushInterval   = time.Second
	cleanupInterval = 24 * time.Hour
)

// -----------------------------------------------------------------------------

// NewDatabase builds the journal backend named by db_type. It returns nil for
// "none".
func NewDatabase(cfg *models.MStorageConfig, log *logger.Logger) (interfaces.IDatabase, error) {
	switch cfg.DBType {
	case "", "none":
		return nil, nil
	case "sqlite":
		return NewAsyncSQLiteDB(cfg, log)
	case "postgres":
		return NewPostgresDB(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported db_type %q", cfg.DBType)
	}
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Journal is an arbiter observer that persists exchange records in batches.
// OnExchange never blocks: when the buffer is full the record is dropped and
// counted.
type Journal struct {
	db        interfaces.IDatabase
	log       *logger.Logger
	batchSize int

	records chan models.MExchangeRecord
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

// -----------------------------------------------------------------------------

// NewJournal starts the flush goroutine. db must already be initialized.
func NewJournal(db interfaces.IDatabase, batchSize int, log *logger.Logger) *Journal {
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = logger.NewNopLogger("Journal")
	}
	j := &Journal{
		db:        db,
		log:       log,
		batchSize: batchSize,
		records:   make(chan models.MExchangeRecord, journalBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go j.run()
	return j
}

// -----------------------------------------------------------------------------

func (j *Journal) OnExchange(r models.MExchangeRecord) {
	if j.closed.Load() {
		return
	}
	select {
	case j.records <- r:
	default:
		metrics.JournalDropped()
	}
}

// -----------------------------------------------------------------------------

func (j *Journal) run() {
	defer close(j.done)

	flush := time.NewTicker(flushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	j.cleanup()

	batch := make([]models.MExchangeRecord, 0, j.batchSize)
	for {
		select {
		case r := <-j.records:
			batch = append(batch, r)
			if len(batch) >= j.batchSize {
				batch = j.flush(batch)
			}
		case <-flush.C:
			batch = j.flush(batch)
		case <-cleanup.C:
			j.cleanup()
		case <-j.stop:
			for {
				select {
				case r := <-j.records:
					batch = append(batch, r)
				default:
					j.flush(batch)
					return
				}
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (j *Journal) flush(batch []models.MExchangeRecord) []models.MExchangeRecord {
	if len(batch) == 0 {
		return batch
	}
	if err := j.db.SaveExchangeRecords(batch); err != nil {
		j.log.Error("Failed to persist %d exchange records: %v", len(batch), err)
	}
	return batch[:0]
}

func (j *Journal) cleanup() {
	if err := j.db.CleanupOldData(); err != nil {
		j.log.Warning("Journal cleanup failed: %v", err)
	}
}

// -----------------------------------------------------------------------------

// Close flushes buffered records and stops the goroutine. The database stays
// open.
func (j *Journal) Close() {
	j.once.Do(func() {
		j.closed.Store(true)
		close(j.stop)
		<-j.done
	})
}
