package storage

import (
	"database/sql"
	"time"

	"instrument-gateway/src/models"
)

// Timestamps are stored as unix nanoseconds; 0 stands for "never".

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// -----------------------------------------------------------------------------

func scanRecords(rows *sql.Rows) ([]models.MExchangeRecord, error) {
	var out []models.MExchangeRecord
	for rows.Next() {
		var (
			r                         models.MExchangeRecord
			queued, started, finished int64
		)
		if err := rows.Scan(&r.Caller, &queued, &started, &finished, &r.Outcome, &r.Error); err != nil {
			return nil, err
		}
		r.QueuedAt = fromNanos(queued)
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
