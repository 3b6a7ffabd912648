package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

// InsertImportAudit appends the audit row of one processed file.
func (db *Manager) InsertImportAudit(ctx context.Context, rec models.ImportAudit) error {
	return db.exec(ctx, func(ctx context.Context) error {
		var errorMessage *string
		if rec.ErrorMessage != "" {
			errorMessage = &rec.ErrorMessage
		}

		_, err := db.dbpool.Exec(ctx,
			`INSERT INTO import_audit (
				import_id, filename, file_hash, source_system,
				records_processed, records_success, records_failed,
				processing_time_seconds, status, error_message, timestamp
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ImportID,        // import_id
			rec.Filename,        // filename
			rec.FileHash,        // file_hash
			rec.SourceSystem,    // source_system
			rec.Processed,       // records_processed
			rec.Success,         // records_success
			rec.Failed,          // records_failed
			rec.ElapsedSeconds,  // processing_time_seconds
			string(rec.Status),  // status
			errorMessage,        // error_message
			rec.Timestamp.UTC(), // timestamp
		)
		return err
	})
}

// Consumed reports whether the exact content of a file was already applied to the store,
// that is if an import of the same name and content hash ended in SUCCESS or PARTIAL.
func (db *Manager) Consumed(ctx context.Context, filename, fileHash string) (consumed bool, err error) {
	err = db.exec(ctx, func(ctx context.Context) error {
		return db.dbpool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM import_audit
				WHERE filename = $1 AND file_hash = $2 AND status IN ('SUCCESS', 'PARTIAL')
			)`,
			filename, fileHash,
		).Scan(&consumed)
	})
	return consumed, err
}

// History returns the most recent import audit rows, newest first.
func (db *Manager) History(ctx context.Context, limit int) (history []models.ImportAudit, err error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}

	err = db.exec(ctx, func(ctx context.Context) error {
		rows, err := db.dbpool.Query(ctx,
			`SELECT import_id::text, filename, file_hash, COALESCE(source_system, ''),
				records_processed, records_success, records_failed,
				processing_time_seconds::float8, status, COALESCE(error_message, ''), timestamp
			FROM import_audit
			ORDER BY timestamp DESC, id DESC
			LIMIT $1`,
			limit,
		)
		if err != nil {
			return err
		}

		history, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ImportAudit, error) {
			var (
				rec    models.ImportAudit
				status string
			)
			err := row.Scan(&rec.ImportID, &rec.Filename, &rec.FileHash, &rec.SourceSystem,
				&rec.Processed, &rec.Success, &rec.Failed,
				&rec.ElapsedSeconds, &status, &rec.ErrorMessage, &rec.Timestamp)
			rec.Status = models.ImportStatus(status)
			return rec, err
		})
		return err
	})
	return history, err
}

// exec runs fn with a bounded context, on an initialized pool.
func (db *Manager) exec(ctx context.Context, fn func(context.Context) error) error {
	if db.dbpool == nil {
		return errNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := fn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("query canceled: %v", err)
		}
		return fmt.Errorf("query failed: %v", err)
	}
	return nil
}
