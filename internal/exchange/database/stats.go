package database

import (
	"context"

	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

// Stats summarizes the affiliates store and the imports of the last 24 hours.
func (db *Manager) Stats(ctx context.Context) (stats models.Stats, err error) {
	err = db.exec(ctx, func(ctx context.Context) error {
		err := db.dbpool.QueryRow(ctx,
			`SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'ACTIVE'),
				COUNT(DISTINCT plan_code),
				MAX(updated_at)
			FROM affiliates`,
		).Scan(&stats.TotalAffiliates, &stats.ActiveAffiliates, &stats.UniquePlans, &stats.LastUpdate)
		if err != nil {
			return err
		}

		return db.dbpool.QueryRow(ctx,
			`SELECT
				COUNT(*),
				COALESCE(SUM(records_processed), 0),
				COALESCE(SUM(records_success), 0),
				COUNT(*) FILTER (WHERE status = 'SUCCESS'),
				MAX(timestamp)
			FROM import_audit
			WHERE timestamp >= NOW() - INTERVAL '24 hours'`,
		).Scan(&stats.TotalImports, &stats.TotalRecordsProcessed, &stats.TotalRecordsSuccess,
			&stats.SuccessfulImports, &stats.LastImport)
	})
	return stats, err
}
