package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/unipago/affiliate-exchange/internal/exchange/models"
)

var (
	errDuplicateDocument = errors.New("document id appears more than once in the bundle")
	errSavepoint         = errors.New("savepoint failure")
)

const upsertAffiliateSQL = `
	INSERT INTO affiliates (
		external_id, document_id, first_name, last_name,
		birth_date, gender, phone, email, address, province, municipality,
		plan_code, plan_name, plan_type, monthly_amount, status, category, employer, base_salary,
		source_system, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT (document_id)
	DO UPDATE SET
		external_id = EXCLUDED.external_id,
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		birth_date = EXCLUDED.birth_date,
		gender = EXCLUDED.gender,
		phone = EXCLUDED.phone,
		email = EXCLUDED.email,
		address = EXCLUDED.address,
		province = EXCLUDED.province,
		municipality = EXCLUDED.municipality,
		plan_code = EXCLUDED.plan_code,
		plan_name = EXCLUDED.plan_name,
		plan_type = EXCLUDED.plan_type,
		monthly_amount = EXCLUDED.monthly_amount,
		status = EXCLUDED.status,
		category = EXCLUDED.category,
		employer = EXCLUDED.employer,
		base_salary = EXCLUDED.base_salary,
		source_system = EXCLUDED.source_system,
		updated_at = CURRENT_TIMESTAMP
	RETURNING id, (xmax = 0) AS inserted`

const insertPaymentSQL = `
	INSERT INTO payment_records (
		affiliate_id, plan_code, plan_name, monthly_amount,
		payment_frequency, status, source_file, created_at
	) VALUES ($1, $2, $3, $4, 'MONTHLY', 'PENDING', $5, CURRENT_TIMESTAMP)`

const insertAffiliateAuditSQL = `
	INSERT INTO affiliate_audit (
		affiliate_id, document_id, action, source_file, status, details
	) VALUES ($1, $2, $3, $4, $5, $6)`

// UpsertOptions tunes how a bundle is applied.
type UpsertOptions struct {
	// SourceFile is recorded on payment records and audit rows.
	SourceFile string
	// RecordAudit writes one affiliate_audit row per record.
	RecordAudit bool
	// ProgressEvery logs the progress every so many records. 0 disables progress logs.
	ProgressEvery int
}

// Upsert applies rows in a single transaction.
//
// Each row runs in its own savepoint: a row which fails is rolled back alone, counted as failed
// and reported as "<document id>: <cause>", while the other rows are kept.
// A row whose document id was already seen in rows fails the same way.
// Only a failure to control the transaction itself aborts the whole batch, with ErrTransaction.
func (db *Manager) Upsert(ctx context.Context, rows []models.AffiliateRow, opts UpsertOptions) (res models.UpsertResult, err error) {
	if db.dbpool == nil {
		return res, errors.Join(ErrTransaction, errNotInitialized)
	}

	tx, err := db.dbpool.Begin(ctx)
	if err != nil {
		return res, errors.Join(ErrTransaction, fmt.Errorf("failed to begin transaction: %v", err))
	}
	defer func() {
		if err == nil {
			return
		}
		res = models.UpsertResult{}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			db.log.Error("Failed to roll back bundle transaction", "file", opts.SourceFile, "err", rbErr)
		}
	}()

	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		rowErr := errDuplicateDocument
		if _, dup := seen[row.DocumentID]; !dup {
			seen[row.DocumentID] = struct{}{}
			rowErr = db.upsertRow(ctx, tx, row, opts)
		}

		switch {
		case rowErr == nil:
			res.Success++
		case errors.Is(rowErr, errSavepoint):
			return res, errors.Join(ErrTransaction, rowErr)
		default:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", row.DocumentID, rowErr))
			db.log.Warn("Failed to upsert affiliate", "file", opts.SourceFile, "document_id", row.DocumentID, "err", rowErr)
			if opts.RecordAudit {
				if err := db.recordFailure(ctx, tx, row, opts.SourceFile, rowErr); err != nil {
					return res, errors.Join(ErrTransaction, err)
				}
			}
		}

		if opts.ProgressEvery > 0 && (i+1)%opts.ProgressEvery == 0 {
			db.log.Info("Bundle upsert progress", "file", opts.SourceFile, "done", i+1, "total", len(rows),
				"success", res.Success, "failed", res.Failed)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, errors.Join(ErrTransaction, fmt.Errorf("tx commit failed: %v", err))
	}

	db.log.Info("Bundle transaction committed", "file", opts.SourceFile, "success", res.Success, "failed", res.Failed)
	return res, nil
}

// upsertRow writes one affiliate and its derived rows inside a savepoint.
// Savepoint control failures are returned wrapped in errSavepoint.
func (db *Manager) upsertRow(ctx context.Context, tx pgx.Tx, row models.AffiliateRow, opts UpsertOptions) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return errors.Join(errSavepoint, err)
	}

	if err := writeRow(ctx, sp, row, opts); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(errSavepoint, rbErr)
		}
		return err
	}

	if err := sp.Commit(ctx); err != nil {
		return errors.Join(errSavepoint, err)
	}
	return nil
}

func writeRow(ctx context.Context, sp pgx.Tx, row models.AffiliateRow, opts UpsertOptions) error {
	var (
		id       int64
		inserted bool
	)
	err := sp.QueryRow(ctx, upsertAffiliateSQL,
		row.ExternalID, row.DocumentID, row.FirstName, row.LastName,
		row.BirthDate, row.Gender, row.Phone, row.Email, row.Address, row.Province, row.Municipality,
		row.PlanCode, row.PlanName, row.PlanType, row.MonthlyAmount, row.Status, row.Category,
		row.Employer, row.BaseSalary, row.SourceSystem,
	).Scan(&id, &inserted)
	if err != nil {
		return err
	}

	if row.MonthlyAmount > 0 {
		if _, err := sp.Exec(ctx, insertPaymentSQL, id, row.PlanCode, row.PlanName, row.MonthlyAmount, opts.SourceFile); err != nil {
			return fmt.Errorf("failed to create payment record: %w", err)
		}
	}

	if opts.RecordAudit {
		action := "UPDATE"
		if inserted {
			action = "INSERT"
		}
		if _, err := sp.Exec(ctx, insertAffiliateAuditSQL, id, row.DocumentID, action, opts.SourceFile, "SUCCESS", nil); err != nil {
			return fmt.Errorf("failed to audit affiliate: %w", err)
		}
	}
	return nil
}

// recordFailure keeps a trace of a rejected row. The audit row runs in its own savepoint
// and a failure to write it only loses the trace.
func (db *Manager) recordFailure(ctx context.Context, tx pgx.Tx, row models.AffiliateRow, sourceFile string, cause error) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return errors.Join(errSavepoint, err)
	}

	if _, err := sp.Exec(ctx, insertAffiliateAuditSQL, nil, row.DocumentID, "UPSERT", sourceFile, "FAILED", cause.Error()); err != nil {
		db.log.Warn("Failed to audit rejected affiliate", "document_id", row.DocumentID, "err", err)
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(errSavepoint, rbErr)
		}
		return nil
	}

	if err := sp.Commit(ctx); err != nil {
		return errors.Join(errSavepoint, err)
	}
	return nil
}
