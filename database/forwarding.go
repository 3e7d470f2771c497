package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

const forwardingColumns = `conversion_id, tenant_id, platform, dedupe_key, status, attempts,
	COALESCE(last_error, ''), COALESCE(last_attempt_at, 'epoch'::timestamptz), created_at`

func scanForwardingRecord(row interface{ Scan(...interface{}) error }) (*model.ForwardingRecord, error) {
	rec := &model.ForwardingRecord{}
	err := row.Scan(
		&rec.ConversionID, &rec.TenantID, &rec.Platform, &rec.DedupeKey, &rec.Status,
		&rec.Attempts, &rec.LastError, &rec.LastAttemptAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EnsureForwardingRecord creates the delivery record for a
// (conversion, platform) pair if it does not exist yet. An existing record,
// whatever its status, is left untouched.
func (d Datasource) EnsureForwardingRecord(ctx context.Context, rec *model.ForwardingRecord) error {
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO tally.forwarding_records(conversion_id, tenant_id, platform, dedupe_key, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,0,NOW())
		ON CONFLICT (conversion_id, platform) DO NOTHING
	`, rec.ConversionID, rec.TenantID, rec.Platform, rec.DedupeKey, model.ForwardStatusPending)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to ensure forwarding record", err)
	}
	return nil
}

func (d Datasource) GetForwardingRecord(ctx context.Context, conversionID, platform string) (*model.ForwardingRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+forwardingColumns+` FROM tally.forwarding_records
		WHERE conversion_id = $1 AND platform = $2
	`, conversionID, platform)

	rec, err := scanForwardingRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No forwarding record for conversion '%s' on %s", conversionID, platform), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve forwarding record", err)
	}
	return rec, nil
}

func (d Datasource) GetForwardingRecords(ctx context.Context, conversionID string) ([]*model.ForwardingRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+forwardingColumns+` FROM tally.forwarding_records
		WHERE conversion_id = $1
		ORDER BY platform ASC
	`, conversionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve forwarding records", err)
	}
	defer rows.Close()

	var records []*model.ForwardingRecord
	for rows.Next() {
		rec, err := scanForwardingRecord(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan forwarding record", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over forwarding records", err)
	}
	return records, nil
}

// MarkForwardingSent transitions the record to sent, guarded so it only
// succeeds once. When two dispatchers race, exactly one gets sent=true; the
// loser sees false and reports skipped_duplicate.
func (d Datasource) MarkForwardingSent(ctx context.Context, conversionID, platform string) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.forwarding_records
		SET status = $3, attempts = attempts + 1, last_attempt_at = NOW(), last_error = NULL
		WHERE conversion_id = $1 AND platform = $2 AND status <> $3
	`, conversionID, platform, model.ForwardStatusSent)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark forwarding sent", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

// UpdateForwardingFailure records a failed attempt. Sent records are never
// downgraded: a late failure report for an already-sent record is dropped.
func (d Datasource) UpdateForwardingFailure(ctx context.Context, conversionID, platform, status, lastError string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.forwarding_records
		SET status = $3, attempts = attempts + 1, last_attempt_at = NOW(), last_error = NULLIF($4, '')
		WHERE conversion_id = $1 AND platform = $2 AND status <> $5
	`, conversionID, platform, status, lastError, model.ForwardStatusSent)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update forwarding failure", err)
	}
	return nil
}
