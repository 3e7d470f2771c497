package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

const conversionColumns = `conversion_id, tenant_id, order_id, COALESCE(visitor_id, ''), COALESCE(customer_id, ''),
	revenue_cents, currency, status, attempts, COALESCE(last_error, ''), occurred_at, created_at,
	COALESCE(processing_started_at, 'epoch'::timestamptz)`

func scanConversion(row interface{ Scan(...interface{}) error }) (*model.Conversion, error) {
	cnv := &model.Conversion{}
	err := row.Scan(
		&cnv.ConversionID, &cnv.TenantID, &cnv.OrderID, &cnv.VisitorID, &cnv.CustomerID,
		&cnv.RevenueCents, &cnv.Currency, &cnv.Status, &cnv.Attempts, &cnv.LastError,
		&cnv.OccurredAt, &cnv.CreatedAt, &cnv.ProcessingStartedAt,
	)
	if err != nil {
		return nil, err
	}
	return cnv, nil
}

// RecordConversion inserts a conversion, or updates revenue and currency on
// the existing row when the (tenant, order) pair already exists. The stored
// conversion is returned either way, so callers always operate on the
// canonical row.
func (d Datasource) RecordConversion(ctx context.Context, cnv *model.Conversion) (*model.Conversion, error) {
	ctx, span := otel.Tracer("tally.conversions").Start(ctx, "Saving conversion to db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO tally.conversions(conversion_id, tenant_id, order_id, visitor_id, customer_id, revenue_cents, currency, status, attempts, occurred_at, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,0,$9,$10)
		ON CONFLICT (tenant_id, order_id) DO UPDATE
			SET revenue_cents = EXCLUDED.revenue_cents,
			    currency = EXCLUDED.currency,
			    visitor_id = COALESCE(tally.conversions.visitor_id, EXCLUDED.visitor_id),
			    customer_id = COALESCE(tally.conversions.customer_id, EXCLUDED.customer_id)
		RETURNING `+conversionColumns,
		cnv.ConversionID, cnv.TenantID, cnv.OrderID, cnv.VisitorID, cnv.CustomerID, cnv.RevenueCents, cnv.Currency, model.StatusPending, cnv.OccurredAt, cnv.CreatedAt,
	)

	stored, err := scanConversion(row)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record conversion", err)
	}
	return stored, nil
}

func (d Datasource) GetConversion(ctx context.Context, tenantID, conversionID string) (*model.Conversion, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM tally.conversions WHERE tenant_id = $1 AND conversion_id = $2
	`, tenantID, conversionID)

	cnv, err := scanConversion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Conversion with ID '%s' not found", conversionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve conversion", err)
	}
	return cnv, nil
}

func (d Datasource) GetConversionByOrderID(ctx context.Context, tenantID, orderID string) (*model.Conversion, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+conversionColumns+` FROM tally.conversions WHERE tenant_id = $1 AND order_id = $2
	`, tenantID, orderID)

	cnv, err := scanConversion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Conversion for order '%s' not found", orderID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve conversion", err)
	}
	return cnv, nil
}

// ClaimConversion moves the conversion into processing, but only when it is
// not already being processed within the lease window. The status guard makes
// overlapping sweeper runs and pipeline triggers safe: exactly one caller
// wins the claim, everyone else gets claimed=false.
func (d Datasource) ClaimConversion(ctx context.Context, tenantID, conversionID string, lease time.Duration) (bool, error) {
	ctx, span := otel.Tracer("tally.conversions").Start(ctx, "Claiming conversion for processing")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.conversions
		SET status = $3, processing_started_at = NOW()
		WHERE tenant_id = $1 AND conversion_id = $2
		  AND status NOT IN ($4, $5)
		  AND (status <> $3 OR processing_started_at IS NULL OR processing_started_at < NOW() - $6::interval)
	`, tenantID, conversionID, model.StatusProcessing, model.StatusAttributed, model.StatusQuarantined, fmt.Sprintf("%d seconds", int(lease.Seconds())))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim conversion", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

func (d Datasource) UpdateConversionStatus(ctx context.Context, tenantID, conversionID, status, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE tally.conversions
		SET status = $3, last_error = NULLIF($4, '')
		WHERE tenant_id = $1 AND conversion_id = $2
	`, tenantID, conversionID, status, lastError)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update conversion status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Conversion with ID '%s' not found", conversionID), nil)
	}
	return nil
}

func (d Datasource) IncrementConversionAttempts(ctx context.Context, tenantID, conversionID string) (int, error) {
	var attempts int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE tally.conversions SET attempts = attempts + 1
		WHERE tenant_id = $1 AND conversion_id = $2
		RETURNING attempts
	`, tenantID, conversionID).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Conversion with ID '%s' not found", conversionID), err)
		}
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment conversion attempts", err)
	}
	return attempts, nil
}

// GetRetryableConversions returns the sweeper's stuck candidates: anything in
// unattributed or forward_failed, plus pending conversions older than the
// freshness threshold. Conversions currently inside a processing lease are
// skipped; ClaimConversion handles abandoned leases.
func (d Datasource) GetRetryableConversions(ctx context.Context, tenantID string, pendingOlderThan time.Duration, limit int) ([]*model.Conversion, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+conversionColumns+` FROM tally.conversions
		WHERE tenant_id = $1
		  AND (status IN ($2, $3) OR (status = $4 AND occurred_at < NOW() - $5::interval))
		ORDER BY occurred_at ASC
		LIMIT $6
	`, tenantID, model.StatusUnattributed, model.StatusForwardFailed, model.StatusPending, fmt.Sprintf("%d seconds", int(pendingOlderThan.Seconds())), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve retryable conversions", err)
	}
	defer rows.Close()

	return collectConversions(rows)
}

// GetAttributedConversionsSince returns attributed conversions that occurred
// after since, for the recalculation sweep.
func (d Datasource) GetAttributedConversionsSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]*model.Conversion, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+conversionColumns+` FROM tally.conversions
		WHERE tenant_id = $1 AND status = $2 AND occurred_at >= $3
		ORDER BY occurred_at ASC
		LIMIT $4
	`, tenantID, model.StatusAttributed, since, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attributed conversions", err)
	}
	defer rows.Close()

	return collectConversions(rows)
}

// GetUndeliveredConversions returns attributed conversions that still carry a
// forwarding record in a non-final status. These are rows a crash stranded
// between the attributed transition and delivery; the sweeper reopens them so
// the idempotent forwarder finishes the job.
func (d Datasource) GetUndeliveredConversions(ctx context.Context, tenantID string, limit int) ([]*model.Conversion, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+conversionColumns+` FROM tally.conversions c
		WHERE c.tenant_id = $1 AND c.status = $2
		  AND EXISTS (
			SELECT 1 FROM tally.forwarding_records f
			WHERE f.conversion_id = c.conversion_id AND f.status NOT IN ($3, $4)
		  )
		ORDER BY c.occurred_at ASC
		LIMIT $5
	`, tenantID, model.StatusAttributed, model.ForwardStatusSent, model.ForwardStatusSkippedDuplicate, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve undelivered conversions", err)
	}
	defer rows.Close()

	return collectConversions(rows)
}

// GetTenantIDs lists every tenant with at least one conversion, for sweeps
// that fan out across all tenants.
func (d Datasource) GetTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM tally.conversions ORDER BY tenant_id
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve tenant ids", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan tenant id", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over tenant ids", err)
	}
	return tenants, nil
}

func collectConversions(rows *sql.Rows) ([]*model.Conversion, error) {
	var conversions []*model.Conversion
	for rows.Next() {
		cnv, err := scanConversion(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan conversion data", err)
		}
		conversions = append(conversions, cnv)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over conversions", err)
	}
	return conversions, nil
}
