package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

// UpsertAttributionResults overwrites every model's allocation for a
// conversion and transitions the conversion's status in one transaction.
// The pipeline's atomicity requirement lives here: either all five results
// and the status land, or none do.
func (d Datasource) UpsertAttributionResults(ctx context.Context, cnv *model.Conversion, results []*model.AttributionResult, status string) error {
	ctx, span := otel.Tracer("tally.attribution").Start(ctx, "Upserting attribution results")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, result := range results {
		allocationsJSON, err := json.Marshal(result.Allocations)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal allocations", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tally.attribution_results(conversion_id, tenant_id, model, allocations, computed_at)
			VALUES ($1,$2,$3,$4,NOW())
			ON CONFLICT (conversion_id, model) DO UPDATE
				SET allocations = EXCLUDED.allocations, computed_at = NOW()
		`, result.ConversionID, result.TenantID, result.Model, allocationsJSON)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert attribution result", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tally.conversions SET status = $3, last_error = NULL
		WHERE tenant_id = $1 AND conversion_id = $2
	`, cnv.TenantID, cnv.ConversionID, status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition conversion status", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit attribution results", err)
	}
	return nil
}

func (d Datasource) GetAttributionResult(ctx context.Context, tenantID, conversionID, mdl string) (*model.AttributionResult, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT conversion_id, tenant_id, model, allocations FROM tally.attribution_results
		WHERE tenant_id = $1 AND conversion_id = $2 AND model = $3
	`, tenantID, conversionID, mdl)

	result := &model.AttributionResult{}
	var allocationsJSON []byte
	err := row.Scan(&result.ConversionID, &result.TenantID, &result.Model, &allocationsJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No %s attribution for conversion '%s'", mdl, conversionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attribution result", err)
	}

	if err := json.Unmarshal(allocationsJSON, &result.Allocations); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal allocations", err)
	}
	return result, nil
}

func (d Datasource) GetAttributionResults(ctx context.Context, tenantID, conversionID string) ([]*model.AttributionResult, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT conversion_id, tenant_id, model, allocations FROM tally.attribution_results
		WHERE tenant_id = $1 AND conversion_id = $2
		ORDER BY model ASC
	`, tenantID, conversionID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attribution results", err)
	}
	defer rows.Close()

	var results []*model.AttributionResult
	for rows.Next() {
		result := &model.AttributionResult{}
		var allocationsJSON []byte
		if err := rows.Scan(&result.ConversionID, &result.TenantID, &result.Model, &allocationsJSON); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attribution result", err)
		}
		if err := json.Unmarshal(allocationsJSON, &result.Allocations); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal allocations", err)
		}
		results = append(results, result)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over attribution results", err)
	}
	return results, nil
}

// GetChannelSummary aggregates credited revenue by channel for one model
// across a date range. The allocations column is unnested in SQL so the
// aggregation happens in the database, not in memory.
func (d Datasource) GetChannelSummary(ctx context.Context, tenantID, mdl string, from, to time.Time) ([]*model.ChannelCredit, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT a.channel,
		       r.model,
		       SUM((a.revenue_cents)::bigint) AS revenue_cents,
		       COUNT(DISTINCT r.conversion_id) AS conversions,
		       AVG((a.credit_fraction)::float) AS avg_fraction
		FROM tally.attribution_results r
		JOIN tally.conversions c ON c.conversion_id = r.conversion_id
		CROSS JOIN LATERAL jsonb_to_recordset(r.allocations) AS a(channel text, revenue_cents bigint, credit_fraction float)
		WHERE r.tenant_id = $1 AND r.model = $2 AND c.occurred_at >= $3 AND c.occurred_at < $4
		GROUP BY a.channel, r.model
		ORDER BY revenue_cents DESC
	`, tenantID, mdl, from, to)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve channel summary", err)
	}
	defer rows.Close()

	var summary []*model.ChannelCredit
	for rows.Next() {
		credit := &model.ChannelCredit{}
		if err := rows.Scan(&credit.Channel, &credit.Model, &credit.RevenueCents, &credit.Conversions, &credit.AvgFraction); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan channel summary row", err)
		}
		summary = append(summary, credit)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over channel summary", err)
	}
	return summary, nil
}
