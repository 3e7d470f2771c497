package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

// RecordTouchpoint appends a touchpoint and registers its strong keys for
// identity stitching in the same transaction. Touchpoints are never updated
// after this point.
func (d Datasource) RecordTouchpoint(ctx context.Context, tp *model.Touchpoint) (*model.Touchpoint, error) {
	ctx, span := otel.Tracer("tally.touchpoints").Start(ctx, "Saving touchpoint to db")
	defer span.End()

	clickIDsJSON, err := json.Marshal(tp.ClickIDs)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal click ids", err)
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tally.touchpoints(touchpoint_id,tenant_id,visitor_id,stitched_identity_id,session_id,channel,campaign,adset_id,ad_id,click_ids,source_url,utm_source,utm_medium,utm_campaign,customer_id,email_hash,occurred_at,created_at)
		 VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		tp.TouchpointID, tp.TenantID, tp.VisitorID, tp.StitchedIdentityID, tp.SessionID, tp.Channel, tp.Campaign, tp.AdsetID, tp.AdID, clickIDsJSON, tp.SourceURL, tp.UTMSource, tp.UTMMedium, tp.UTMCampaign, tp.CustomerID, tp.EmailHash, tp.OccurredAt, tp.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record touchpoint", err)
	}

	for _, key := range tp.StrongKeys() {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tally.identity_keys(tenant_id, strong_key, visitor_id) VALUES ($1,$2,$3)
			 ON CONFLICT (tenant_id, strong_key, visitor_id) DO NOTHING`,
			tp.TenantID, key, tp.VisitorID,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record identity key", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit touchpoint", err)
	}
	return tp, nil
}

// GetTouchpointsForVisitors returns every touchpoint belonging to any of the
// visitor ids inside [from, to), ordered by occurred_at then touchpoint_id so
// downstream computation is deterministic.
func (d Datasource) GetTouchpointsForVisitors(ctx context.Context, tenantID string, visitorIDs []string, from, to time.Time) ([]*model.Touchpoint, error) {
	ctx, span := otel.Tracer("tally.touchpoints").Start(ctx, "Fetching touchpoints for identity window")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT touchpoint_id, tenant_id, visitor_id, COALESCE(stitched_identity_id, ''), COALESCE(session_id, ''), channel,
		       COALESCE(campaign, ''), COALESCE(adset_id, ''), COALESCE(ad_id, ''), click_ids, COALESCE(source_url, ''),
		       COALESCE(utm_source, ''), COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''),
		       COALESCE(customer_id, ''), COALESCE(email_hash, ''), occurred_at, created_at
		FROM tally.touchpoints
		WHERE tenant_id = $1 AND visitor_id = ANY($2) AND occurred_at >= $3 AND occurred_at < $4
		ORDER BY occurred_at ASC, touchpoint_id ASC
	`, tenantID, pq.Array(visitorIDs), from, to)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve touchpoints", err)
	}
	defer rows.Close()

	var touchpoints []*model.Touchpoint
	for rows.Next() {
		tp := model.Touchpoint{}
		var clickIDsJSON []byte
		err = rows.Scan(
			&tp.TouchpointID, &tp.TenantID, &tp.VisitorID, &tp.StitchedIdentityID, &tp.SessionID, &tp.Channel,
			&tp.Campaign, &tp.AdsetID, &tp.AdID, &clickIDsJSON, &tp.SourceURL,
			&tp.UTMSource, &tp.UTMMedium, &tp.UTMCampaign,
			&tp.CustomerID, &tp.EmailHash, &tp.OccurredAt, &tp.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan touchpoint data", err)
		}
		if len(clickIDsJSON) > 0 {
			if err := json.Unmarshal(clickIDsJSON, &tp.ClickIDs); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal click ids", err)
			}
		}
		touchpoints = append(touchpoints, &tp)
	}

	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over touchpoints", err)
	}
	return touchpoints, nil
}

func (d Datasource) CountTouchpoints(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tally.touchpoints WHERE tenant_id = $1
	`, tenantID).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count touchpoints", err)
	}
	return count, nil
}
