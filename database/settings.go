package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

// GetTenantSettings loads a tenant's stored attribution overrides. Returns a
// NOT_FOUND APIError when the tenant has none; callers fall back to the
// configured defaults.
func (d Datasource) GetTenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT tenant_id, lookback_window_days, time_decay_half_life_days, freshness_threshold_minutes,
		       recalc_window_days, max_attempts, platforms, updated_at
		FROM tally.tenant_settings
		WHERE tenant_id = $1
	`, tenantID)

	settings := &model.TenantSettings{}
	var lookbackDays, halfLifeDays, freshnessMin, recalcDays, maxAttempts int
	var platformsJSON []byte
	err := row.Scan(&settings.TenantID, &lookbackDays, &halfLifeDays, &freshnessMin, &recalcDays, &maxAttempts, &platformsJSON, &settings.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No settings for tenant '%s'", tenantID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve tenant settings", err)
	}

	if err := json.Unmarshal(platformsJSON, &settings.Platforms); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal tenant platforms", err)
	}

	settings.Attribution = model.AttributionSettings{
		LookbackWindow:     time.Duration(lookbackDays) * 24 * time.Hour,
		TimeDecayHalfLife:  time.Duration(halfLifeDays) * 24 * time.Hour,
		FreshnessThreshold: time.Duration(freshnessMin) * time.Minute,
		RecalcWindow:       time.Duration(recalcDays) * 24 * time.Hour,
		MaxAttempts:        maxAttempts,
	}
	return settings, nil
}

// UpsertTenantSettings creates or wholesale-replaces a tenant's overrides.
func (d Datasource) UpsertTenantSettings(ctx context.Context, settings *model.TenantSettings) error {
	if err := settings.Attribution.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid attribution settings", err)
	}

	platformsJSON, err := json.Marshal(settings.Platforms)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal tenant platforms", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO tally.tenant_settings(tenant_id, lookback_window_days, time_decay_half_life_days, freshness_threshold_minutes, recalc_window_days, max_attempts, platforms, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (tenant_id) DO UPDATE
			SET lookback_window_days = EXCLUDED.lookback_window_days,
			    time_decay_half_life_days = EXCLUDED.time_decay_half_life_days,
			    freshness_threshold_minutes = EXCLUDED.freshness_threshold_minutes,
			    recalc_window_days = EXCLUDED.recalc_window_days,
			    max_attempts = EXCLUDED.max_attempts,
			    platforms = EXCLUDED.platforms,
			    updated_at = NOW()
	`, settings.TenantID,
		int(settings.Attribution.LookbackWindow.Hours()/24),
		int(settings.Attribution.TimeDecayHalfLife.Hours()/24),
		int(settings.Attribution.FreshnessThreshold.Minutes()),
		int(settings.Attribution.RecalcWindow.Hours()/24),
		settings.Attribution.MaxAttempts,
		platformsJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to upsert tenant settings", err)
	}
	return nil
}
