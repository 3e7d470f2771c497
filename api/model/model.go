/*
Copyright 2024 Tally Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/usetally/tally/model"
)

// RecordTouchpoint is the request body for touchpoint ingestion.
type RecordTouchpoint struct {
	TenantID    string            `json:"tenant_id"`
	VisitorID   string            `json:"visitor_id"`
	SessionID   string            `json:"session_id"`
	Channel     string            `json:"channel"`
	Campaign    string            `json:"campaign"`
	AdsetID     string            `json:"adset_id"`
	AdID        string            `json:"ad_id"`
	ClickIDs    map[string]string `json:"click_ids"`
	SourceURL   string            `json:"source_url"`
	UTMSource   string            `json:"utm_source"`
	UTMMedium   string            `json:"utm_medium"`
	UTMCampaign string            `json:"utm_campaign"`
	CustomerID  string            `json:"customer_id"`
	EmailHash   string            `json:"email_hash"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

func (t *RecordTouchpoint) ValidateRecordTouchpoint() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.TenantID, validation.Required),
		validation.Field(&t.VisitorID, validation.Required),
		validation.Field(&t.Channel, validation.Required),
		validation.Field(&t.OccurredAt, validation.Required),
	)
}

func (t *RecordTouchpoint) ToTouchpoint() *model.Touchpoint {
	return &model.Touchpoint{
		TenantID:    t.TenantID,
		VisitorID:   t.VisitorID,
		SessionID:   t.SessionID,
		Channel:     t.Channel,
		Campaign:    t.Campaign,
		AdsetID:     t.AdsetID,
		AdID:        t.AdID,
		ClickIDs:    t.ClickIDs,
		SourceURL:   t.SourceURL,
		UTMSource:   t.UTMSource,
		UTMMedium:   t.UTMMedium,
		UTMCampaign: t.UTMCampaign,
		CustomerID:  t.CustomerID,
		EmailHash:   t.EmailHash,
		OccurredAt:  t.OccurredAt,
	}
}

// RecordConversion is the request body for conversion ingestion.
type RecordConversion struct {
	TenantID     string    `json:"tenant_id"`
	OrderID      string    `json:"order_id"`
	VisitorID    string    `json:"visitor_id"`
	CustomerID   string    `json:"customer_id"`
	RevenueCents int64     `json:"revenue_cents"`
	Currency     string    `json:"currency"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (c *RecordConversion) ValidateRecordConversion() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TenantID, validation.Required),
		validation.Field(&c.OrderID, validation.Required),
		validation.Field(&c.RevenueCents, validation.Min(0)),
		validation.Field(&c.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&c.OccurredAt, validation.Required),
	)
}

func (c *RecordConversion) ToConversion() *model.Conversion {
	return &model.Conversion{
		TenantID:     c.TenantID,
		OrderID:      c.OrderID,
		VisitorID:    c.VisitorID,
		CustomerID:   c.CustomerID,
		RevenueCents: c.RevenueCents,
		Currency:     c.Currency,
		OccurredAt:   c.OccurredAt,
	}
}

// UpdateTenantSettings is the request body for tenant attribution overrides.
// Durations are expressed in the units operators think in: days for windows,
// minutes for freshness.
type UpdateTenantSettings struct {
	LookbackWindowDays    int      `json:"lookback_window_days"`
	TimeDecayHalfLifeDays int      `json:"time_decay_half_life_days"`
	FreshnessThresholdMin int      `json:"freshness_threshold_minutes"`
	RecalcWindowDays      int      `json:"recalc_window_days"`
	MaxAttempts           int      `json:"max_attempts"`
	Platforms             []string `json:"platforms"`
}

func (s *UpdateTenantSettings) ValidateUpdateTenantSettings() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.LookbackWindowDays, validation.Required, validation.Min(1), validation.Max(90)),
		validation.Field(&s.TimeDecayHalfLifeDays, validation.Required, validation.Min(1)),
		validation.Field(&s.FreshnessThresholdMin, validation.Required, validation.Min(1)),
		validation.Field(&s.RecalcWindowDays, validation.Required, validation.Min(1)),
		validation.Field(&s.MaxAttempts, validation.Required, validation.Min(1)),
	)
}

func (s *UpdateTenantSettings) ToTenantSettings(tenantID string) *model.TenantSettings {
	return &model.TenantSettings{
		TenantID: tenantID,
		Attribution: model.AttributionSettings{
			LookbackWindow:     time.Duration(s.LookbackWindowDays) * 24 * time.Hour,
			TimeDecayHalfLife:  time.Duration(s.TimeDecayHalfLifeDays) * 24 * time.Hour,
			FreshnessThreshold: time.Duration(s.FreshnessThresholdMin) * time.Minute,
			RecalcWindow:       time.Duration(s.RecalcWindowDays) * 24 * time.Hour,
			MaxAttempts:        s.MaxAttempts,
		},
		Platforms: s.Platforms,
	}
}

// RunSweep is the request body for triggering a reconciliation sweep.
type RunSweep struct {
	TenantID string `json:"tenant_id"`
	Mode     string `json:"mode"`
}

func (r *RunSweep) ValidateRunSweep() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.TenantID, validation.Required),
		validation.Field(&r.Mode, validation.Required, validation.In("stuck", "recalculate")),
	)
}
