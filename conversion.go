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

package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/internal/notification"
	"github.com/usetally/tally/model"
)

const (
	// attributionCacheTTL bounds staleness on the read path. Recomputes also
	// invalidate eagerly; the TTL only covers missed invalidations.
	attributionCacheTTL = 5 * time.Minute
)

// RecordConversion validates and persists a conversion, then enqueues it for
// attribution. The write is idempotent on (tenant, order): replaying the
// same order returns the existing conversion and never creates a duplicate.
// Terminal conversions are not re-enqueued.
func (l *Tally) RecordConversion(ctx context.Context, cnv *model.Conversion) (*model.Conversion, error) {
	ctx, span := tracer.Start(ctx, "Recording conversion")
	defer span.End()

	if err := validateConversion(cnv); err != nil {
		return nil, err
	}

	cnv.ConversionID = model.GenerateUUIDWithSuffix("cnv")
	cnv.Status = model.StatusPending
	cnv.CreatedAt = time.Now()

	saved, err := l.datasource.RecordConversion(ctx, cnv)
	if err != nil {
		return nil, err
	}

	if saved.ConversionID != cnv.ConversionID {
		logrus.WithFields(logrus.Fields{
			"tenant_id":     saved.TenantID,
			"order_id":      saved.OrderID,
			"conversion_id": saved.ConversionID,
		}).Info("conversion already recorded for order, returning existing")
	}

	if saved.IsTerminal() {
		return saved, nil
	}

	if err := l.queue.Enqueue(ctx, saved); err != nil {
		// The row is durable; the sweeper picks up conversions that never
		// made it onto the queue.
		notification.NotifyError(fmt.Errorf("failed to enqueue conversion %s: %w", saved.ConversionID, err))
	}
	return saved, nil
}

// GetConversion retrieves a conversion by id.
func (l *Tally) GetConversion(ctx context.Context, tenantID, conversionID string) (*model.Conversion, error) {
	return l.datasource.GetConversion(ctx, tenantID, conversionID)
}

// GetConversionByOrderID retrieves a conversion by its order reference.
func (l *Tally) GetConversionByOrderID(ctx context.Context, tenantID, orderID string) (*model.Conversion, error) {
	return l.datasource.GetConversionByOrderID(ctx, tenantID, orderID)
}

// GetAttributionResults returns all model results for a conversion, served
// from cache when warm.
func (l *Tally) GetAttributionResults(ctx context.Context, tenantID, conversionID string) ([]*model.AttributionResult, error) {
	key := attributionCacheKey(tenantID, conversionID)

	var cached []*model.AttributionResult
	if err := l.cache.Get(ctx, key, &cached); err == nil && len(cached) > 0 {
		return cached, nil
	}

	results, err := l.datasource.GetAttributionResults(ctx, tenantID, conversionID)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		if err := l.cache.Set(ctx, key, results, attributionCacheTTL); err != nil {
			logrus.Warnf("failed to cache attribution results for %s: %v", conversionID, err)
		}
	}
	return results, nil
}

// GetAttributionResult returns one model's result for a conversion.
func (l *Tally) GetAttributionResult(ctx context.Context, tenantID, conversionID, mdl string) (*model.AttributionResult, error) {
	if !model.IsValidModel(mdl) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown attribution model: %s", mdl), nil)
	}
	return l.datasource.GetAttributionResult(ctx, tenantID, conversionID, mdl)
}

// GetChannelSummary aggregates credited revenue by channel under one model
// for a reporting window.
func (l *Tally) GetChannelSummary(ctx context.Context, tenantID, mdl string, from, to time.Time) ([]*model.ChannelCredit, error) {
	if !model.IsValidModel(mdl) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown attribution model: %s", mdl), nil)
	}
	if !to.After(from) {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "summary window must end after it starts", nil)
	}
	return l.datasource.GetChannelSummary(ctx, tenantID, mdl, from, to)
}

// GetForwardingRecords returns the delivery state of a conversion's purchase
// event per platform.
func (l *Tally) GetForwardingRecords(ctx context.Context, conversionID string) ([]*model.ForwardingRecord, error) {
	return l.datasource.GetForwardingRecords(ctx, conversionID)
}

func (l *Tally) invalidateAttributionCache(ctx context.Context, tenantID, conversionID string) {
	if err := l.cache.Delete(ctx, attributionCacheKey(tenantID, conversionID)); err != nil {
		logrus.Warnf("failed to invalidate attribution cache for %s: %v", conversionID, err)
	}
}

func attributionCacheKey(tenantID, conversionID string) string {
	return fmt.Sprintf("attribution:%s:%s", tenantID, conversionID)
}

func validateConversion(cnv *model.Conversion) error {
	if cnv.TenantID == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "tenant_id is required", nil)
	}
	if cnv.OrderID == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "order_id is required", nil)
	}
	if cnv.RevenueCents < 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "revenue_cents cannot be negative", nil)
	}
	if cnv.Currency == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "currency is required", nil)
	}
	if cnv.OccurredAt.IsZero() {
		return apierror.NewAPIError(apierror.ErrBadRequest, "occurred_at is required", nil)
	}
	return nil
}
