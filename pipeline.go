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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	redlock "github.com/usetally/tally/internal/lock"
	"github.com/usetally/tally/internal/notification"
	"github.com/usetally/tally/model"
)

// processingLease bounds how long a single pipeline run may hold a
// conversion. A worker that dies mid-run leaves the row claimable again once
// the lease expires.
const processingLease = 5 * time.Minute

// ErrInvariantViolation marks data-integrity faults such as a conservation
// mismatch. A conversion that hits one is held in processing for manual
// inspection, never moved to a terminal state automatically.
var ErrInvariantViolation = errors.New("attribution invariant violation")

// ProcessConversionTask is the asynq handler for conversion tasks. It
// unmarshals the queued conversion and drives it through the pipeline.
// Returning an error makes asynq retry with its own backoff; terminal
// outcomes return nil so the task completes.
func (l *Tally) ProcessConversionTask(ctx context.Context, task *asynq.Task) error {
	var cnv model.Conversion
	if err := json.Unmarshal(task.Payload(), &cnv); err != nil {
		logrus.Errorf("failed to unmarshal conversion task: %v", err)
		return err
	}
	return l.ProcessConversion(ctx, cnv.TenantID, cnv.ConversionID)
}

// ProcessConversion drives one conversion through attribution end to end:
// claim, identity resolution, window read, computation under all models,
// atomic result storage, forwarding, and only then the attributed state.
// The conversion stays in processing while its purchase events are
// delivered, so a worker death at any point leaves a row the lease expiry
// makes claimable again, and the re-claim resumes at the step whose
// persisted state is missing. A re-drive that already has stored results
// (forward_failed, or a reclaimed processing row) goes straight to
// forwarding and never recomputes them.
//
// Re-running on a conversion in a terminal state is a no-op, and concurrent
// runs on the same conversion are serialized by the claim.
func (l *Tally) ProcessConversion(ctx context.Context, tenantID, conversionID string) error {
	ctx, span := tracer.Start(ctx, "Processing conversion")
	defer span.End()

	settings, platforms, err := l.SettingsForTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	// Read before the claim: the pre-claim status decides whether this run
	// computes or resumes at delivery.
	cnv, err := l.datasource.GetConversion(ctx, tenantID, conversionID)
	if err != nil {
		return err
	}

	// Redis lease is the fast path that keeps workers from even attempting
	// the claim; the status-guarded claim in Postgres is the authority.
	locker := redlock.NewLocker(l.redis, "conversion:"+conversionID, model.GenerateUUIDWithSuffix("lock"))
	if err := locker.Lock(ctx, processingLease); err != nil {
		logrus.WithFields(logrus.Fields{"conversion_id": conversionID}).Info("conversion lease held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.Warnf("failed to release conversion lease %s: %v", conversionID, err)
		}
	}()

	claimed, err := l.datasource.ClaimConversion(ctx, tenantID, conversionID, processingLease)
	if err != nil {
		return err
	}
	if !claimed {
		logrus.WithFields(logrus.Fields{"conversion_id": conversionID}).Info("conversion not claimable, skipping")
		return nil
	}

	results, err := l.resumableResults(ctx, cnv)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return l.holdForInspection(cnv, err)
		}
		return err
	}

	if results == nil {
		var outcome string
		results, outcome, err = l.computeConversion(ctx, cnv, settings)
		if err != nil {
			if errors.Is(err, ErrInvariantViolation) {
				return l.holdForInspection(cnv, err)
			}
			return l.failConversion(ctx, cnv, settings, err)
		}

		switch outcome {
		case model.StatusPending:
			// Too young to give up on: late touchpoints may still arrive.
			// Put it back; the sweeper re-drives it after the freshness
			// threshold.
			return l.datasource.UpdateConversionStatus(ctx, tenantID, conversionID, model.StatusPending, "")
		case model.StatusUnattributed:
			if err := l.datasource.UpsertAttributionResults(ctx, cnv, nil, model.StatusUnattributed); err != nil {
				return l.failConversion(ctx, cnv, settings, err)
			}
			l.invalidateAttributionCache(ctx, tenantID, conversionID)
			return nil
		}

		// Results commit while the conversion stays in processing. The
		// attributed state is earned only after forwarding completes.
		if err := l.datasource.UpsertAttributionResults(ctx, cnv, results, model.StatusProcessing); err != nil {
			return l.failConversion(ctx, cnv, settings, err)
		}
		l.invalidateAttributionCache(ctx, tenantID, conversionID)

		logrus.WithFields(logrus.Fields{
			"tenant_id":     tenantID,
			"conversion_id": conversionID,
			"models":        len(results),
		}).Info("attribution results stored")
	}

	if err := l.ForwardConversion(ctx, cnv, results, platforms); err != nil {
		return l.failForwarding(ctx, cnv, settings, err)
	}

	if err := l.datasource.UpdateConversionStatus(ctx, tenantID, conversionID, model.StatusAttributed, ""); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"tenant_id":     tenantID,
		"conversion_id": conversionID,
	}).Info("conversion attributed")
	return nil
}

// resumableResults returns the results an earlier run already committed when
// the conversion should pick up at the delivery step: a forward_failed
// re-drive, or a processing row reclaimed after its lease expired mid-run.
// Nil with no error means compute from scratch. Stored results are re-checked
// against the conversion's current revenue, since an order revision between
// runs can invalidate them.
func (l *Tally) resumableResults(ctx context.Context, cnv *model.Conversion) ([]*model.AttributionResult, error) {
	if cnv.Status != model.StatusForwardFailed && cnv.Status != model.StatusProcessing {
		return nil, nil
	}
	results, err := l.datasource.GetAttributionResults(ctx, cnv.TenantID, cnv.ConversionID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	for _, result := range results {
		if err := result.VerifyConservation(cnv.RevenueCents); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
	}
	return results, nil
}

// computeConversion resolves the conversion's identity, loads the touchpoint
// window and computes all models. The second return value carries the
// non-error outcomes: StatusPending when the conversion should wait for late
// touchpoints, StatusUnattributed when the window is conclusively empty, and
// StatusAttributed with results otherwise.
func (l *Tally) computeConversion(ctx context.Context, cnv *model.Conversion, settings model.AttributionSettings) ([]*model.AttributionResult, string, error) {
	visitors, err := l.identityVisitors(ctx, cnv)
	if err != nil {
		return nil, "", err
	}

	var touchpoints []*model.Touchpoint
	if len(visitors) > 0 {
		windowStart := cnv.OccurredAt.Add(-settings.LookbackWindow)
		touchpoints, err = l.datasource.GetTouchpointsForVisitors(ctx, cnv.TenantID, visitors, windowStart, cnv.OccurredAt)
		if err != nil {
			return nil, "", err
		}
	}

	results, err := model.ComputeAttributions(touchpoints, cnv, settings)
	if err != nil {
		if errors.Is(err, model.ErrNoEligibleTouchpoints) {
			if cnv.Age(time.Now()) < settings.FreshnessThreshold {
				return nil, model.StatusPending, nil
			}
			return nil, model.StatusUnattributed, nil
		}
		return nil, "", err
	}

	for _, result := range results {
		if err := result.VerifyConservation(cnv.RevenueCents); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
	}
	return results, model.StatusAttributed, nil
}

// holdForInspection parks a conversion after a data-integrity fault: full
// context is logged, an alert fires, and the row keeps its processing status
// so a human reviews it. Returns nil so the task does not retry.
func (l *Tally) holdForInspection(cnv *model.Conversion, cause error) error {
	logrus.WithFields(logrus.Fields{
		"tenant_id":     cnv.TenantID,
		"conversion_id": cnv.ConversionID,
		"order_id":      cnv.OrderID,
		"revenue_cents": cnv.RevenueCents,
		"attempts":      cnv.Attempts,
	}).Errorf("integrity check failed, conversion held in processing: %v", cause)

	notification.Alert(cnv.TenantID, notification.SeverityCritical,
		fmt.Sprintf("conversion %s (order %s) failed an integrity check and needs manual review: %v", cnv.ConversionID, cnv.OrderID, cause))
	return nil
}

// failConversion records a pipeline failure: bump attempts, park the
// conversion as unattributed for the sweeper, and quarantine with an alert
// once attempts are exhausted.
func (l *Tally) failConversion(ctx context.Context, cnv *model.Conversion, settings model.AttributionSettings, cause error) error {
	attempts, err := l.datasource.IncrementConversionAttempts(ctx, cnv.TenantID, cnv.ConversionID)
	if err != nil {
		logrus.Errorf("failed to increment attempts for %s: %v", cnv.ConversionID, err)
		attempts = cnv.Attempts + 1
	}

	if attempts >= settings.MaxAttempts {
		if err := l.datasource.UpdateConversionStatus(ctx, cnv.TenantID, cnv.ConversionID, model.StatusQuarantined, cause.Error()); err != nil {
			return err
		}
		notification.Alert(cnv.TenantID, notification.SeverityCritical,
			fmt.Sprintf("conversion %s (order %s) quarantined after %d attempts: %v", cnv.ConversionID, cnv.OrderID, attempts, cause))
		// Quarantine is terminal; the task must not retry.
		return nil
	}

	if err := l.datasource.UpdateConversionStatus(ctx, cnv.TenantID, cnv.ConversionID, model.StatusUnattributed, cause.Error()); err != nil {
		return err
	}
	return cause
}

// failForwarding parks a conversion whose attribution stored fine but whose
// purchase event could not be delivered. The attribution results stay; only
// delivery is retried.
func (l *Tally) failForwarding(ctx context.Context, cnv *model.Conversion, settings model.AttributionSettings, cause error) error {
	attempts, err := l.datasource.IncrementConversionAttempts(ctx, cnv.TenantID, cnv.ConversionID)
	if err != nil {
		logrus.Errorf("failed to increment attempts for %s: %v", cnv.ConversionID, err)
		attempts = cnv.Attempts + 1
	}

	if attempts >= settings.MaxAttempts {
		if err := l.datasource.UpdateConversionStatus(ctx, cnv.TenantID, cnv.ConversionID, model.StatusQuarantined, cause.Error()); err != nil {
			return err
		}
		notification.Alert(cnv.TenantID, notification.SeverityCritical,
			fmt.Sprintf("conversion %s (order %s) quarantined, forwarding failed after %d attempts: %v", cnv.ConversionID, cnv.OrderID, attempts, cause))
		return nil
	}

	if err := l.datasource.UpdateConversionStatus(ctx, cnv.TenantID, cnv.ConversionID, model.StatusForwardFailed, cause.Error()); err != nil {
		return err
	}
	return cause
}
