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
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/usetally/tally/internal/notification"
	"github.com/usetally/tally/model"
)

// Sweep modes. A stuck sweep re-drives conversions that stalled before
// reaching a terminal state; a recalculation sweep re-runs recently
// attributed conversions so late touchpoints get credited.
const (
	SweepModeStuck       = "stuck"
	SweepModeRecalculate = "recalculate"
)

// sweepBatchLimit caps how many conversions one sweep run examines.
const sweepBatchLimit = 500

// SweepResult summarizes one reconciliation sweep run.
type SweepResult struct {
	TenantID    string `json:"tenant_id"`
	Mode        string `json:"mode"`
	Examined    int    `json:"examined"`
	Requeued    int    `json:"requeued"`
	Quarantined int    `json:"quarantined"`
}

// ProcessSweepTask is the asynq handler for sweep tasks. A payload without a
// tenant sweeps every tenant, which is how the periodic schedule runs it.
func (l *Tally) ProcessSweepTask(ctx context.Context, task *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("failed to unmarshal sweep task: %v", err)
		return err
	}
	if payload.TenantID == "" {
		return l.sweepAllTenants(ctx, payload.Mode)
	}
	_, err := l.RunReconciliationSweep(ctx, payload.TenantID, payload.Mode)
	return err
}

// sweepAllTenants fans one sweep out across every tenant with conversions.
// A failing tenant does not stop the rest; the first error is reported after
// all tenants ran.
func (l *Tally) sweepAllTenants(ctx context.Context, mode string) error {
	tenants, err := l.datasource.GetTenantIDs(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, tenantID := range tenants {
		if _, err := l.RunReconciliationSweep(ctx, tenantID, mode); err != nil {
			logrus.Errorf("sweep failed for tenant %s: %v", tenantID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunReconciliationSweep finds conversions the pipeline left behind and
// pushes them back through it. The sweep never processes conversions inline;
// it only re-enqueues, so the pipeline's claim remains the single
// serialization point. Conversions that already burned through their attempt
// budget are quarantined here with an alert instead of looping forever.
func (l *Tally) RunReconciliationSweep(ctx context.Context, tenantID, mode string) (*SweepResult, error) {
	ctx, span := tracer.Start(ctx, "Running reconciliation sweep")
	defer span.End()

	settings, _, err := l.SettingsForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var candidates []*model.Conversion
	switch mode {
	case SweepModeStuck:
		candidates, err = l.datasource.GetRetryableConversions(ctx, tenantID, settings.FreshnessThreshold, sweepBatchLimit)
		if err == nil {
			var undelivered []*model.Conversion
			undelivered, err = l.undeliveredCandidates(ctx, tenantID)
			candidates = append(candidates, undelivered...)
		}
	case SweepModeRecalculate:
		since := time.Now().Add(-settings.RecalcWindow)
		candidates, err = l.datasource.GetAttributedConversionsSince(ctx, tenantID, since, sweepBatchLimit)
	default:
		return nil, fmt.Errorf("unknown sweep mode: %s", mode)
	}
	if err != nil {
		return nil, err
	}

	result := &SweepResult{TenantID: tenantID, Mode: mode, Examined: len(candidates)}
	for _, cnv := range candidates {
		if mode == SweepModeStuck && cnv.Attempts >= settings.MaxAttempts {
			if err := l.datasource.UpdateConversionStatus(ctx, tenantID, cnv.ConversionID, model.StatusQuarantined, cnv.LastError); err != nil {
				logrus.Errorf("sweep failed to quarantine conversion %s: %v", cnv.ConversionID, err)
				continue
			}
			notification.Alert(tenantID, notification.SeverityCritical,
				fmt.Sprintf("conversion %s (order %s) quarantined by sweep after %d attempts: %s", cnv.ConversionID, cnv.OrderID, cnv.Attempts, cnv.LastError))
			result.Quarantined++
			continue
		}

		if mode == SweepModeRecalculate {
			// Only re-attribute conversions still inside the recalculation
			// window relative to their own occurrence time.
			if time.Since(cnv.OccurredAt) > settings.RecalcWindow+settings.LookbackWindow {
				continue
			}
			// The claim refuses terminal conversions, so reopen the row
			// before re-enqueueing. Forwarding state is untouched; the
			// record keeps already-sent events from going out again.
			if err := l.datasource.UpdateConversionStatus(ctx, tenantID, cnv.ConversionID, model.StatusPending, ""); err != nil {
				logrus.Errorf("sweep failed to reopen conversion %s: %v", cnv.ConversionID, err)
				continue
			}
		}

		if err := l.queue.Enqueue(ctx, cnv); err != nil {
			logrus.Errorf("sweep failed to enqueue conversion %s: %v", cnv.ConversionID, err)
			continue
		}
		result.Requeued++
	}

	logrus.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"mode":        mode,
		"examined":    result.Examined,
		"requeued":    result.Requeued,
		"quarantined": result.Quarantined,
	}).Info("reconciliation sweep finished")
	return result, nil
}

// undeliveredCandidates finds attributed conversions whose forwarding records
// never reached a final status and reopens them as forward_failed. An
// attributed row is unclaimable, so the reopen is what lets the pipeline pick
// delivery back up; stored attribution results make the re-run skip the
// compute step.
func (l *Tally) undeliveredCandidates(ctx context.Context, tenantID string) ([]*model.Conversion, error) {
	undelivered, err := l.datasource.GetUndeliveredConversions(ctx, tenantID, sweepBatchLimit)
	if err != nil {
		return nil, err
	}

	reopened := make([]*model.Conversion, 0, len(undelivered))
	for _, cnv := range undelivered {
		if err := l.datasource.UpdateConversionStatus(ctx, tenantID, cnv.ConversionID, model.StatusForwardFailed, cnv.LastError); err != nil {
			logrus.Errorf("sweep failed to reopen undelivered conversion %s: %v", cnv.ConversionID, err)
			continue
		}
		cnv.Status = model.StatusForwardFailed
		reopened = append(reopened, cnv)
	}
	return reopened, nil
}
