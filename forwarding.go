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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/usetally/tally/config"
	"github.com/usetally/tally/model"
	"github.com/usetally/tally/platform"
)

// forwardResult is one platform's delivery outcome for a conversion.
type forwardResult struct {
	platform string
	skipped  bool
	err      error
}

// ForwardConversion delivers a conversion's purchase event to every platform
// the tenant forwards to. Delivery is exactly-once per (conversion,
// platform): the forwarding record in Postgres is the authority, and the
// dedupe key rides in the platform's event-id field as a second line of
// defense. By convention the forwarded revenue is the conversion's full
// revenue with the last-touch touchpoint's channel and click ids attached.
//
// Platforms are attempted concurrently. The returned error aggregates the
// platforms that could not be delivered; already-sent platforms are skipped
// and never count as failures.
func (l *Tally) ForwardConversion(ctx context.Context, cnv *model.Conversion, results []*model.AttributionResult, platforms []string) error {
	ctx, span := tracer.Start(ctx, "Forwarding conversion")
	defer span.End()

	targets := make([]string, 0, len(platforms))
	for _, name := range platforms {
		if _, ok := l.platforms[name]; ok {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	event := l.buildPurchaseEvent(ctx, cnv, results)

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	workers := cnf.Forwarding.WorkersPerPlatform
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan string, len(targets))
	outcomes := make(chan forwardResult, len(targets))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				outcomes <- l.forwardToPlatform(ctx, cnv, name, event, cnf.Forwarding.MaxAttempts)
			}
		}()
	}
	for _, name := range targets {
		jobs <- name
	}
	close(jobs)
	wg.Wait()
	close(outcomes)

	var failed []string
	var causes []string
	for outcome := range outcomes {
		if outcome.err != nil {
			failed = append(failed, outcome.platform)
			causes = append(causes, fmt.Sprintf("%s: %v", outcome.platform, outcome.err))
			continue
		}
		if outcome.skipped {
			logrus.WithFields(logrus.Fields{
				"conversion_id": cnv.ConversionID,
				"platform":      outcome.platform,
			}).Info("purchase event already delivered, skipped")
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("forwarding failed for %s: %s", strings.Join(failed, ", "), strings.Join(causes, "; "))
	}
	return nil
}

// forwardToPlatform delivers one conversion to one platform with retries.
// Transient failures back off exponentially up to maxAttempts; permanent
// failures (auth rejections, validation errors, reauth) stop immediately,
// since retrying cannot fix them.
func (l *Tally) forwardToPlatform(ctx context.Context, cnv *model.Conversion, name string, event *platform.PurchaseEvent, maxAttempts int) forwardResult {
	client := l.platforms[name]

	rec := &model.ForwardingRecord{
		ConversionID: cnv.ConversionID,
		TenantID:     cnv.TenantID,
		Platform:     name,
		DedupeKey:    model.DedupeKey(cnv.OrderID, name),
		Status:       model.ForwardStatusPending,
		CreatedAt:    time.Now(),
	}
	if err := l.datasource.EnsureForwardingRecord(ctx, rec); err != nil {
		return forwardResult{platform: name, err: err}
	}

	existing, err := l.datasource.GetForwardingRecord(ctx, cnv.ConversionID, name)
	if err != nil {
		return forwardResult{platform: name, err: err}
	}
	if existing.Status == model.ForwardStatusSent || existing.Status == model.ForwardStatusSkippedDuplicate {
		return forwardResult{platform: name, skipped: true}
	}

	token, err := l.credentials.Resolve(ctx, cnv.TenantID, name)
	if err != nil {
		return l.recordForwardFailure(ctx, cnv, name, err)
	}

	// Copy the shared event so each platform carries its own dedupe key.
	ev := *event
	ev.DedupeKey = rec.DedupeKey

	limiter := l.tenantLimiter(cnv.TenantID)
	send := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if err := client.SendPurchase(ctx, token, &ev); err != nil {
			if !platform.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1)), ctx)
	if err := backoff.Retry(send, bo); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		return l.recordForwardFailure(ctx, cnv, name, err)
	}

	sent, err := l.datasource.MarkForwardingSent(ctx, cnv.ConversionID, name)
	if err != nil {
		return forwardResult{platform: name, err: err}
	}
	if !sent {
		// A concurrent dispatcher delivered first. The platform deduplicates
		// on the event id, so the duplicate send is absorbed upstream.
		return forwardResult{platform: name, skipped: true}
	}

	logrus.WithFields(logrus.Fields{
		"conversion_id": cnv.ConversionID,
		"platform":      name,
		"dedupe_key":    rec.DedupeKey,
	}).Info("purchase event forwarded")
	return forwardResult{platform: name}
}

// recordForwardFailure persists the failure on the forwarding record. No
// alert fires here: quarantine is the single alerting point for a conversion
// whose delivery keeps failing.
func (l *Tally) recordForwardFailure(ctx context.Context, cnv *model.Conversion, name string, cause error) forwardResult {
	if updateErr := l.datasource.UpdateForwardingFailure(ctx, cnv.ConversionID, name, model.ForwardStatusFailed, cause.Error()); updateErr != nil {
		logrus.Errorf("failed to record forwarding failure for %s/%s: %v", cnv.ConversionID, name, updateErr)
	}
	logrus.WithFields(logrus.Fields{
		"conversion_id": cnv.ConversionID,
		"platform":      name,
		"transient":     platform.IsTransient(cause),
	}).Errorf("purchase event delivery failed: %v", cause)
	return forwardResult{platform: name, err: cause}
}

// buildPurchaseEvent assembles the platform-independent purchase event. The
// last-touch allocation supplies the channel and click ids; revenue is the
// conversion's full amount regardless of model splits.
func (l *Tally) buildPurchaseEvent(ctx context.Context, cnv *model.Conversion, results []*model.AttributionResult) *platform.PurchaseEvent {
	event := &platform.PurchaseEvent{
		TenantID:     cnv.TenantID,
		OrderID:      cnv.OrderID,
		RevenueCents: cnv.RevenueCents,
		Currency:     cnv.Currency,
		OccurredAt:   cnv.OccurredAt.Unix(),
		VisitorID:    cnv.VisitorID,
	}

	for _, result := range results {
		if result.Model != model.ModelLastTouch || len(result.Allocations) == 0 {
			continue
		}
		last := result.Allocations[len(result.Allocations)-1]
		event.Channel = last.Channel
		if tp, err := l.lastTouchpoint(ctx, cnv, last.TouchpointID); err == nil && tp != nil {
			event.ClickIDs = tp.ClickIDs
		}
	}

	// DedupeKey is platform-specific and filled in per delivery.
	return event
}

// lastTouchpoint loads the touchpoint behind the last-touch allocation so
// its click ids can ride along on the purchase event.
func (l *Tally) lastTouchpoint(ctx context.Context, cnv *model.Conversion, touchpointID string) (*model.Touchpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	visitors, err := l.identityVisitors(ctx, cnv)
	if err != nil || len(visitors) == 0 {
		return nil, err
	}
	touchpoints, err := l.datasource.GetTouchpointsForVisitors(ctx, cnv.TenantID, visitors, cnv.OccurredAt.Add(-model.MaxLookbackWindow), cnv.OccurredAt)
	if err != nil {
		return nil, err
	}
	for _, tp := range touchpoints {
		if tp.TouchpointID == touchpointID {
			return tp, nil
		}
	}
	return nil, nil
}
