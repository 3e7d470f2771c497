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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/model"
)

// RecordTouchpoint validates and persists a marketing touchpoint, stitching
// its visitor into the identity graph first so the stored row carries the
// resolved identity id. Touchpoints are append-only; this is the only write
// path for them.
func (l *Tally) RecordTouchpoint(ctx context.Context, tp *model.Touchpoint) (*model.Touchpoint, error) {
	ctx, span := tracer.Start(ctx, "Recording touchpoint")
	defer span.End()

	if err := validateTouchpoint(tp); err != nil {
		return nil, err
	}

	tp.TouchpointID = model.GenerateUUIDWithSuffix("tp")
	tp.CreatedAt = time.Now()

	identityID, err := l.StitchIdentity(ctx, tp)
	if err != nil {
		// Stitching failures must not drop the touchpoint. Store it
		// unstitched; the pipeline still finds it through the visitor id.
		logrus.WithFields(logrus.Fields{
			"tenant_id":  tp.TenantID,
			"visitor_id": tp.VisitorID,
		}).Warnf("identity stitching failed, storing touchpoint unstitched: %v", err)
	} else {
		tp.StitchedIdentityID = identityID
	}

	saved, err := l.datasource.RecordTouchpoint(ctx, tp)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"tenant_id":     saved.TenantID,
		"touchpoint_id": saved.TouchpointID,
		"channel":       saved.Channel,
	}).Info("recorded touchpoint")
	return saved, nil
}

// GetTouchpointsForVisitor returns a visitor's touchpoints in a time window,
// widened to the visitor's whole stitched identity.
func (l *Tally) GetTouchpointsForVisitor(ctx context.Context, tenantID, visitorID string, from, to time.Time) ([]*model.Touchpoint, error) {
	visitors := []string{visitorID}
	idn, err := l.datasource.GetIdentityByVisitor(ctx, tenantID, visitorID)
	if err != nil && !apierror.IsNotFound(err) {
		return nil, err
	}
	if err == nil {
		visitors = idn.VisitorIDs
	}
	return l.datasource.GetTouchpointsForVisitors(ctx, tenantID, visitors, from, to)
}

func validateTouchpoint(tp *model.Touchpoint) error {
	if tp.TenantID == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "tenant_id is required", nil)
	}
	if tp.VisitorID == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "visitor_id is required", nil)
	}
	if tp.Channel == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "channel is required", nil)
	}
	if tp.OccurredAt.IsZero() {
		return apierror.NewAPIError(apierror.ErrBadRequest, "occurred_at is required", nil)
	}
	if tp.OccurredAt.After(time.Now().Add(5 * time.Minute)) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "occurred_at cannot be in the future", nil)
	}
	return nil
}
