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
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/model"
)

func touchpointRows(touchpointID, tenantID, visitorID, channel string, occurredAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"touchpoint_id", "tenant_id", "visitor_id", "stitched_identity_id", "session_id", "channel",
		"campaign", "adset_id", "ad_id", "click_ids", "source_url",
		"utm_source", "utm_medium", "utm_campaign",
		"customer_id", "email_hash", "occurred_at", "created_at",
	}).AddRow(touchpointID, tenantID, visitorID, "", "", channel, "", "", "", []byte(`{}`), "", "", "", "", "", "", occurredAt, time.Now())
}

func TestRecordTouchpointCreatesIdentity(t *testing.T) {
	tly, mock := newTestTally(t)

	tp := &model.Touchpoint{
		TenantID:   "tenant-1",
		VisitorID:  "visitor-1",
		Channel:    "meta",
		OccurredAt: time.Now().Add(-time.Minute),
	}

	// No strong keys and no existing identity: the stitch creates a fresh
	// identity with the visitor as its only member.
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WithArgs("tenant-1", "visitor-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tally.stitched_identities").
		WithArgs(sqlmock.AnyArg(), "tenant-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO tally.identity_members").
		WithArgs("tenant-1", "visitor-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tally.touchpoints").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	saved, err := tly.RecordTouchpoint(context.Background(), tp)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(saved.TouchpointID, "tp_"))
	assert.True(t, strings.HasPrefix(saved.StitchedIdentityID, "idn_"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTouchpointStitchesThroughStrongKey(t *testing.T) {
	tly, mock := newTestTally(t)

	tp := &model.Touchpoint{
		TenantID:   "tenant-1",
		VisitorID:  "visitor-new",
		Channel:    "google",
		CustomerID: "cus_9",
		OccurredAt: time.Now().Add(-time.Minute),
	}

	// The customer key links visitor-new to visitor-known, who already sits
	// on an identity. The new visitor joins that identity.
	mock.ExpectQuery("SELECT DISTINCT visitor_id FROM tally.identity_keys").
		WillReturnRows(sqlmock.NewRows([]string{"visitor_id"}).AddRow("visitor-known"))

	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WithArgs("tenant-1", "visitor-new").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WithArgs("tenant-1", "visitor-known").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow("idn_a"))
	mock.ExpectQuery("FROM tally.stitched_identities").
		WithArgs("tenant-1", "idn_a").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "tenant_id", "merged_at"}).AddRow("idn_a", "tenant-1", time.Now()))
	mock.ExpectQuery("SELECT visitor_id FROM tally.identity_members").
		WithArgs("tenant-1", "idn_a").
		WillReturnRows(sqlmock.NewRows([]string{"visitor_id"}).AddRow("visitor-known"))

	mock.ExpectExec("INSERT INTO tally.identity_members").
		WithArgs("tenant-1", "visitor-new", "idn_a").
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tally.touchpoints").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO tally.identity_keys").
		WithArgs("tenant-1", "customer:cus_9", "visitor-new").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	saved, err := tly.RecordTouchpoint(context.Background(), tp)
	assert.NoError(t, err)
	assert.Equal(t, "idn_a", saved.StitchedIdentityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTouchpointStoresUnstitchedOnStitchFailure(t *testing.T) {
	tly, mock := newTestTally(t)

	tp := &model.Touchpoint{
		TenantID:   "tenant-1",
		VisitorID:  "visitor-1",
		Channel:    "email",
		OccurredAt: time.Now().Add(-time.Minute),
	}

	// A stitching failure must not drop the touchpoint.
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WillReturnError(sql.ErrConnDone)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tally.touchpoints").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	saved, err := tly.RecordTouchpoint(context.Background(), tp)
	assert.NoError(t, err)
	assert.Empty(t, saved.StitchedIdentityID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTouchpointValidation(t *testing.T) {
	tly, _ := newTestTally(t)

	tests := []struct {
		name string
		tp   *model.Touchpoint
	}{
		{"missing tenant", &model.Touchpoint{VisitorID: "v1", Channel: "meta", OccurredAt: time.Now()}},
		{"missing visitor", &model.Touchpoint{TenantID: "t1", Channel: "meta", OccurredAt: time.Now()}},
		{"missing channel", &model.Touchpoint{TenantID: "t1", VisitorID: "v1", OccurredAt: time.Now()}},
		{"missing occurred_at", &model.Touchpoint{TenantID: "t1", VisitorID: "v1", Channel: "meta"}},
		{"future occurred_at", &model.Touchpoint{TenantID: "t1", VisitorID: "v1", Channel: "meta", OccurredAt: time.Now().Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tly.RecordTouchpoint(context.Background(), tt.tp)
			assert.Error(t, err)
		})
	}
}

func TestGetTouchpointsForVisitorWidensToIdentity(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WithArgs("tenant-1", "visitor-1").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow("idn_a"))
	mock.ExpectQuery("FROM tally.stitched_identities").
		WithArgs("tenant-1", "idn_a").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id", "tenant_id", "merged_at"}).AddRow("idn_a", "tenant-1", time.Now()))
	mock.ExpectQuery("SELECT visitor_id FROM tally.identity_members").
		WithArgs("tenant-1", "idn_a").
		WillReturnRows(sqlmock.NewRows([]string{"visitor_id"}).AddRow("visitor-1").AddRow("visitor-2"))

	now := time.Now()
	mock.ExpectQuery("FROM tally.touchpoints").
		WillReturnRows(touchpointRows("tp_1", "tenant-1", "visitor-2", "google", now.Add(-time.Hour)))

	touchpoints, err := tly.GetTouchpointsForVisitor(context.Background(), "tenant-1", "visitor-1", now.Add(-24*time.Hour), now)
	assert.NoError(t, err)
	if assert.Len(t, touchpoints, 1) {
		// The other member's touchpoint shows up on visitor-1's journey.
		assert.Equal(t, "visitor-2", touchpoints[0].VisitorID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
