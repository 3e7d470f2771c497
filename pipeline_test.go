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
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/internal/request"
	"github.com/usetally/tally/model"
)

// expectPipelineSettings stubs the tenant settings read with defaults and no
// forwarding platforms, so pipeline tests stop after attribution storage.
func expectPipelineSettings(mock sqlmock.Sqlmock, maxAttempts int) {
	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnRows(tenantSettingsRows(30, 7, 120, 3, maxAttempts, `[]`))
}

func expectClaim(mock sqlmock.Sqlmock, claimedRows int64) {
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_1", model.StatusProcessing, model.StatusAttributed, model.StatusQuarantined, "300 seconds").
		WillReturnResult(sqlmock.NewResult(0, claimedRows))
}

func storedResultRows(mdl, allocationsJSON string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"conversion_id", "tenant_id", "model", "allocations"}).
		AddRow("cnv_1", "tenant-1", mdl, []byte(allocationsJSON))
}

func TestProcessConversionAttributes(t *testing.T) {
	tly, mock := newTestTally(t)
	occurred := time.Now().Add(-time.Hour)

	expectPipelineSettings(mock, 5)
	mock.ExpectQuery("FROM tally.conversions").
		WithArgs("tenant-1", "cnv_1").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusPending, 10000, 0, occurred))
	expectClaim(mock, 1)

	// Identity resolution: the visitor sits on no identity, so the window is
	// read for the visitor alone.
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WithArgs("tenant-1", "visitor-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.touchpoints").
		WillReturnRows(touchpointRows("tp_1", "tenant-1", "visitor-1", "meta", occurred.Add(-48*time.Hour)).
			AddRow("tp_2", "tenant-1", "visitor-1", "", "", "google", "", "", "", []byte(`{}`), "", "", "", "", "", "", occurred.Add(-time.Hour), time.Now()))

	// All five models commit in one transaction while the conversion stays in
	// processing; attributed comes only after delivery finishes.
	mock.ExpectBegin()
	for i := 0; i < 5; i++ {
		mock.ExpectExec("INSERT INTO tally.attribution_results").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectExec("UPDATE tally.conversions SET status").
		WithArgs("tenant-1", "cnv_1", model.StatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_1", model.StatusAttributed, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionNotClaimable(t *testing.T) {
	tly, mock := newTestTally(t)

	expectPipelineSettings(mock, 5)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusAttributed, 10000, 0, time.Now().Add(-time.Hour)))
	expectClaim(mock, 0)

	// Losing the claim is not an error; someone else owns the conversion.
	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionResumesDeliveryWithoutRecompute(t *testing.T) {
	tly, mock := newTestTally(t)
	httpmock.ActivateNonDefault(request.HTTPClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.test/v19.0/events",
		httpmock.NewStringResponder(http.StatusOK, `{"events_received":1}`))

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnRows(tenantSettingsRows(30, 7, 120, 3, 5, `["meta"]`))
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusForwardFailed, 10000, 1, time.Now().Add(-time.Hour)))
	expectClaim(mock, 1)

	// Stored results short-circuit the compute step: no identity or window
	// reads happen, the run goes straight to delivery.
	mock.ExpectQuery("FROM tally.attribution_results").
		WithArgs("tenant-1", "cnv_1").
		WillReturnRows(storedResultRows(model.ModelLinear,
			`[{"touchpoint_id":"tp_1","channel":"meta","credit_fraction":1,"revenue_cents":10000}]`))

	mock.ExpectExec("INSERT INTO tally.forwarding_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("FROM tally.forwarding_records").
		WillReturnRows(forwardingRecordRows("cnv_1", "meta", model.ForwardStatusPending))
	mock.ExpectExec("UPDATE tally.forwarding_records").
		WithArgs("cnv_1", "meta", model.ForwardStatusSent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_1", model.StatusAttributed, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionHoldsRevenueMismatchInProcessing(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnRows(tenantSettingsRows(30, 7, 120, 3, 5, `["meta"]`))
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusForwardFailed, 10000, 1, time.Now().Add(-time.Hour)))
	expectClaim(mock, 1)

	// The order was revised after attribution: stored allocations no longer
	// sum to the conversion's revenue. The row stays in processing with no
	// delivery and no terminal transition, waiting for a human.
	mock.ExpectQuery("FROM tally.attribution_results").
		WillReturnRows(storedResultRows(model.ModelLinear,
			`[{"touchpoint_id":"tp_1","channel":"meta","credit_fraction":1,"revenue_cents":900}]`))

	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionFreshEmptyWindowStaysPending(t *testing.T) {
	tly, mock := newTestTally(t)
	occurred := time.Now().Add(-30 * time.Minute)

	expectPipelineSettings(mock, 5)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusPending, 5000, 0, occurred))
	expectClaim(mock, 1)
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.touchpoints").
		WillReturnRows(sqlmock.NewRows([]string{"touchpoint_id"}))

	// Younger than the freshness threshold: back to pending, no results.
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_1", model.StatusPending, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionStaleEmptyWindowUnattributed(t *testing.T) {
	tly, mock := newTestTally(t)
	occurred := time.Now().Add(-3 * time.Hour)

	expectPipelineSettings(mock, 5)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusPending, 5000, 0, occurred))
	expectClaim(mock, 1)
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.touchpoints").
		WillReturnRows(sqlmock.NewRows([]string{"touchpoint_id"}))

	// Past the freshness threshold with nothing in the window: the empty
	// outcome is stored and the conversion parks as unattributed.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tally.conversions SET status").
		WithArgs("tenant-1", "cnv_1", model.StatusUnattributed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionFailureIncrementsAttempts(t *testing.T) {
	tly, mock := newTestTally(t)
	occurred := time.Now().Add(-time.Hour)

	expectPipelineSettings(mock, 5)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusPending, 5000, 0, occurred))
	expectClaim(mock, 1)
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.touchpoints").
		WillReturnError(sql.ErrConnDone)

	mock.ExpectQuery("UPDATE tally.conversions SET attempts").
		WithArgs("tenant-1", "cnv_1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_1", model.StatusUnattributed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The failure propagates so the queue retries the task.
	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessConversionQuarantinesAfterMaxAttempts(t *testing.T) {
	tly, mock := newTestTally(t)
	occurred := time.Now().Add(-time.Hour)

	expectPipelineSettings(mock, 3)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_1", "tenant-1", "order-1", "visitor-1", model.StatusPending, 5000, 2, occurred))
	expectClaim(mock, 1)
	mock.ExpectQuery("SELECT identity_id FROM tally.identity_members").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.touchpoints").
		WillReturnError(sql.ErrConnDone)

	mock.ExpectQuery("UPDATE tally.conversions SET attempts").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(3))
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_1", model.StatusQuarantined, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Quarantine is terminal: the handler reports success so the task is
	// not retried.
	err := tly.ProcessConversion(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
