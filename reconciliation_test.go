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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/model"
)

// expectNoUndelivered stubs the stuck sweep's second pass, which looks for
// attributed conversions whose forwarding never finished.
func expectNoUndelivered(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM tally.conversions").
		WithArgs("tenant-1", model.StatusAttributed, model.ForwardStatusSent, model.ForwardStatusSkippedDuplicate, sweepBatchLimit).
		WillReturnRows(sqlmock.NewRows([]string{"conversion_id"}))
}

func TestSweepStuckRequeues(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.conversions").
		WithArgs("tenant-1", model.StatusUnattributed, model.StatusForwardFailed, model.StatusPending, "7200 seconds", sweepBatchLimit).
		WillReturnRows(conversionRows("cnv_stuck", "tenant-1", "order-1", "visitor-1", model.StatusUnattributed, 5000, 1, time.Now().Add(-6*time.Hour)))
	expectNoUndelivered(mock)

	result, err := tly.RunReconciliationSweep(context.Background(), "tenant-1", SweepModeStuck)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, 0, result.Quarantined)

	queued, err := tly.Queue().GetConversionFromQueue("cnv_stuck")
	assert.NoError(t, err)
	assert.NotNil(t, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepStuckQuarantinesExhaustedAttempts(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(conversionRows("cnv_dead", "tenant-1", "order-2", "visitor-1", model.StatusUnattributed, 5000, 5, time.Now().Add(-24*time.Hour)))
	expectNoUndelivered(mock)
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_dead", model.StatusQuarantined, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := tly.RunReconciliationSweep(context.Background(), "tenant-1", SweepModeStuck)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Quarantined)
	assert.Equal(t, 0, result.Requeued)

	// Quarantined conversions never go back on the queue.
	queued, err := tly.Queue().GetConversionFromQueue("cnv_dead")
	assert.NoError(t, err)
	assert.Nil(t, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepStuckReopensUndeliveredConversions(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(sqlmock.NewRows([]string{"conversion_id"}))

	// An attributed conversion kept a pending forwarding record: a crash
	// landed between the attributed transition and delivery. The sweep
	// reopens it as forward_failed and requeues, so the pipeline finishes
	// delivery off its stored results.
	mock.ExpectQuery("FROM tally.conversions").
		WithArgs("tenant-1", model.StatusAttributed, model.ForwardStatusSent, model.ForwardStatusSkippedDuplicate, sweepBatchLimit).
		WillReturnRows(conversionRows("cnv_undelivered", "tenant-1", "order-4", "visitor-1", model.StatusAttributed, 5000, 1, time.Now().Add(-6*time.Hour)))
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_undelivered", model.StatusForwardFailed, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := tly.RunReconciliationSweep(context.Background(), "tenant-1", SweepModeStuck)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 1, result.Requeued)

	queued, err := tly.Queue().GetConversionFromQueue("cnv_undelivered")
	assert.NoError(t, err)
	assert.NotNil(t, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepRecalculateReopensAndRequeues(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.conversions").
		WithArgs("tenant-1", model.StatusAttributed, sqlmock.AnyArg(), sweepBatchLimit).
		WillReturnRows(conversionRows("cnv_recalc", "tenant-1", "order-3", "visitor-1", model.StatusAttributed, 5000, 1, time.Now().Add(-24*time.Hour)))

	// The claim refuses attributed conversions, so the sweep reopens the row
	// before enqueueing it.
	mock.ExpectExec("UPDATE tally.conversions").
		WithArgs("tenant-1", "cnv_recalc", model.StatusPending, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := tly.RunReconciliationSweep(context.Background(), "tenant-1", SweepModeRecalculate)
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)

	queued, err := tly.Queue().GetConversionFromQueue("cnv_recalc")
	assert.NoError(t, err)
	assert.NotNil(t, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepRejectsUnknownMode(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnError(sql.ErrNoRows)

	_, err := tly.RunReconciliationSweep(context.Background(), "tenant-1", "vacuum")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sweep mode")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepWithoutTenantFansOutToAllTenants(t *testing.T) {
	tly, mock := newTestTally(t)

	mock.ExpectQuery("SELECT DISTINCT tenant_id FROM tally.conversions").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-1"))
	mock.ExpectQuery("FROM tally.tenant_settings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM tally.conversions").
		WillReturnRows(sqlmock.NewRows([]string{"conversion_id"}))
	expectNoUndelivered(mock)

	err := tly.sweepAllTenants(context.Background(), SweepModeStuck)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
