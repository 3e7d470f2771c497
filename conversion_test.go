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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/model"
)

func conversionRows(conversionID, tenantID, orderID, visitorID, status string, revenueCents int64, attempts int, occurredAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"conversion_id", "tenant_id", "order_id", "visitor_id", "customer_id",
		"revenue_cents", "currency", "status", "attempts", "last_error",
		"occurred_at", "created_at", "processing_started_at",
	}).AddRow(conversionID, tenantID, orderID, visitorID, "", revenueCents, "USD", status, attempts, "", occurredAt, time.Now(), time.Time{})
}

func TestRecordConversion(t *testing.T) {
	tly, mock := newTestTally(t)

	cnv := &model.Conversion{
		TenantID:     "tenant-1",
		OrderID:      gofakeit.UUID(),
		VisitorID:    "visitor-1",
		RevenueCents: 12500,
		Currency:     "USD",
		OccurredAt:   time.Now().Add(-time.Hour),
	}

	mock.ExpectQuery("INSERT INTO tally.conversions").
		WithArgs(sqlmock.AnyArg(), cnv.TenantID, cnv.OrderID, cnv.VisitorID, "", cnv.RevenueCents, "USD", model.StatusPending, cnv.OccurredAt, sqlmock.AnyArg()).
		WillReturnRows(conversionRows("cnv_new", cnv.TenantID, cnv.OrderID, cnv.VisitorID, model.StatusPending, cnv.RevenueCents, 0, cnv.OccurredAt))

	saved, err := tly.RecordConversion(context.Background(), cnv)
	assert.NoError(t, err)
	assert.Equal(t, "cnv_new", saved.ConversionID)
	assert.Equal(t, model.StatusPending, saved.Status)

	// The queued task carries the stored conversion, keyed by its id.
	queued, err := tly.Queue().GetConversionFromQueue("cnv_new")
	assert.NoError(t, err)
	if assert.NotNil(t, queued) {
		assert.Equal(t, cnv.OrderID, queued.OrderID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordConversionReplaySameOrder(t *testing.T) {
	tly, mock := newTestTally(t)

	cnv := &model.Conversion{
		TenantID:     "tenant-1",
		OrderID:      "order-77",
		RevenueCents: 9900,
		Currency:     "USD",
		OccurredAt:   time.Now().Add(-48 * time.Hour),
	}

	// The upsert hits the (tenant, order) conflict and hands back the row
	// already attributed by an earlier run.
	mock.ExpectQuery("INSERT INTO tally.conversions").
		WillReturnRows(conversionRows("cnv_existing", cnv.TenantID, cnv.OrderID, "", model.StatusAttributed, cnv.RevenueCents, 1, cnv.OccurredAt))

	saved, err := tly.RecordConversion(context.Background(), cnv)
	assert.NoError(t, err)
	assert.Equal(t, "cnv_existing", saved.ConversionID)
	assert.Equal(t, model.StatusAttributed, saved.Status)

	// Terminal conversions are never re-enqueued.
	queued, err := tly.Queue().GetConversionFromQueue("cnv_existing")
	assert.NoError(t, err)
	assert.Nil(t, queued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordConversionValidation(t *testing.T) {
	tly, _ := newTestTally(t)

	tests := []struct {
		name string
		cnv  *model.Conversion
	}{
		{"missing tenant", &model.Conversion{OrderID: "o1", RevenueCents: 100, Currency: "USD", OccurredAt: time.Now()}},
		{"missing order", &model.Conversion{TenantID: "t1", RevenueCents: 100, Currency: "USD", OccurredAt: time.Now()}},
		{"negative revenue", &model.Conversion{TenantID: "t1", OrderID: "o1", RevenueCents: -1, Currency: "USD", OccurredAt: time.Now()}},
		{"missing currency", &model.Conversion{TenantID: "t1", OrderID: "o1", RevenueCents: 100, OccurredAt: time.Now()}},
		{"missing occurred_at", &model.Conversion{TenantID: "t1", OrderID: "o1", RevenueCents: 100, Currency: "USD"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tly.RecordConversion(context.Background(), tt.cnv)
			assert.Error(t, err)
		})
	}
}

func TestGetAttributionResultsCachesReads(t *testing.T) {
	tly, mock := newTestTally(t)

	resultRows := sqlmock.NewRows([]string{"conversion_id", "tenant_id", "model", "allocations"}).
		AddRow("cnv_1", "tenant-1", model.ModelLastTouch, []byte(`[{"touchpoint_id":"tp_1","channel":"direct","credit_fraction":1,"revenue_cents":5000}]`))

	// One database read; the second call is served from cache.
	mock.ExpectQuery("FROM tally.attribution_results").
		WithArgs("tenant-1", "cnv_1").
		WillReturnRows(resultRows)

	first, err := tly.GetAttributionResults(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := tly.GetAttributionResults(context.Background(), "tenant-1", "cnv_1")
	assert.NoError(t, err)
	assert.Len(t, second, 1)
	assert.Equal(t, first[0].Model, second[0].Model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttributionResultRejectsUnknownModel(t *testing.T) {
	tly, _ := newTestTally(t)

	_, err := tly.GetAttributionResult(context.Background(), "tenant-1", "cnv_1", "markov_chain")
	assert.Error(t, err)
}
