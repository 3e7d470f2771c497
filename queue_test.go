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

	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/model"
)

func testQueueConversion(conversionID string) *model.Conversion {
	return &model.Conversion{
		ConversionID: conversionID,
		TenantID:     "tenant-1",
		OrderID:      "order-1",
		RevenueCents: 5000,
		Currency:     "USD",
		Status:       model.StatusPending,
		OccurredAt:   time.Now(),
	}
}

func TestEnqueueConversion(t *testing.T) {
	tly, _ := newTestTally(t)
	q := tly.Queue()

	err := q.Enqueue(context.Background(), testQueueConversion("cnv_q1"))
	assert.NoError(t, err)

	queued, err := q.GetConversionFromQueue("cnv_q1")
	assert.NoError(t, err)
	if assert.NotNil(t, queued) {
		assert.Equal(t, "tenant-1", queued.TenantID)
	}
}

func TestEnqueueConversionDeduplicatesOnTaskID(t *testing.T) {
	tly, _ := newTestTally(t)
	q := tly.Queue()

	cnv := testQueueConversion("cnv_q2")
	assert.NoError(t, q.Enqueue(context.Background(), cnv))

	// The task id is the conversion id, so a second enqueue of the same
	// conversion is swallowed instead of producing a duplicate task.
	assert.NoError(t, q.Enqueue(context.Background(), cnv))

	queued, err := q.GetConversionFromQueue("cnv_q2")
	assert.NoError(t, err)
	assert.NotNil(t, queued)
}

func TestEnqueueSweepDeduplicates(t *testing.T) {
	tly, _ := newTestTally(t)
	q := tly.Queue()

	assert.NoError(t, q.EnqueueSweep(context.Background(), "tenant-1", SweepModeStuck))
	assert.NoError(t, q.EnqueueSweep(context.Background(), "tenant-1", SweepModeStuck))
}

func TestHashTenantIDIsStable(t *testing.T) {
	first := hashTenantID("tenant-1")
	second := hashTenantID("tenant-1")
	assert.Equal(t, first, second)
	assert.NotEqual(t, hashTenantID("tenant-1"), hashTenantID("tenant-2"))
}
