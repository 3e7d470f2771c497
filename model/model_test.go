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

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("cnv")
	assert.Contains(t, id, "cnv_")
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("cnv"))
}

func TestDedupeKeyDeterministic(t *testing.T) {
	key := DedupeKey("order-123", "meta")
	assert.Equal(t, key, DedupeKey("order-123", "meta"))
	assert.Len(t, key, 64)

	assert.NotEqual(t, key, DedupeKey("order-123", "ga4"))
	assert.NotEqual(t, key, DedupeKey("order-124", "meta"))
}

func TestTouchpointStrongKeys(t *testing.T) {
	tp := &Touchpoint{
		VisitorID:  "v_1",
		SessionID:  "sess_1",
		CustomerID: "cust_9",
		EmailHash:  "abcd1234",
		ClickIDs:   map[string]string{"meta": "fbclid-xyz", "google": ""},
	}

	keys := tp.StrongKeys()
	assert.Contains(t, keys, "customer:cust_9")
	assert.Contains(t, keys, "email:abcd1234")
	assert.Contains(t, keys, "click:meta:fbclid-xyz")
	// Weak signals and empty click ids never become keys.
	assert.Len(t, keys, 3)
}

func TestConversionStateHelpers(t *testing.T) {
	cnv := &Conversion{Status: StatusAttributed, OccurredAt: time.Now().Add(-3 * time.Hour)}
	assert.True(t, cnv.IsTerminal())
	assert.False(t, cnv.IsRetryable())

	cnv.Status = StatusQuarantined
	assert.True(t, cnv.IsTerminal())

	for _, status := range []string{StatusPending, StatusUnattributed, StatusForwardFailed} {
		cnv.Status = status
		assert.False(t, cnv.IsTerminal(), status)
		assert.True(t, cnv.IsRetryable(), status)
	}

	cnv.Status = StatusProcessing
	assert.False(t, cnv.IsRetryable())

	assert.InDelta(t, 3*time.Hour, cnv.Age(time.Now()), float64(time.Minute))
}

func TestStitchedIdentityHasVisitor(t *testing.T) {
	idn := &StitchedIdentity{VisitorIDs: []string{"v_1", "v_2"}}
	assert.True(t, idn.HasVisitor("v_2"))
	assert.False(t, idn.HasVisitor("v_3"))
}
