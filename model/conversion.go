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
	"encoding/json"
	"time"
)

// Conversion status values. A conversion is created in StatusPending and is
// only ever moved by the pipeline or the sweeper. StatusAttributed and
// StatusQuarantined are terminal.
const (
	StatusPending       = "pending"
	StatusProcessing    = "processing"
	StatusAttributed    = "attributed"
	StatusUnattributed  = "unattributed"
	StatusForwardFailed = "forward_failed"
	StatusQuarantined   = "quarantined"
)

// Conversion is a completed purchase eligible for attribution. OrderID is
// unique per tenant: reprocessing the same order updates the existing row and
// never inserts a duplicate.
type Conversion struct {
	ID                  int64     `json:"-"`
	ConversionID        string    `json:"conversion_id"`
	TenantID            string    `json:"tenant_id"`
	OrderID             string    `json:"order_id"`
	VisitorID           string    `json:"visitor_id,omitempty"`
	CustomerID          string    `json:"customer_id,omitempty"`
	RevenueCents        int64     `json:"revenue_cents"`
	Currency            string    `json:"currency"`
	Status              string    `json:"status"`
	Attempts            int       `json:"attempts"`
	LastError           string    `json:"last_error,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
	CreatedAt           time.Time `json:"created_at"`
	ProcessingStartedAt time.Time `json:"processing_started_at,omitempty"`
}

func (c *Conversion) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// IsTerminal reports whether the conversion has reached a state the sweeper
// must never re-drive.
func (c *Conversion) IsTerminal() bool {
	return c.Status == StatusAttributed || c.Status == StatusQuarantined
}

// IsRetryable reports whether the sweeper may push the conversion back
// through the pipeline.
func (c *Conversion) IsRetryable() bool {
	switch c.Status {
	case StatusPending, StatusUnattributed, StatusForwardFailed:
		return true
	}
	return false
}

// Age returns how long ago the conversion occurred, relative to now.
func (c *Conversion) Age(now time.Time) time.Duration {
	return now.Sub(c.OccurredAt)
}
