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
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Forwarding record status values. At most one record per
// (conversion, platform) pair ever reaches StatusSent.
const (
	ForwardStatusPending          = "pending"
	ForwardStatusSent             = "sent"
	ForwardStatusFailed           = "failed"
	ForwardStatusSkippedDuplicate = "skipped_duplicate"
)

// ForwardingRecord tracks delivery of one conversion's purchase event to one
// external ad platform. The record is the source of truth for the
// exactly-once guarantee: forwarding state lives here, never in memory.
type ForwardingRecord struct {
	ID            int64     `json:"-"`
	ConversionID  string    `json:"conversion_id"`
	TenantID      string    `json:"tenant_id"`
	Platform      string    `json:"platform"`
	DedupeKey     string    `json:"dedupe_key"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// DedupeKey derives the deterministic event id used both for the local
// duplicate check and as the platform's own event-id field. Deriving it from
// (orderID, platform) means a re-created conversion for the same order still
// deduplicates on the platform side even if the local check races.
func DedupeKey(orderID, platform string) string {
	sum := sha256.Sum256([]byte(orderID + ":" + platform))
	return hex.EncodeToString(sum[:])
}
