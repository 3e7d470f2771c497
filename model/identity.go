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

import "time"

// StitchedIdentity is an equivalence class of visitor ids believed to belong
// to the same person. Identities only ever grow: merges are transitive and
// idempotent, and an identity is never split once created.
type StitchedIdentity struct {
	ID         int64     `json:"-"`
	IdentityID string    `json:"identity_id"`
	TenantID   string    `json:"tenant_id"`
	VisitorIDs []string  `json:"visitor_ids"`
	MergedAt   time.Time `json:"merged_at"`
}

// HasVisitor reports whether visitorID is already a member of the identity.
func (s *StitchedIdentity) HasVisitor(visitorID string) bool {
	for _, v := range s.VisitorIDs {
		if v == visitorID {
			return true
		}
	}
	return false
}
