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

// Touchpoint is a single marketing interaction by a visitor. Touchpoints are
// append-only: once written they are never mutated, and OccurredAt is the
// authoritative ordering key for attribution.
type Touchpoint struct {
	ID                 int64             `json:"-"`
	TouchpointID       string            `json:"touchpoint_id"`
	TenantID           string            `json:"tenant_id"`
	VisitorID          string            `json:"visitor_id"`
	StitchedIdentityID string            `json:"stitched_identity_id,omitempty"`
	SessionID          string            `json:"session_id,omitempty"`
	Channel            string            `json:"channel"`
	Campaign           string            `json:"campaign,omitempty"`
	AdsetID            string            `json:"adset_id,omitempty"`
	AdID               string            `json:"ad_id,omitempty"`
	ClickIDs           map[string]string `json:"click_ids,omitempty"`
	SourceURL          string            `json:"source_url,omitempty"`
	UTMSource          string            `json:"utm_source,omitempty"`
	UTMMedium          string            `json:"utm_medium,omitempty"`
	UTMCampaign        string            `json:"utm_campaign,omitempty"`
	CustomerID         string            `json:"customer_id,omitempty"`
	EmailHash          string            `json:"email_hash,omitempty"`
	OccurredAt         time.Time         `json:"occurred_at"`
	CreatedAt          time.Time         `json:"created_at"`
}

func (t *Touchpoint) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// StrongKeys returns the deterministic matching keys that the identity
// resolver can stitch on: verified customer id, verified email hash, and
// platform click ids. Weak signals (session id, source url) are deliberately
// not returned.
func (t *Touchpoint) StrongKeys() []string {
	var keys []string
	if t.CustomerID != "" {
		keys = append(keys, "customer:"+t.CustomerID)
	}
	if t.EmailHash != "" {
		keys = append(keys, "email:"+t.EmailHash)
	}
	for platform, clickID := range t.ClickIDs {
		if clickID != "" {
			keys = append(keys, "click:"+platform+":"+clickID)
		}
	}
	return keys
}
