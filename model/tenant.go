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

// TenantSettings holds a tenant's attribution overrides and the ad platforms
// the tenant forwards conversions to.
type TenantSettings struct {
	TenantID    string              `json:"tenant_id"`
	Attribution AttributionSettings `json:"attribution"`
	Platforms   []string            `json:"platforms"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// ChannelCredit is one row of the channel summary report: total credited
// revenue for one channel under one model.
type ChannelCredit struct {
	Channel      string  `json:"channel"`
	Model        string  `json:"model"`
	RevenueCents int64   `json:"revenue_cents"`
	Conversions  int64   `json:"conversions"`
	AvgFraction  float64 `json:"avg_fraction"`
}
