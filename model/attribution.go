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
	"fmt"
	"math"
	"sort"
	"time"
)

// Attribution model names. Every conversion is computed under all models in
// a single pass.
const (
	ModelFirstTouch    = "first_touch"
	ModelLastTouch     = "last_touch"
	ModelLinear        = "linear"
	ModelTimeDecay     = "time_decay"
	ModelPositionBased = "position_based"
)

// AllModels lists the supported attribution models in a fixed order.
var AllModels = []string{ModelFirstTouch, ModelLastTouch, ModelLinear, ModelTimeDecay, ModelPositionBased}

// IsValidModel reports whether name is a supported attribution model.
func IsValidModel(name string) bool {
	for _, m := range AllModels {
		if m == name {
			return true
		}
	}
	return false
}

// AttributionSettings holds the per-tenant knobs the calculator and pipeline
// run with. Settings are always passed in explicitly; the calculator never
// reads ambient configuration, which keeps computation deterministic and
// testable.
type AttributionSettings struct {
	LookbackWindow     time.Duration `json:"lookback_window"`
	TimeDecayHalfLife  time.Duration `json:"time_decay_half_life"`
	FreshnessThreshold time.Duration `json:"freshness_threshold"`
	RecalcWindow       time.Duration `json:"recalc_window"`
	MaxAttempts        int           `json:"max_attempts"`
}

// DefaultAttributionSettings returns the settings applied when a tenant has
// no stored overrides.
func DefaultAttributionSettings() AttributionSettings {
	return AttributionSettings{
		LookbackWindow:     30 * 24 * time.Hour,
		TimeDecayHalfLife:  7 * 24 * time.Hour,
		FreshnessThreshold: 2 * time.Hour,
		RecalcWindow:       3 * 24 * time.Hour,
		MaxAttempts:        5,
	}
}

// MaxLookbackWindow caps the tenant-configurable lookback window.
const MaxLookbackWindow = 90 * 24 * time.Hour

// Validate checks the settings are usable and clamps nothing silently.
func (s AttributionSettings) Validate() error {
	if s.LookbackWindow <= 0 {
		return fmt.Errorf("lookback window must be positive, got %s", s.LookbackWindow)
	}
	if s.LookbackWindow > MaxLookbackWindow {
		return fmt.Errorf("lookback window %s exceeds maximum of %s", s.LookbackWindow, MaxLookbackWindow)
	}
	if s.TimeDecayHalfLife <= 0 {
		return fmt.Errorf("time decay half life must be positive, got %s", s.TimeDecayHalfLife)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", s.MaxAttempts)
	}
	return nil
}

// Allocation is one touchpoint's share of a conversion under one model.
type Allocation struct {
	TouchpointID   string  `json:"touchpoint_id"`
	Channel        string  `json:"channel"`
	CreditFraction float64 `json:"credit_fraction"`
	RevenueCents   int64   `json:"revenue_cents"`
}

// AttributionResult is one model's full credit allocation for one conversion.
// Results are overwritten wholesale on recompute, never patched.
type AttributionResult struct {
	ConversionID string       `json:"conversion_id"`
	TenantID     string       `json:"tenant_id"`
	Model        string       `json:"model"`
	Allocations  []Allocation `json:"allocations"`
}

// ErrNoEligibleTouchpoints is returned by ComputeAttributions when the window
// filter leaves nothing to allocate credit to. This is a legitimate
// "unattributed" outcome, not a failure.
var ErrNoEligibleTouchpoints = fmt.Errorf("no eligible touchpoints within lookback window")

// EligibleTouchpoints applies the lookback window filter and returns the
// touchpoints the calculator will see, sorted by OccurredAt with ties broken
// by touchpoint id ascending. A touchpoint at exactly
// conversion.OccurredAt - lookback is included; anything older, or at or
// after the conversion time, is excluded.
func EligibleTouchpoints(touchpoints []*Touchpoint, conversion *Conversion, settings AttributionSettings) []*Touchpoint {
	windowStart := conversion.OccurredAt.Add(-settings.LookbackWindow)
	eligible := make([]*Touchpoint, 0, len(touchpoints))
	for _, tp := range touchpoints {
		if tp.OccurredAt.Before(windowStart) {
			continue
		}
		if !tp.OccurredAt.Before(conversion.OccurredAt) {
			continue
		}
		eligible = append(eligible, tp)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].OccurredAt.Equal(eligible[j].OccurredAt) {
			return eligible[i].TouchpointID < eligible[j].TouchpointID
		}
		return eligible[i].OccurredAt.Before(eligible[j].OccurredAt)
	})
	return eligible
}

// ComputeAttributions computes credit allocations for a conversion under all
// five models in one pass. It is a pure function: no I/O, no clock reads, no
// ambient configuration. For a fixed touchpoint set, conversion, and settings
// the output is identical on every call.
//
// Returns ErrNoEligibleTouchpoints when the window filter leaves an empty set.
func ComputeAttributions(touchpoints []*Touchpoint, conversion *Conversion, settings AttributionSettings) ([]*AttributionResult, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	eligible := EligibleTouchpoints(touchpoints, conversion, settings)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleTouchpoints
	}

	results := make([]*AttributionResult, 0, len(AllModels))
	for _, name := range AllModels {
		weights := modelWeights(name, eligible, conversion, settings)
		allocations := buildAllocations(eligible, weights, conversion.RevenueCents)
		results = append(results, &AttributionResult{
			ConversionID: conversion.ConversionID,
			TenantID:     conversion.TenantID,
			Model:        name,
			Allocations:  allocations,
		})
	}
	return results, nil
}

// modelWeights returns the normalized credit fraction per eligible touchpoint
// for one model. Weights always sum to 1 within floating tolerance.
func modelWeights(name string, eligible []*Touchpoint, conversion *Conversion, settings AttributionSettings) []float64 {
	n := len(eligible)
	weights := make([]float64, n)

	switch name {
	case ModelFirstTouch:
		weights[0] = 1.0
	case ModelLastTouch:
		weights[n-1] = 1.0
	case ModelLinear:
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
	case ModelTimeDecay:
		halfLife := settings.TimeDecayHalfLife.Seconds()
		var total float64
		for i, tp := range eligible {
			age := conversion.OccurredAt.Sub(tp.OccurredAt).Seconds()
			weights[i] = math.Exp2(-age / halfLife)
			total += weights[i]
		}
		for i := range weights {
			weights[i] /= total
		}
	case ModelPositionBased:
		switch n {
		case 1:
			weights[0] = 1.0
		case 2:
			weights[0], weights[1] = 0.5, 0.5
		default:
			weights[0] = 0.4
			weights[n-1] = 0.4
			middle := 0.2 / float64(n-2)
			for i := 1; i < n-1; i++ {
				weights[i] = middle
			}
		}
	}
	return weights
}

// buildAllocations converts fractional weights into integer-cent revenue
// shares that sum exactly to revenueCents. Each share is floored, then the
// leftover cents are handed out one at a time in order of largest fractional
// part, ties broken by position (earliest OccurredAt first, since eligible is
// already sorted). Stored credit fractions are rounded to six decimal places
// so equal rows serialize identically across runs; cent math uses the raw
// weights.
func buildAllocations(eligible []*Touchpoint, weights []float64, revenueCents int64) []Allocation {
	n := len(eligible)
	allocations := make([]Allocation, n)
	fractionals := make([]float64, n)

	var assigned int64
	for i, tp := range eligible {
		exact := float64(revenueCents) * weights[i]
		floored := int64(math.Floor(exact))
		fractionals[i] = exact - float64(floored)
		allocations[i] = Allocation{
			TouchpointID:   tp.TouchpointID,
			Channel:        tp.Channel,
			CreditFraction: roundFraction(weights[i]),
			RevenueCents:   floored,
		}
		assigned += floored
	}

	remainder := revenueCents - assigned
	if remainder <= 0 {
		return allocations
	}

	// Order positions by descending fractional part; stable sort keeps the
	// earliest touchpoint first on ties.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fractionals[order[a]] > fractionals[order[b]]
	})

	for i := int64(0); i < remainder; i++ {
		allocations[order[i%int64(n)]].RevenueCents++
	}
	return allocations
}

// roundFraction fixes a credit fraction at six decimal places.
func roundFraction(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

// TotalRevenueCents sums the revenue assigned across allocations. The
// conservation invariant requires this to equal the conversion's revenue
// exactly.
func (r *AttributionResult) TotalRevenueCents() int64 {
	var total int64
	for _, a := range r.Allocations {
		total += a.RevenueCents
	}
	return total
}

// VerifyConservation returns an error when the allocations leak or invent
// revenue. A failure here is a data-integrity fault, not a retryable
// condition.
func (r *AttributionResult) VerifyConservation(revenueCents int64) error {
	if got := r.TotalRevenueCents(); got != revenueCents {
		return fmt.Errorf("allocation sum mismatch for model %s: allocated %d cents, conversion has %d", r.Model, got, revenueCents)
	}
	return nil
}
