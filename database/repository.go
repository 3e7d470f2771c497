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

package database

import (
	"context"
	"time"

	"github.com/usetally/tally/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	touchpoint     // Append-only touchpoint writes and window reads
	identity       // Stitched identity membership and strong keys
	conversion     // Conversion lifecycle including claim semantics
	attribution    // Attribution result upserts and reads
	forwarding     // Forwarding record state
	tenantSettings // Per-tenant attribution overrides
}

// touchpoint defines methods for the append-only touchpoint store.
type touchpoint interface {
	RecordTouchpoint(ctx context.Context, tp *model.Touchpoint) (*model.Touchpoint, error)                                                 // Appends a touchpoint and registers its strong keys
	GetTouchpointsForVisitors(ctx context.Context, tenantID string, visitorIDs []string, from, to time.Time) ([]*model.Touchpoint, error)  // Window read across an identity's visitor ids
	CountTouchpoints(ctx context.Context, tenantID string) (int64, error)                                                                  // Tenant touchpoint count, used by reporting
}

// identity defines methods for identity stitching.
type identity interface {
	GetIdentityByVisitor(ctx context.Context, tenantID, visitorID string) (*model.StitchedIdentity, error) // Resolves a visitor to its identity, if any
	GetIdentity(ctx context.Context, tenantID, identityID string) (*model.StitchedIdentity, error)         // Loads an identity with its members
	CreateIdentity(ctx context.Context, idn *model.StitchedIdentity) error                                 // Creates an identity with initial members
	AddVisitorsToIdentity(ctx context.Context, tenantID, identityID string, visitorIDs []string) error     // Extends an identity's membership
	MergeIdentities(ctx context.Context, tenantID, winnerID string, loserIDs []string) error               // Repoints members of losers onto the winner
	GetVisitorsByStrongKeys(ctx context.Context, tenantID string, keys []string) ([]string, error)         // Visitors sharing any of the strong keys
}

// conversion defines methods for the conversion lifecycle.
type conversion interface {
	RecordConversion(ctx context.Context, cnv *model.Conversion) (*model.Conversion, error)                                     // Idempotent insert keyed on (tenant, order)
	GetConversion(ctx context.Context, tenantID, conversionID string) (*model.Conversion, error)                                // Retrieves a conversion by id
	GetConversionByOrderID(ctx context.Context, tenantID, orderID string) (*model.Conversion, error)                            // Retrieves a conversion by order reference
	ClaimConversion(ctx context.Context, tenantID, conversionID string, lease time.Duration) (bool, error)                      // Claims the row unless already processing within the lease
	UpdateConversionStatus(ctx context.Context, tenantID, conversionID, status, lastError string) error                         // Moves the conversion to a new state
	IncrementConversionAttempts(ctx context.Context, tenantID, conversionID string) (int, error)                                // Bumps attempts, returning the new value
	GetRetryableConversions(ctx context.Context, tenantID string, pendingOlderThan time.Duration, limit int) ([]*model.Conversion, error) // Stuck-sweep candidates
	GetAttributedConversionsSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]*model.Conversion, error)          // Recalculation-sweep candidates
	GetUndeliveredConversions(ctx context.Context, tenantID string, limit int) ([]*model.Conversion, error)                               // Attributed rows with unfinished forwarding records
	GetTenantIDs(ctx context.Context) ([]string, error)                                                                                  // Tenants with recorded conversions
}

// attribution defines methods for attribution results.
type attribution interface {
	UpsertAttributionResults(ctx context.Context, cnv *model.Conversion, results []*model.AttributionResult, status string) error // Atomically overwrites all models and transitions status
	GetAttributionResult(ctx context.Context, tenantID, conversionID, mdl string) (*model.AttributionResult, error)               // One model's allocation
	GetAttributionResults(ctx context.Context, tenantID, conversionID string) ([]*model.AttributionResult, error)                 // All models for a conversion
	GetChannelSummary(ctx context.Context, tenantID, mdl string, from, to time.Time) ([]*model.ChannelCredit, error)              // Credited revenue aggregated by channel
}

// forwarding defines methods for forwarding delivery state.
type forwarding interface {
	EnsureForwardingRecord(ctx context.Context, rec *model.ForwardingRecord) error                                    // Creates the record if absent, no-op otherwise
	GetForwardingRecord(ctx context.Context, conversionID, platform string) (*model.ForwardingRecord, error)          // Loads delivery state for one platform
	GetForwardingRecords(ctx context.Context, conversionID string) ([]*model.ForwardingRecord, error)                 // All platforms for a conversion
	MarkForwardingSent(ctx context.Context, conversionID, platform string) (bool, error)                              // Transitions to sent unless already sent
	UpdateForwardingFailure(ctx context.Context, conversionID, platform, status, lastError string) error              // Records a failed or exhausted attempt
}

// tenantSettings defines methods for per-tenant configuration overrides.
type tenantSettings interface {
	GetTenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error) // Stored overrides, ErrNotFound when none
	UpsertTenantSettings(ctx context.Context, settings *model.TenantSettings) error        // Creates or replaces overrides
}
