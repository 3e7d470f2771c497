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
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/usetally/tally/config"
	"github.com/usetally/tally/database"
	"github.com/usetally/tally/internal/apierror"
	"github.com/usetally/tally/internal/cache"
	redis_db "github.com/usetally/tally/internal/redis-db"
	"github.com/usetally/tally/model"
	"github.com/usetally/tally/platform"
)

var tracer = otel.Tracer("tally.engine")

// Tally is the attribution engine. It owns the datasource, the Redis client
// backing leases and caches, the task queue, and the registered ad-platform
// clients. All API handlers and queue workers go through this struct.
type Tally struct {
	queue       *Queue
	redis       redis.UniversalClient
	datasource  database.IDataSource
	cache       cache.Cache
	platforms   map[string]platform.Client
	credentials platform.CredentialResolver

	limiters sync.Map // tenantID -> *rate.Limiter, forwarding throttle
}

// NewTally initializes the engine with the provided datasource and platform
// credential resolver. Configuration must have been loaded before this is
// called.
func NewTally(db database.IDataSource, credentials platform.CredentialResolver) (*Tally, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	ca, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	newTally := &Tally{
		datasource:  db,
		queue:       newQueue,
		redis:       redisClient.Client(),
		cache:       ca,
		platforms:   platform.ClientsFromConfig(configuration),
		credentials: credentials,
	}
	return newTally, nil
}

// Queue exposes the underlying task queue, used by the workers command to
// share the queue's client for sweeps.
func (l *Tally) Queue() *Queue {
	return l.queue
}

// SettingsForTenant returns the attribution settings and forwarding platforms
// in effect for a tenant: stored overrides when present, configured defaults
// otherwise.
func (l *Tally) SettingsForTenant(ctx context.Context, tenantID string) (model.AttributionSettings, []string, error) {
	stored, err := l.datasource.GetTenantSettings(ctx, tenantID)
	if err != nil {
		if apierror.IsNotFound(err) {
			cnf, cfgErr := config.Fetch()
			if cfgErr != nil {
				return model.AttributionSettings{}, nil, cfgErr
			}
			settings := model.AttributionSettings{
				LookbackWindow:     cnf.AttributionLookback(),
				TimeDecayHalfLife:  cnf.AttributionHalfLife(),
				FreshnessThreshold: cnf.AttributionFreshness(),
				RecalcWindow:       cnf.AttributionRecalcWindow(),
				MaxAttempts:        cnf.Attribution.MaxAttempts,
			}
			return settings, registeredPlatforms(l.platforms), nil
		}
		return model.AttributionSettings{}, nil, err
	}
	return stored.Attribution, stored.Platforms, nil
}

// UpdateTenantSettings validates and stores a tenant's overrides.
func (l *Tally) UpdateTenantSettings(ctx context.Context, settings *model.TenantSettings) error {
	if settings.TenantID == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "tenant_id is required", nil)
	}
	if err := settings.Attribution.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	for _, p := range settings.Platforms {
		if _, ok := l.platforms[p]; !ok {
			return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown forwarding platform: %s", p), nil)
		}
	}
	return l.datasource.UpsertTenantSettings(ctx, settings)
}

// GetTenantSettings returns a tenant's stored overrides.
func (l *Tally) GetTenantSettings(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	return l.datasource.GetTenantSettings(ctx, tenantID)
}

func registeredPlatforms(clients map[string]platform.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	return names
}

// tenantLimiter returns the per-tenant forwarding rate limiter, creating it
// on first use.
func (l *Tally) tenantLimiter(tenantID string) *rate.Limiter {
	if v, ok := l.limiters.Load(tenantID); ok {
		return v.(*rate.Limiter)
	}
	cnf, err := config.Fetch()
	rps, burst := 10.0, 20
	if err == nil {
		rps = cnf.Forwarding.TenantRatePerSec
		burst = cnf.Forwarding.TenantRateBurst
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	actual, _ := l.limiters.LoadOrStore(tenantID, limiter)
	return actual.(*rate.Limiter)
}
