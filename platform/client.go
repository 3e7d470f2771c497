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

// Package platform holds the adapters for external ad-measurement APIs. Each
// adapter turns a purchase event into the platform's wire shape and carries
// the dedupe key in the platform's canonical event-id field, so the platform
// drops duplicates even when the local check races.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Supported platform names.
const (
	PlatformMeta = "meta"
	PlatformGA4  = "ga4"
)

// PurchaseEvent is the platform-independent payload handed to an adapter.
// Revenue is in currency minor units; adapters convert to whatever the
// platform expects.
type PurchaseEvent struct {
	TenantID     string
	OrderID      string
	DedupeKey    string
	RevenueCents int64
	Currency     string
	OccurredAt   int64 // unix seconds
	Channel      string
	VisitorID    string
	ClickIDs     map[string]string
}

// Client sends purchase events to one external platform.
type Client interface {
	Name() string
	SendPurchase(ctx context.Context, token string, event *PurchaseEvent) error
}

// CredentialResolver supplies a valid bearer token for a tenant's platform
// connection. It is implemented by the OAuth collaborator, not this core.
type CredentialResolver interface {
	Resolve(ctx context.Context, tenantID, platform string) (string, error)
}

// ErrReauthRequired is returned by a CredentialResolver when the tenant's
// platform connection needs to be re-authorized by a human. It is a
// permanent failure for forwarding purposes.
var ErrReauthRequired = errors.New("platform connection requires reauthorization")

// CallError is a non-2xx response from a platform API.
type CallError struct {
	Platform   string
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Platform, e.StatusCode, e.Body)
}

// IsTransient classifies a forwarding error. Network failures, timeouts,
// rate limits and 5xx responses are retryable; everything else (auth and
// validation rejections, reauth) is permanent and goes to the alert sink.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReauthRequired) {
		return false
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		if callErr.StatusCode == http.StatusTooManyRequests || callErr.StatusCode == http.StatusRequestTimeout {
			return true
		}
		return callErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified errors (connection resets wrapped by net/http, context
	// deadline) default to transient so they get retried rather than parked.
	return true
}
