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

package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/internal/request"
)

func testEvent() *PurchaseEvent {
	return &PurchaseEvent{
		TenantID:     "tenant-1",
		OrderID:      "order-1",
		DedupeKey:    "abc123",
		RevenueCents: 12550,
		Currency:     "usd",
		OccurredAt:   1700000000,
		Channel:      "meta",
		VisitorID:    "visitor-1",
		ClickIDs:     map[string]string{"meta": "fb.1.123", "google": "gclid-9"},
	}
}

func TestMetaSendPurchasePayload(t *testing.T) {
	httpmock.ActivateNonDefault(request.HTTPClient())
	defer httpmock.DeactivateAndReset()

	var captured map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, "https://graph.test/events",
		func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &captured)
			assert.Equal(t, "Bearer token-1", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{"events_received":1}`), nil
		})

	client := NewMetaClient("https://graph.test/events")
	err := client.SendPurchase(context.Background(), "token-1", testEvent())
	assert.NoError(t, err)

	data := captured["data"].([]interface{})
	event := data[0].(map[string]interface{})
	assert.Equal(t, "Purchase", event["event_name"])
	assert.Equal(t, "abc123", event["event_id"])

	custom := event["custom_data"].(map[string]interface{})
	// Meta takes value in major units with an uppercase currency.
	assert.Equal(t, 125.50, custom["value"])
	assert.Equal(t, "USD", custom["currency"])
	assert.Equal(t, "order-1", custom["order_id"])

	user := event["user_data"].(map[string]interface{})
	assert.Equal(t, "fb.1.123", user["fbc"])
	assert.Equal(t, "visitor-1", user["external_id"])
}

func TestGA4SendPurchasePayload(t *testing.T) {
	httpmock.ActivateNonDefault(request.HTTPClient())
	defer httpmock.DeactivateAndReset()

	var captured map[string]interface{}
	httpmock.RegisterResponder(http.MethodPost, "https://ga4.test/mp/collect",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "secret-1", req.URL.Query().Get("api_secret"))
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &captured)
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	client := NewGA4Client("https://ga4.test/mp/collect")
	err := client.SendPurchase(context.Background(), "secret-1", testEvent())
	assert.NoError(t, err)

	assert.Equal(t, "visitor-1", captured["client_id"])
	events := captured["events"].([]interface{})
	event := events[0].(map[string]interface{})
	assert.Equal(t, "purchase", event["name"])

	params := event["params"].(map[string]interface{})
	assert.Equal(t, "abc123", params["transaction_id"])
	assert.Equal(t, 125.50, params["value"])
	assert.Equal(t, "USD", params["currency"])
	assert.Equal(t, "gclid-9", params["gclid"])
}

func TestMetaSendPurchaseNon2xx(t *testing.T) {
	httpmock.ActivateNonDefault(request.HTTPClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://graph.test/events",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":{"message":"invalid event"}}`))

	client := NewMetaClient("https://graph.test/events")
	err := client.SendPurchase(context.Background(), "token-1", testEvent())

	var callErr *CallError
	if assert.ErrorAs(t, err, &callErr) {
		assert.Equal(t, http.StatusBadRequest, callErr.StatusCode)
		assert.Equal(t, PlatformMeta, callErr.Platform)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"rate limited", &CallError{StatusCode: http.StatusTooManyRequests}, true},
		{"request timeout", &CallError{StatusCode: http.StatusRequestTimeout}, true},
		{"server error", &CallError{StatusCode: http.StatusInternalServerError}, true},
		{"bad gateway", &CallError{StatusCode: http.StatusBadGateway}, true},
		{"unauthorized", &CallError{StatusCode: http.StatusUnauthorized}, false},
		{"bad request", &CallError{StatusCode: http.StatusBadRequest}, false},
		{"reauth required", ErrReauthRequired, false},
		{"network timeout", &net.DNSError{IsTimeout: true}, true},
		{"unclassified", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver(map[string]string{
		"meta":          "global-token",
		"tenant-1:meta": "tenant-token",
		"tenant-2:ga4":  "ga4-secret",
	})

	token, err := resolver.Resolve(context.Background(), "tenant-1", "meta")
	assert.NoError(t, err)
	assert.Equal(t, "tenant-token", token)

	// Tenants without an override fall back to the platform-wide token.
	token, err = resolver.Resolve(context.Background(), "tenant-9", "meta")
	assert.NoError(t, err)
	assert.Equal(t, "global-token", token)

	_, err = resolver.Resolve(context.Background(), "tenant-9", "ga4")
	assert.ErrorIs(t, err, ErrReauthRequired)
}
