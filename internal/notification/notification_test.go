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

package notification

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/usetally/tally/config"
)

func TestSlackAlertPostsBlockPayload(t *testing.T) {
	var captured []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		captured = body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{
			Slack: config.SlackWebhook{WebhookUrl: server.URL},
		},
	})

	SlackAlert("tenant-1", SeverityCritical, "conversion cnv_123 quarantined")

	assert.NotEmpty(t, captured)
	var payload map[string]interface{}
	assert.NoError(t, json.Unmarshal(captured, &payload))
	assert.Contains(t, payload, "blocks")

	text := string(captured)
	assert.True(t, strings.Contains(text, "tenant-1"))
	assert.True(t, strings.Contains(text, "critical"))
	assert.True(t, strings.Contains(text, "conversion cnv_123 quarantined"))
}

func TestSlackAlertSeverityInHeader(t *testing.T) {
	var captured string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{
			Slack: config.SlackWebhook{WebhookUrl: server.URL},
		},
	})

	SlackAlert("tenant-2", SeverityWarning, "sweep requeued 42 conversions")

	assert.True(t, strings.Contains(captured, "Attribution alert (warning)"))
}

func TestAlertWithoutWebhookDoesNotPost(t *testing.T) {
	// No webhook configured: Alert only logs. The handler must never fire.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected webhook delivery")
	}))
	defer server.Close()

	config.MockConfig(&config.Configuration{})

	Alert("tenant-1", SeverityWarning, "forwarding failed")
}
