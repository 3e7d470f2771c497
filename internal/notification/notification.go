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
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/usetally/tally/config"
	"github.com/usetally/tally/internal/request"
)

// Alert severities as surfaced to the operational alert channel.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SlackAlert posts an operational alert for a tenant to the configured Slack
// webhook. It formats the tenant, severity and message into a Slack block
// payload.
func SlackAlert(tenantID, severity, message string) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Attribution alert (%s)",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Tenant:*\n%s"
					},
					{
						"type": "mrkdwn",
						"text": "*Message:*\n%s"
					},
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%s"
					}
				]
			}
		]
	}`, severity, tenantID, message, time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	_, err = request.Call(req, &response)
	if err != nil {
		log.Println(err)
	}
}

// Alert is the fire-and-forget alert sink consumed by the pipeline and the
// sweeper. It logs locally and, when Slack is configured, posts the alert
// asynchronously so callers never block on delivery.
func Alert(tenantID, severity, message string) {
	go func() {
		logrus.WithFields(logrus.Fields{"tenant_id": tenantID, "severity": severity}).Warn(message)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackAlert(tenantID, severity, message)
		}
	}()
}

// NotifyError reports a system error with no tenant context, e.g. queue or
// configuration failures.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackAlert("system", SeverityCritical, systemError.Error())
		}
	}(systemError)
}
