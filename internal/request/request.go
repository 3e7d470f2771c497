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

package request

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// httpClient is shared by all outbound calls. Platform APIs are the only
// network hop in the pipeline, so a hard timeout keeps a slow endpoint from
// stalling a worker indefinitely.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// HTTPClient exposes the shared client so tests can install a mock transport.
func HTTPClient() *http.Client {
	return httpClient
}

// ToJsonReq serializes payload to JSON and wraps it in a buffer ready to be
// used as an HTTP request body.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, e
	}
	return bytes.NewBuffer(c), nil
}

// Call sends the prepared request with a JSON content type and decodes the
// JSON response body into response. The raw *http.Response is returned so
// callers can classify the status code themselves.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()

	if response != nil {
		// Some endpoints (GA4 measurement protocol) return an empty 2xx
		// body; a decode failure there is not an error.
		_ = json.NewDecoder(resp.Body).Decode(&response)
	}
	return resp, nil
}
