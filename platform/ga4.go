package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/usetally/tally/internal/request"
)

// GA4Client sends purchase events through the GA4 Measurement Protocol. The
// dedupe key rides in transaction_id, which GA4 deduplicates purchase events
// on within a property.
type GA4Client struct {
	Url string
}

func NewGA4Client(url string) *GA4Client {
	return &GA4Client{Url: url}
}

func (c *GA4Client) Name() string {
	return PlatformGA4
}

type ga4Event struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

type ga4Payload struct {
	ClientID        string     `json:"client_id"`
	TimestampMicros int64      `json:"timestamp_micros"`
	Events          []ga4Event `json:"events"`
}

func (c *GA4Client) SendPurchase(ctx context.Context, token string, event *PurchaseEvent) error {
	payload := ga4Payload{
		ClientID:        event.VisitorID,
		TimestampMicros: event.OccurredAt * 1_000_000,
		Events: []ga4Event{{
			Name: "purchase",
			Params: map[string]interface{}{
				"transaction_id": event.DedupeKey,
				"value":          float64(event.RevenueCents) / 100,
				"currency":       strings.ToUpper(event.Currency),
				"gclid":          event.ClickIDs["google"],
			},
		}},
	}

	body, err := request.ToJsonReq(&payload)
	if err != nil {
		return err
	}

	url := c.Url
	if token != "" {
		// Measurement protocol authenticates with an api_secret query param
		// rather than a bearer header.
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = fmt.Sprintf("%s%sapi_secret=%s", url, sep, token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}

	resp, err := request.Call(req, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &CallError{Platform: PlatformGA4, StatusCode: resp.StatusCode}
	}
	return nil
}
