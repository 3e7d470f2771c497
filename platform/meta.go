package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/usetally/tally/internal/request"
)

// MetaClient sends purchase events to the Meta Conversions API. The dedupe
// key goes into event_id, which Meta uses for its own server-side
// deduplication against pixel events and retried sends.
type MetaClient struct {
	Url string
}

func NewMetaClient(url string) *MetaClient {
	return &MetaClient{Url: url}
}

func (c *MetaClient) Name() string {
	return PlatformMeta
}

type metaEvent struct {
	EventName  string         `json:"event_name"`
	EventTime  int64          `json:"event_time"`
	EventID    string         `json:"event_id"`
	UserData   metaUserData   `json:"user_data"`
	CustomData metaCustomData `json:"custom_data"`
}

type metaUserData struct {
	ExternalID string `json:"external_id,omitempty"`
	Fbc        string `json:"fbc,omitempty"`
}

type metaCustomData struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
	OrderID  string  `json:"order_id"`
}

type metaPayload struct {
	Data []metaEvent `json:"data"`
}

func (c *MetaClient) SendPurchase(ctx context.Context, token string, event *PurchaseEvent) error {
	payload := metaPayload{
		Data: []metaEvent{{
			EventName: "Purchase",
			EventTime: event.OccurredAt,
			EventID:   event.DedupeKey,
			UserData: metaUserData{
				ExternalID: event.VisitorID,
				Fbc:        event.ClickIDs["meta"],
			},
			CustomData: metaCustomData{
				// Meta expects value in major units.
				Value:    float64(event.RevenueCents) / 100,
				Currency: strings.ToUpper(event.Currency),
				OrderID:  event.OrderID,
			},
		}},
	}

	body, err := request.ToJsonReq(&payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var apiResp map[string]interface{}
	resp, err := request.Call(req, &apiResp)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &CallError{Platform: PlatformMeta, StatusCode: resp.StatusCode, Body: fmt.Sprintf("%v", apiResp["error"])}
	}
	return nil
}
