package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent marks a payload that failed the shape check. The HTTP
// layer must not acknowledge it; the provider is allowed to retry.
var ErrMalformedEvent = errors.New("malformed webhook event")

const (
	eventTypeTransactionCompleted  = "transaction.completed"
	eventTypeSubscriptionCancelled = "subscription.cancelled"
)

// Event is the signed provider notification.
type Event struct {
	EventType      string      `json:"event_type"`
	TransactionID  string      `json:"transaction_id"`
	CustomerEmail  string      `json:"customer_email"`
	Items          []EventItem `json:"items"`
	CustomData     CustomData  `json:"custom_data"`
	SubscriptionID string      `json:"subscription_id"`
}

// EventItem is one purchased line item.
type EventItem struct {
	PriceID  string `json:"price_id"`
	Quantity int64  `json:"quantity"`
}

// CustomData carries the account id the checkout flow attached.
type CustomData struct {
	AccountID string `json:"account_id"`
}

// ParseEvent decodes and shape-checks a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	if event.TransactionID == "" {
		return Event{}, fmt.Errorf("%w: missing transaction_id", ErrMalformedEvent)
	}
	return event, nil
}
