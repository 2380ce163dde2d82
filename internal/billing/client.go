// Package billing is the outbound payment-provider client. Only the
// subscription cancellation call is needed here; purchases flow inbound
// through webhooks.
package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

// Client talks to the payment provider API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient wires a Client.
func NewClient(baseURL string, apiKey string) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty billing api url", entitlement.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: empty billing api key", entitlement.ErrInvalidServiceConfig)
	}
	return &Client{
		baseURL:    trimmed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

// CancelSubscription asks the provider to stop billing. Callers mark the
// local subscription inactive only after this returns nil.
func (client *Client) CancelSubscription(ctx context.Context, externalSubscriptionRef string) error {
	if strings.TrimSpace(externalSubscriptionRef) == "" {
		return fmt.Errorf("%w: empty subscription reference", entitlement.ErrInvalidExternalReference)
	}
	endpoint := fmt.Sprintf("%s/subscriptions/%s/cancel", client.baseURL, url.PathEscape(externalSubscriptionRef))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	request.Header.Set("Content-Type", "application/json")
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	return fmt.Errorf("cancel subscription: provider returned %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
}
