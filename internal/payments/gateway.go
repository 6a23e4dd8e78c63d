package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/apperror"
	"busline/internal/shared/config"
)

// ProviderStatus is the gateway's view of an order
type ProviderStatus string

const (
	ProviderPaid      ProviderStatus = "PAID"
	ProviderPending   ProviderStatus = "PENDING"
	ProviderCancelled ProviderStatus = "CANCELLED"
	ProviderFailed    ProviderStatus = "FAILED"
)

// IsFinal reports whether the provider will never change the status again
func (s ProviderStatus) IsFinal() bool {
	switch s {
	case ProviderPaid, ProviderCancelled, ProviderFailed:
		return true
	}
	return false
}

// Order is a payment order as the gateway reports it
type Order struct {
	ProviderRef string         `json:"provider_ref"`
	BookingID   string         `json:"booking_id"`
	Status      ProviderStatus `json:"status"`
	Amount      float64        `json:"amount"`
	PaidAt      *time.Time     `json:"paid_at,omitempty"`
}

// Gateway is the external payment provider
type Gateway interface {
	// Confirm asks the provider to settle an order. Repeating it with the
	// same booking and order is safe.
	Confirm(ctx context.Context, bookingID, providerRef string) (*Order, error)
	Order(ctx context.Context, providerRef string) (*Order, error)
	Refund(ctx context.Context, req bookings.RefundRequest) error
}

// IdempotencyKey is the key sent with every confirmation for an order
func IdempotencyKey(bookingID, providerRef string) string {
	return bookingID + ":" + providerRef
}

// HTTPGateway talks to the provider's REST API
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway creates a gateway client from configuration
func NewHTTPGateway(cfg config.PaymentsConfig) *HTTPGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.GatewayURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Confirm(ctx context.Context, bookingID, providerRef string) (*Order, error) {
	var order Order
	body := map[string]string{"booking_id": bookingID}
	path := "/v1/orders/" + url.PathEscape(providerRef) + "/confirm"
	if err := g.do(ctx, "payments.Confirm", http.MethodPost, path, IdempotencyKey(bookingID, providerRef), body, &order); err != nil {
		return nil, err
	}
	if order.ProviderRef == "" {
		order.ProviderRef = providerRef
	}
	return &order, nil
}

func (g *HTTPGateway) Order(ctx context.Context, providerRef string) (*Order, error) {
	var order Order
	path := "/v1/orders/" + url.PathEscape(providerRef)
	if err := g.do(ctx, "payments.Order", http.MethodGet, path, "", nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, req bookings.RefundRequest) error {
	body := map[string]interface{}{
		"booking_id": req.BookingID,
		"amount":     req.Amount,
		"reason":     req.Reason,
	}
	path := "/v1/orders/" + url.PathEscape(req.ProviderRef) + "/refunds"
	return g.do(ctx, "payments.Refund", http.MethodPost, path, "refund:"+IdempotencyKey(req.BookingID, req.ProviderRef), body, nil)
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path, idempotencyKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode gateway request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperror.Wrap(apperror.KindProviderUnreachable, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apperror.New(apperror.KindProviderUnreachable, op, "payment provider returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return apperror.NotFound(op, "payment order not found at provider")
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperror.New(apperror.KindProviderAmbiguous, op, "payment provider rejected the request (%d): %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.Wrap(apperror.KindProviderAmbiguous, op, fmt.Errorf("undecodable provider response: %w", err))
	}
	return nil
}
