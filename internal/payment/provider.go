// Package payment wraps the checkout-session payment provider and the
// verification of its signed completion webhooks.
package payment

import (
	"context"
	"errors"
)

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	ErrSessionFailed = errors.New("checkout session could not be created")
)

// LineItem is one charged position on a checkout session.
type LineItem struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Quantity    int    `json:"quantity"`
}

// CheckoutInput describes the session to create. Metadata must carry
// the booking id so the completion webhook can be correlated back.
type CheckoutInput struct {
	LineItems     []LineItem        `json:"line_items"`
	SuccessURL    string            `json:"success_url"`
	CancelURL     string            `json:"cancel_url"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// CheckoutSession is the provider handle handed back to the client.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Provider is the outbound payment integration.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error)
}

// WebhookEvent is the provider's completion notification. Deliveries
// are at-least-once; processing must be idempotent.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		SessionID string            `json:"session_id"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"data"`
}

const EventCheckoutCompleted = "checkout.completed"
