// Package invoice integrates the external invoicing provider. Billing
// entities are resolved by fiscal code first, then by email, and
// created when neither matches.
package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Customer identifies the billing entity for an invoice.
type Customer struct {
	Name       string
	Email      string
	FiscalCode string
	Address    string
}

// Line is one invoice position.
type Line struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
}

// Provider issues invoices for settled bookings.
type Provider interface {
	IssueInvoice(ctx context.Context, cust Customer, serviceLine Line, ancillary []Line) (string, error)
}

// Client is the HTTP implementation of Provider.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) IssueInvoice(ctx context.Context, cust Customer, serviceLine Line, ancillary []Line) (string, error) {
	entityID, err := c.resolveEntity(ctx, cust)
	if err != nil {
		return "", err
	}

	payload := struct {
		EntityID string `json:"entity_id"`
		Lines    []Line `json:"lines"`
	}{
		EntityID: entityID,
		Lines:    append([]Line{serviceLine}, ancillary...),
	}

	var issued struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/invoices", payload, &issued); err != nil {
		return "", fmt.Errorf("issue invoice: %w", err)
	}
	return issued.ID, nil
}

// resolveEntity finds the billing entity by fiscal code, falls back to
// email, and creates it when nothing matches.
func (c *Client) resolveEntity(ctx context.Context, cust Customer) (string, error) {
	if cust.FiscalCode != "" {
		if id, err := c.findEntity(ctx, "fiscal_code", cust.FiscalCode); err != nil {
			return "", err
		} else if id != "" {
			return id, nil
		}
	}

	if id, err := c.findEntity(ctx, "email", cust.Email); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	payload := struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		FiscalCode string `json:"fiscal_code,omitempty"`
		Address    string `json:"address,omitempty"`
	}{cust.Name, cust.Email, cust.FiscalCode, cust.Address}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/entities", payload, &created); err != nil {
		return "", fmt.Errorf("create billing entity: %w", err)
	}
	return created.ID, nil
}

func (c *Client) findEntity(ctx context.Context, field, value string) (string, error) {
	path := fmt.Sprintf("/entities?%s=%s", field, url.QueryEscape(value))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("find billing entity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("find billing entity: status %d", resp.StatusCode)
	}

	var body struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode entity search: %w", err)
	}
	if len(body.Items) == 0 {
		return "", nil
	}
	return body.Items[0].ID, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
