package invoice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueInvoiceExistingEntityByFiscalCode(t *testing.T) {
	var invoicedLines []Line
	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fiscal_code") == "RSSMRA80A01H501U" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]string{{"id": "ent-7"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	})
	mux.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			EntityID string `json:"entity_id"`
			Lines    []Line `json:"lines"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ent-7", payload.EntityID)
		invoicedLines = payload.Lines

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "inv-99"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "key")

	id, err := c.IssueInvoice(context.Background(),
		Customer{Name: "Mario Rossi", Email: "mario@example.com", FiscalCode: "RSSMRA80A01H501U"},
		Line{Description: "Visita ostetrica", AmountCents: 12000},
		[]Line{{Description: "Imposta di bollo", AmountCents: 200}},
	)
	require.NoError(t, err)
	assert.Equal(t, "inv-99", id)

	// Service line first, ancillary after.
	require.Len(t, invoicedLines, 2)
	assert.Equal(t, "Visita ostetrica", invoicedLines[0].Description)
	assert.Equal(t, int64(200), invoicedLines[1].AmountCents)
}

func TestIssueInvoiceCreatesMissingEntity(t *testing.T) {
	var createdEntity bool
	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			createdEntity = true
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "ent-new"})
			return
		}
		// No match on fiscal code nor email.
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	})
	mux.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			EntityID string `json:"entity_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ent-new", payload.EntityID)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "inv-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "key")

	id, err := c.IssueInvoice(context.Background(),
		Customer{Name: "Laura Bianchi", Email: "laura@example.com", FiscalCode: "BNCLRA92D52F205W"},
		Line{Description: "Consulenza", AmountCents: 7000}, nil)
	require.NoError(t, err)
	assert.True(t, createdEntity)
	assert.Equal(t, "inv-1", id)
}

func TestIssueInvoiceProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")

	_, err := c.IssueInvoice(context.Background(),
		Customer{Email: "x@example.com"},
		Line{Description: "Visita", AmountCents: 8000}, nil)
	assert.Error(t, err)
}
