package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	creds, err := NewCredentialProvider([]string{"admin-key"}, []string{"proc-key"})
	require.NoError(t, err)
	return NewClientWithURL(server.URL, creds)
}

func TestPendingAddressRequests(t *testing.T) {
	var gotBody map[string]interface{}
	var gotProcessor string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/get-deposit-address-requests", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotProcessor = r.Header.Get("X-Wallet-Processor")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode([]AddressRequest{{ID: "req-1"}, {ID: "req-2"}})
	})

	requests, err := client.PendingAddressRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, "req-1", requests[0].ID)

	assert.Equal(t, "admin-key", gotBody["walletAPIKey"], "admin key travels in the body")
	assert.Equal(t, "evm", gotBody["network"])
	assert.Equal(t, "eth", gotBody["currency"])
	assert.Equal(t, "proc-key", gotProcessor, "processor key travels in the header")
}

func TestSubmitAddresses(t *testing.T) {
	var gotBody struct {
		Addresses map[string]string `json:"addresses"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/set-deposit-addresses", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})

	err := client.SubmitAddresses(context.Background(), map[string]string{"req-1": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"req-1": "0xabc"}, gotBody.Addresses)
}

func TestNonOKStatusIsAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "key revoked", http.StatusForbidden)
	})

	err := client.SubmitAddresses(context.Background(), map[string]string{"req-1": "0xabc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "key revoked")
}
