package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-errors/errors"
	"github.com/shopspring/decimal"

	"github.com/custodyhub/evm-sweeper/internal/config"
)

const (
	endpointAddressRequests = "get-deposit-address-requests"
	endpointSetAddresses    = "set-deposit-addresses"
	endpointNotifySweeps    = "create-or-update-deposit"

	processorHeader = "X-Wallet-Processor"
)

// AddressRequest is one pending customer deposit-address assignment.
type AddressRequest struct {
	ID string `json:"id"`
}

// SweepNotification is one row of the outbound sweep report.
type SweepNotification struct {
	Address       string          `json:"address"`
	Network       string          `json:"network"`
	Currency      string          `json:"currency"`
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
}

// Client talks to the external accounting ledger. Every call authenticates
// with the admin key in the body and the processor key in a request header,
// pulled from the rotating credential provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      *CredentialProvider
}

func NewClient(creds *CredentialProvider) *Client {
	return &Client{
		baseURL:    config.AppConfig.LedgerURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
	}
}

// NewClientWithURL is used by tests to point the client at a local server.
func NewClientWithURL(baseURL string, creds *CredentialProvider) *Client {
	c := NewClient(creds)
	c.baseURL = baseURL
	return c
}

// PendingAddressRequests fetches customer requests waiting for an address.
func (c *Client) PendingAddressRequests(ctx context.Context) ([]AddressRequest, error) {
	body := map[string]interface{}{
		"network":  "evm",
		"currency": "eth",
	}
	var requests []AddressRequest
	if err := c.post(ctx, endpointAddressRequests, body, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// SubmitAddresses reports the request-id to assigned-address map back.
func (c *Client) SubmitAddresses(ctx context.Context, addresses map[string]string) error {
	body := map[string]interface{}{
		"addresses": addresses,
	}
	return c.post(ctx, endpointSetAddresses, body, nil)
}

// NotifySweeps submits one batch of confirmed sweeps. The whole batch
// succeeds or fails together; callers retry next cycle on failure.
func (c *Client) NotifySweeps(ctx context.Context, deposits []SweepNotification) error {
	body := map[string]interface{}{
		"deposits": deposits,
	}
	return c.post(ctx, endpointNotifySweeps, body, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, body map[string]interface{}, out interface{}) error {
	cred := c.creds.Next()
	body["walletAPIKey"] = cred.AdminKey

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Errorf("failed to marshal %s request: %v", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", c.baseURL, endpoint), bytes.NewReader(payload))
	if err != nil {
		return errors.Errorf("failed to build %s request: %v", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(processorHeader, cred.ProcessorKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Errorf("ledger %s call failed: %v", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("ledger %s returned status %d: %s", endpoint, resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Errorf("failed to decode %s response: %v", endpoint, err)
		}
	}
	return nil
}
