/**
 * @description
 * This package provides a client for the treasury custody API, the external
 * collaborator that holds the actual stablecoin. It exposes the token
 * semantics the ledger consumes: balance and allowance reads, an allowance
 * -backed pull (transferFrom) used during donations, and a payout transfer
 * used during aid disbursement. All amounts are in the smallest currency unit
 * (6 implied decimals).
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

var (
	// ErrInsufficientBalance means the owner's token balance cannot cover the pull.
	ErrInsufficientBalance = errors.New("treasury: insufficient token balance")
	// ErrInsufficientAllowance means the owner has not approved the ledger for the amount.
	ErrInsufficientAllowance = errors.New("treasury: insufficient allowance")
)

// Client is a client for the treasury custody API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new treasury API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PullRequest is the payload for an allowance-backed pull from a donor's
// token balance into ledger custody.
type PullRequest struct {
	Owner     string `json:"owner"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// PayoutRequest is the payload for a transfer out of ledger custody to a
// student's account.
type PayoutRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// TransferResponse is the expected response from the treasury transfer endpoints.
type TransferResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// BalanceResponse represents a balance or allowance read.
type BalanceResponse struct {
	Data struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	} `json:"data"`
}

// ErrorResponse represents an error from the treasury API.
type ErrorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("treasury api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown treasury api error"
}

// PullFunds pulls `amount` from the owner's token balance into ledger custody.
// The owner must have granted the ledger an allowance of at least `amount`
// beforehand; allowance and balance shortfalls map to sentinel errors so the
// ledger can surface them distinctly.
func (c *Client) PullFunds(ctx context.Context, owner string, amount int64, reference string) (*TransferResponse, error) {
	payload := PullRequest{Owner: owner, Amount: amount, Reference: reference}
	return c.doTransfer(ctx, "/v1/transfers/pull", payload)
}

// Payout transfers `amount` out of ledger custody to the recipient's account.
func (c *Client) Payout(ctx context.Context, recipient string, amount int64, reference string) (*TransferResponse, error) {
	payload := PayoutRequest{Recipient: recipient, Amount: amount, Reference: reference}
	return c.doTransfer(ctx, "/v1/transfers/payout", payload)
}

// doTransfer is a generic helper to execute transfer requests.
func (c *Client) doTransfer(ctx context.Context, path string, payload interface{}) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-treasury-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=treasury_client op=transfer path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=treasury_client op=transfer path=%s status=%d code=%q detail=%q", path, resp.StatusCode, firstErrorCode(errResp), firstErrorDetail(errResp))
		if sentinel := sentinelForCode(firstErrorCode(errResp)); sentinel != nil {
			return nil, fmt.Errorf("%w: %s", sentinel, firstErrorDetail(errResp))
		}
		return nil, &errResp
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}

	return &successResp, nil
}

// Balance fetches the token balance held by an account.
func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	return c.doBalanceRead(ctx, "/v1/accounts/"+account+"/balance")
}

// Allowance fetches how much of the owner's balance the ledger may pull.
func (c *Client) Allowance(ctx context.Context, owner string) (int64, error) {
	return c.doBalanceRead(ctx, "/v1/accounts/"+owner+"/allowance")
}

func (c *Client) doBalanceRead(ctx context.Context, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create balance request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-treasury-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=treasury_client op=balance path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return 0, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=treasury_client op=balance path=%s status=%d code=%q detail=%q", path, resp.StatusCode, firstErrorCode(errResp), firstErrorDetail(errResp))
		return 0, &errResp
	}

	var balanceResp BalanceResponse
	if err := json.Unmarshal(bodyBytes, &balanceResp); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}

	return balanceResp.Data.Amount, nil
}

func sentinelForCode(code string) error {
	switch code {
	case "insufficient_balance":
		return ErrInsufficientBalance
	case "insufficient_allowance":
		return ErrInsufficientAllowance
	default:
		return nil
	}
}

func firstErrorCode(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Code
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
