package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPClient speaks to a ledger gateway exposing POST /v1/transfers.
// Status mapping: 200/201 committed, 409 already exists, 422 rejected with
// a reason body; anything else is a transport error and retryable.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, HTTP: &http.Client{}}
}

type transferRequest struct {
	DebitAccountHi  uint64 `json:"debit_account_hi"`
	DebitAccountLo  uint64 `json:"debit_account_lo"`
	CreditAccountHi uint64 `json:"credit_account_hi"`
	CreditAccountLo uint64 `json:"credit_account_lo"`
	AmountMicros    uint64 `json:"amount_micros"`
	IdempotencyKey  string `json:"idempotency_key"`
}

func (c *HTTPClient) CreateTransfer(ctx context.Context, t Transfer) (Result, error) {
	body, err := json.Marshal(transferRequest{
		DebitAccountHi:  t.DebitAccount.Hi(),
		DebitAccountLo:  t.DebitAccount.Lo(),
		CreditAccountHi: t.CreditAccount.Hi(),
		CreditAccountLo: t.CreditAccount.Lo(),
		AmountMicros:    t.AmountMicros,
		IdempotencyKey:  t.IdempotencyKey.Hex(),
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return Result{Status: StatusCommitted}, nil
	case http.StatusConflict:
		return Result{Status: StatusAlreadyExists}, nil
	case http.StatusUnprocessableEntity:
		var out struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Reason == "" {
			out.Reason = "REJECTED"
		}
		return Result{Status: StatusRejected, Reason: out.Reason}, nil
	default:
		return Result{}, fmt.Errorf("ledger gateway returned %d", resp.StatusCode)
	}
}
