package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/accordsai/honorlane/pkg/domain"
)

// HTTPProvider nets out exposure against each channel's bridge over a
// single POST endpoint. Any non-2xx answer fails the batch; the settler
// retries the whole amount on the next tick.
type HTTPProvider struct {
	bridges map[domain.Channel]string
	http    *http.Client
}

func NewHTTPProvider(bridges map[domain.Channel]string) *HTTPProvider {
	cloned := make(map[domain.Channel]string, len(bridges))
	for ch, url := range bridges {
		cloned[ch] = url
	}
	return &HTTPProvider{bridges: cloned, http: &http.Client{}}
}

type settleRequest struct {
	Channel      string `json:"channel"`
	AmountMicros uint64 `json:"amount_micros"`
	BatchID      string `json:"batch_id"`
}

type settleResponse struct {
	ProviderRef string `json:"provider_ref"`
}

func (p *HTTPProvider) Settle(ctx context.Context, channel domain.Channel, amountMicros uint64, batchID string) (string, error) {
	url, ok := p.bridges[channel]
	if !ok {
		return "", fmt.Errorf("no bridge configured for channel %s", channel)
	}

	body, err := json.Marshal(settleRequest{
		Channel:      string(channel),
		AmountMicros: amountMicros,
		BatchID:      batchID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/settlements", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("bridge returned %d", resp.StatusCode)
	}
	var out settleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.ProviderRef == "" {
		out.ProviderRef = batchID
	}
	return out.ProviderRef, nil
}
