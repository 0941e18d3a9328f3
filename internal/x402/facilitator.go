package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSubmitter pushes authorizations through an x402 facilitator service
// over REST. The facilitator holds the gas wallet and broadcasts the
// transferWithAuthorization call on our behalf.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSubmitter(baseURL string) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type submitRequest struct {
	ChainID       int64         `json:"chain_id"`
	Authorization Authorization `json:"authorization"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

func (h *HTTPSubmitter) Submit(ctx context.Context, chainID int64, auth Authorization) (string, error) {
	raw, err := json.Marshal(submitRequest{ChainID: chainID, Authorization: auth})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/settle", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("facilitator response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, out.Error)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("facilitator returned no tx hash")
	}
	return out.TxHash, nil
}
