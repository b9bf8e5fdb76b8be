package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/studyloop/ingestd/internal/ingest"
)

// HTTPQuota consumes upload quota from an external accounting service.
// Transport failures surface as generic errors so the pipeline can fail
// open; denial decisions map onto the pipeline's quota sentinels.
type HTTPQuota struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPQuota creates a quota client for the given service base URL.
func NewHTTPQuota(baseURL, token string) *HTTPQuota {
	return &HTTPQuota{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type quotaResponse struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason"`
}

// Consume spends one upload from the owner's quota.
func (q *HTTPQuota) Consume(ctx context.Context, ownerID string) (int, error) {
	body, err := json.Marshal(map[string]string{"ownerId": ownerID, "action": "document_upload"})
	if err != nil {
		return 0, fmt.Errorf("marshaling quota request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/v1/quota/consume", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building quota request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+q.token)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling quota service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden:
		return 0, ingest.ErrQuotaForbidden
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return 0, ingest.ErrQuotaExceeded
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("quota service returned status %d", resp.StatusCode)
	}

	var qr quotaResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return 0, fmt.Errorf("decoding quota response: %w", err)
	}
	if !qr.Allowed {
		if qr.Reason == "forbidden" {
			return 0, ingest.ErrQuotaForbidden
		}
		return 0, ingest.ErrQuotaExceeded
	}
	return qr.Remaining, nil
}

// AllowAll is the quota used when no accounting service is configured.
type AllowAll struct{}

func (AllowAll) Consume(context.Context, string) (int, error) { return -1, nil }
