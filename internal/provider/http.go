package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// httpSender is the shared transport for the built-in gateway providers:
// JSON POST to a configured endpoint, bearer-key auth, and HTTP status
// classified into retryable/non-retryable provider errors.
type httpSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
	name     string
}

func newHTTPSender(manifest domain.ProviderManifest, credentials map[string]string) (*httpSender, error) {
	for _, key := range manifest.RequiredCredentials {
		if credentials[key] == "" {
			return nil, fmt.Errorf("provider %s: missing required credential %q", manifest.Name, key)
		}
	}

	return &httpSender{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: credentials["endpoint"],
		apiKey:   credentials["api_key"],
		name:     manifest.Name,
	}, nil
}

func (s *httpSender) send(ctx context.Context, payload map[string]any) (*domain.ProviderResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		// Transport errors (including timeouts) are presumed transient.
		return nil, domain.NewProviderError(0, fmt.Sprintf("%s request failed: %v", s.name, err), true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewProviderError(0, fmt.Sprintf("%s response read failed: %v", s.name, err), true)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, domain.NewProviderError(resp.StatusCode, string(respBody), retryable)
	}

	providerResp := &domain.ProviderResponse{}
	if err := json.Unmarshal(respBody, providerResp); err != nil || providerResp.MessageID == "" {
		// Gateways that acknowledge without a body still delivered.
		providerResp = &domain.ProviderResponse{
			MessageID: fmt.Sprintf("msg-%d", time.Now().UnixNano()),
			Status:    "accepted",
			Timestamp: time.Now().UTC(),
		}
	}

	return providerResp, nil
}

// healthCheck probes the endpoint with a HEAD request; anything the server
// answers (even 4xx) proves reachability.
func (s *httpSender) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s endpoint unreachable: %w", s.name, err)
	}
	resp.Body.Close()
	return nil
}

func (s *httpSender) close() {
	s.client.CloseIdleConnections()
}
