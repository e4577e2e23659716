package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPInvoker posts JSON messages to an agent's HTTP endpoint.
type HTTPInvoker struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPInvoker creates an invoker with the given per-call timeout.
func NewHTTPInvoker(timeout time.Duration, logger *zap.Logger) *HTTPInvoker {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPInvoker{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type invokeRequest struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type invokeResponse struct {
	Response string `json:"response"`
	Cost     string `json:"cost,omitempty"`
}

// Invoke sends one message and waits for the agent's reply.
func (inv *HTTPInvoker) Invoke(ctx context.Context, agent *Descriptor, message, correlationID string) (*Result, error) {
	body, err := json.Marshal(invokeRequest{Message: message, CorrelationID: correlationID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if agent.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+agent.APIKey)
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", agent.Ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent %s returned %d: %s", agent.Ref, resp.StatusCode, string(respBody))
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", agent.Ref, err)
	}
	if out.Cost == "" {
		out.Cost = agent.Pricing
	}

	inv.logger.Debug("agent invoked",
		zap.String("ref", agent.Ref),
		zap.String("correlation_id", correlationID))

	return &Result{Response: out.Response, Cost: out.Cost}, nil
}
