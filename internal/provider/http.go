package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/circuitbreaker"
	"github.com/taskwise/coworker/internal/metrics"
	"github.com/taskwise/coworker/internal/ratecontrol"
	"github.com/taskwise/coworker/internal/tracing"
)

// HTTPClient calls the completion service over HTTP. Responses are validated
// against the request schema here, at the adapter boundary.
type HTTPClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// HTTPConfig configures the completion service adapter.
type HTTPConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewHTTPClient creates the completion service adapter.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	base := cfg.BaseURL
	if base == "" {
		base = os.Getenv("COMPLETION_SERVICE_URL")
	}
	if base == "" {
		base = "http://completion-service:8000"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	hc := &http.Client{Timeout: timeout}
	wrapped := circuitbreaker.NewHTTPWrapper(hc, "completion", "completion-service", logger)

	return &HTTPClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    wrapped,
		logger:  logger,
	}
}

// Complete performs one completion round trip. The returned payload has been
// validated against req.Schema; any failure is a typed *Error.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ratecontrol.Wait(ctx, req.Operation); err != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	body, err := json.Marshal(map[string]interface{}{
		"instructions":    req.Instructions,
		"context":         req.Context,
		"response_schema": req.Schema,
	})
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encode request: %w", err)}
	}

	url := c.baseURL + "/v1/complete"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.ProviderLatency.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(req.Operation, "transient_error").Inc()
		return nil, &Error{Transient: isTransportTransient(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(req.Operation, "transient_error").Inc()
		return nil, &Error{Transient: true, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		outcome := "error"
		if transient {
			outcome = "transient_error"
		}
		metrics.ProviderRequests.WithLabelValues(req.Operation, outcome).Inc()
		c.logger.Warn("Completion service returned non-2xx",
			zap.String("operation", req.Operation),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &Error{
			Transient: transient,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("completion service status %d", resp.StatusCode),
		}
	}

	if err := validateAgainstSchema(raw, req.Schema); err != nil {
		metrics.ProviderRequests.WithLabelValues(req.Operation, "schema_invalid").Inc()
		c.logger.Warn("Completion response failed schema validation",
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		return nil, &Error{Err: err}
	}

	metrics.ProviderRequests.WithLabelValues(req.Operation, "ok").Inc()
	return json.RawMessage(raw), nil
}

// validateAgainstSchema checks the payload against the JSON schema supplied
// with the request. An empty schema skips validation.
func validateAgainstSchema(payload []byte, schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		var parts []string
		for _, e := range result.Errors() {
			parts = append(parts, e.String())
		}
		return fmt.Errorf("response does not match schema: %s", strings.Join(parts, "; "))
	}
	return nil
}

// isTransportTransient classifies transport-level failures. Timeouts and
// connection errors are retryable; everything else is not.
func isTransportTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == circuitbreaker.ErrCircuitBreakerOpen || err == circuitbreaker.ErrTooManyRequests {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// url.Error wraps connection refused and friends
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "timeout")
}
