// Package connections implements the HTTP client for the external
// Connections service session-status endpoint.
package connections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/observability"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
)

const requestTimeout = 10 * time.Second

// Client posts session status updates. Non-2xx responses are logged and
// reported as errors, but callers treat them as non-fatal.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New constructs a Client for the given base URL.
func New(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log,
	}
}

type statusBody struct {
	UserID string `json:"user_id"`
}

// PutStatus performs the idempotent status PUT for a session.
func (c *Client) PutStatus(ctx context.Context, sessionID string, status domain.SessionStatus, userID string) error {
	url := fmt.Sprintf("%s/sessions/%s/status/%s", c.baseURL, sessionID, status.PathSegment())
	payload, err := json.Marshal(statusBody{UserID: userID})
	if err != nil {
		return fmt.Errorf("op=connections.put_status: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=connections.put_status: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=connections.put_status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	log := observability.WithTrace(ctx, c.log)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Error("status update rejected",
			slog.String("session_id", sessionID),
			slog.String("status", string(status)),
			slog.Int("code", resp.StatusCode),
			slog.String("body", string(body)))
		return fmt.Errorf("op=connections.put_status: unexpected status %d", resp.StatusCode)
	}
	log.Info("session status updated",
		slog.String("session_id", sessionID),
		slog.String("status", string(status)))
	return nil
}
