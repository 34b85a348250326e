package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// LogSink writes signals to the structured log. It stands in for a real
// actuator in lite mode.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: slog.Default().With("component", "actuator-sink")}
}

func (s *LogSink) Deliver(_ context.Context, sig contracts.Signal) error {
	s.logger.Info("actuator signal",
		"signal_key", sig.Key,
		"kind", sig.Kind,
		"proposal_id", sig.ProposalID,
		"unit_id", sig.UnitID,
		"revision", sig.Revision,
		"emergency", sig.Emergency,
	)
	return nil
}

// WebhookSink POSTs each signal as JSON. The Idempotency-Key header carries
// the signal key so the receiver can drop duplicates.
type WebhookSink struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookSink(url, token string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, token: token, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Deliver(ctx context.Context, sig contracts.Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sig.Key)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: %s returned %d", s.url, resp.StatusCode)
	}
	return nil
}
