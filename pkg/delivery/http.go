package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// HTTPDispatcher delivers messages through a provider's HTTP API. Server
// errors and transport failures are transient; client errors are permanent.
type HTTPDispatcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher posting to the given endpoint.
func NewHTTPDispatcher(endpoint, apiKey string, logger *slog.Logger) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger.With("module", "http_dispatcher"),
	}
}

type dispatchRequest struct {
	RecipientID    string            `json:"recipient_id"`
	Recipient      map[string]string `json:"recipient"`
	TemplateRef    string            `json:"template_ref,omitempty"`
	Subject        string            `json:"subject,omitempty"`
	Content        string            `json:"content,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type dispatchResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Dispatch posts the message to the provider endpoint.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, recipient Recipient, msg Message) (Receipt, error) {
	payload, err := json.Marshal(dispatchRequest{
		RecipientID:    recipient.SubjectID,
		Recipient:      recipient.Context,
		TemplateRef:    msg.TemplateRef,
		Subject:        msg.Subject,
		Content:        msg.Content,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		return Receipt{}, NewPermanentError(fmt.Errorf("failed to encode dispatch request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, NewPermanentError(fmt.Errorf("failed to build dispatch request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)

	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Receipt{}, NewTransientError(fmt.Errorf("dispatch request failed: %w", err))
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, NewTransientError(fmt.Errorf("failed to read provider response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return Receipt{}, NewTransientError(fmt.Errorf("provider returned %d: %s", resp.StatusCode, body))
	case resp.StatusCode >= 400:
		return Receipt{}, NewPermanentError(fmt.Errorf("provider rejected dispatch with %d: %s", resp.StatusCode, body))
	}

	var decoded dispatchResponse

	err = json.Unmarshal(body, &decoded)
	if err != nil {
		d.logger.WarnContext(ctx, "Provider response was not valid JSON, treating dispatch as accepted", "error", err)

		return Receipt{}, nil
	}

	return Receipt{ProviderMessageID: decoded.MessageID}, nil
}
