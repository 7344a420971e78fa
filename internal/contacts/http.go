package contacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/circuitbreaker"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to a JSON REST marketing API:
//
//	PUT   {base}/contacts/{user_id}   upsert profile
//	PATCH {base}/contacts/{user_id}   {"email", "last_active_at"}
//
// 429 and 5xx responses are transient; any other non-2xx is ErrRejected.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPClient creates the client. breaker may be nil.
func NewHTTPClient(cfg HTTPConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		breaker: breaker,
		logger:  logger,
	}
}

func (c *HTTPClient) UpsertContact(ctx context.Context, contact Contact) error {
	return c.do(ctx, http.MethodPut, contact.UserID, contact)
}

func (c *HTTPClient) UpdateLastActive(ctx context.Context, userID uuid.UUID, email string, at time.Time) error {
	body := struct {
		Email        string    `json:"email"`
		LastActiveAt time.Time `json:"last_active_at"`
	}{email, at.UTC()}
	return c.do(ctx, http.MethodPatch, userID, body)
}

func (c *HTTPClient) do(ctx context.Context, method string, userID uuid.UUID, body any) error {
	call := func() error { return c.send(ctx, method, userID, body) }
	if c.breaker == nil {
		return call()
	}
	return c.breaker.Do(call, func(err error) bool {
		return !errors.Is(err, ErrRejected)
	})
}

func (c *HTTPClient) send(ctx context.Context, method string, userID uuid.UUID, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal crm request: %w", err)
	}

	url := fmt.Sprintf("%s/contacts/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create crm request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Lynk/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("crm request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debug("crm request succeeded",
			zap.String("method", method),
			zap.String("user_id", userID.String()),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("crm returned %d: %s", resp.StatusCode, preview)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, preview)
	}
}
