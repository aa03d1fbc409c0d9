package dataplatform

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"flashmart/internal/log"

	"go.uber.org/zap"
)

// Client ships completed-order data to the external analytics platform.
// The boolean mirrors the platform's accepted/rejected answer; errors
// mean the call itself failed.
type Client interface {
	SendOrderData(ctx context.Context, payload string) (bool, error)
}

// HTTPClient posts the payload as JSON.
type HTTPClient struct {
	url    string
	http   *http.Client
	logger *log.Logger
}

func NewHTTPClient(url string, logger *log.Logger) *HTTPClient {
	return &HTTPClient{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (c *HTTPClient) SendOrderData(ctx context.Context, payload string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(payload))
	if err != nil {
		return false, fmt.Errorf("build data platform request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("send order data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.logger.Warn("Data platform rejected order data", zap.Int("status", resp.StatusCode))
		return false, nil
	}
	return true, nil
}

// MockClient stands in when no platform endpoint is configured. It can
// be scripted to fail for tests.
type MockClient struct {
	Fail   bool
	Err    error
	logger *log.Logger
}

func NewMockClient(logger *log.Logger) *MockClient {
	return &MockClient{logger: logger}
}

func (c *MockClient) SendOrderData(ctx context.Context, payload string) (bool, error) {
	if c.Err != nil {
		return false, c.Err
	}
	if c.Fail {
		return false, nil
	}
	if c.logger != nil {
		c.logger.Info("Mock data platform accepted order data", zap.Int("bytes", len(payload)))
	}
	return true, nil
}
