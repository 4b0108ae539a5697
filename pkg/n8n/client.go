package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodyBytes caps how much of a webhook response is read.
const maxBodyBytes = 1 << 20

var ErrInvalidURL = errors.New("invalid webhook url")

// Triggerer 定义 webhook 触发接口
type Triggerer interface {
	Trigger(ctx context.Context, webhookURL string, req *TriggerRequest) (*TriggerResult, error)
	TriggerRun(ctx context.Context, webhookURL string) (*TriggerResult, error)
	TriggerStop(ctx context.Context, webhookURL string) (*TriggerResult, error)
}

// Client n8n webhook HTTP 客户端
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
	now        func() time.Time
}

// NewClient 创建新的 webhook 客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// TriggerRun posts a run intent to webhookURL.
func (c *Client) TriggerRun(ctx context.Context, webhookURL string) (*TriggerResult, error) {
	return c.Trigger(ctx, webhookURL, &TriggerRequest{Action: ActionRun})
}

// TriggerStop posts a stop intent to webhookURL.
func (c *Client) TriggerStop(ctx context.Context, webhookURL string) (*TriggerResult, error) {
	return c.Trigger(ctx, webhookURL, &TriggerRequest{Action: ActionStop})
}

// Trigger 发送一次 webhook 调用并归一化结果
func (c *Client) Trigger(ctx context.Context, webhookURL string, body *TriggerRequest) (*TriggerResult, error) {
	if err := validateURL(webhookURL); err != nil {
		return nil, err
	}
	if body == nil {
		body = &TriggerRequest{}
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = c.now().UTC()
	}

	req, err := c.createRequest(ctx, webhookURL, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"action": body.Action,
		"host":   req.URL.Host,
		"status": resp.StatusCode,
	}).Debug("webhook response")

	result := &TriggerResult{
		Status:    resp.StatusCode,
		Data:      decodeBody(raw),
		Timestamp: c.now().UTC(),
	}
	result.ExecutionID = executionID(result.Data)
	return result, nil
}

func (c *Client) createRequest(ctx context.Context, webhookURL string, body *TriggerRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return req, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// decodeBody keeps JSON objects as-is, wraps arrays/scalars under "body" and
// anything unparsable under "raw".
func decodeBody(raw []byte) map[string]interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]interface{}{"body": v}
	}
	return map[string]interface{}{"raw": string(raw)}
}

func executionID(data map[string]interface{}) string {
	for _, key := range []string{"executionId", "execution_id", "id"} {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
