package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"controlhub/internal/handlers"
	"controlhub/internal/models"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultAPIURL = "http://localhost:8080"

// APIClient calls the controlhub HTTP API.
type APIClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// bulk requests pause between batches, so allow for several minutes
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *APIClient) do(method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e handlers.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// BulkAction POST /api/automations/bulk-action
func (c *APIClient) BulkAction(action string, ids []string) (*handlers.BulkActionResponse, error) {
	var out handlers.BulkActionResponse
	err := c.do(http.MethodPost, "/api/automations/bulk-action", map[string]interface{}{
		"action":        action,
		"automationIds": ids,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AutomationPage is the list response with typed items.
type AutomationPage struct {
	Data  []models.Automation `json:"data"`
	Total int64               `json:"total"`
	Page  int                 `json:"page"`
	Pages int                 `json:"pages"`
}

// ListAutomations GET /api/automations
func (c *APIClient) ListAutomations(q url.Values) (*AutomationPage, error) {
	var out AutomationPage
	path := "/api/automations"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// clientFromFlags resolves --url/--token, then api.url/api.token from viper.
func clientFromFlags(cmd *cobra.Command) (*APIClient, error) {
	base, _ := cmd.Flags().GetString("url")
	if base == "" {
		base = viper.GetString("api.url")
	}
	if base == "" {
		base = defaultAPIURL
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = viper.GetString("api.token")
	}
	if token == "" {
		return nil, fmt.Errorf("no API token: pass --token or set CONTROLHUB_API_TOKEN")
	}
	return NewAPIClient(base, token), nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "API base URL (default "+defaultAPIURL+")")
	cmd.Flags().String("token", "", "bearer token")
}
