// Package whatsapp implements the outbound WhatsApp Cloud API adapter (§6):
// a thin client over Meta's Graph API, adapted from the teacher's
// pkg/whatsapp/client.go. The teacher's client takes a per-request *Account
// (multi-tenant phone/business/token bundle); since multi-tenancy is a
// Non-goal here, Client is constructed once from config.WhatsAppConfig and
// every Send call uses that single configured phone number and token.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/config"
)

const (
	// DefaultTimeout for HTTP requests to the Graph API.
	DefaultTimeout = 30 * time.Second
	// BaseURL for Meta's Graph API.
	BaseURL = "https://graph.facebook.com"
	// apiVersion is pinned rather than configurable; Meta deprecates old
	// versions on a schedule and the adapter tracks one at a time.
	apiVersion = "v20.0"
)

// Client is the WhatsApp Cloud API client.
type Client struct {
	HTTPClient *http.Client
	Log        logf.Logger
	baseURL    string // overridable for tests against httptest servers
	phoneID    string
	accessToken string
}

// New constructs a Client from the configured phone number and access token.
func New(cfg config.WhatsAppConfig, log logf.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = BaseURL
	}
	return &Client{
		HTTPClient:  &http.Client{Timeout: DefaultTimeout},
		Log:         log,
		baseURL:     base,
		phoneID:     cfg.PhoneID,
		accessToken: cfg.AccessToken,
	}
}

// NewWithTimeout constructs a Client with a custom HTTP timeout.
func NewWithTimeout(cfg config.WhatsAppConfig, log logf.Logger, timeout time.Duration) *Client {
	c := New(cfg, log)
	c.HTTPClient = &http.Client{Timeout: timeout}
	return c
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, apiVersion, c.phoneID)
}

// MetaAPIResponse is a successful send response.
type MetaAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MetaAPIError is Meta's error envelope.
type MetaAPIError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorUserMsg string `json:"error_user_msg"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// doRequest performs an authenticated HTTP request against the Graph API.
func (c *Client) doRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("whatsapp: marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr MetaAPIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			msg := fmt.Sprintf("API error %d: %s", apiErr.Error.Code, apiErr.Error.Message)
			if apiErr.Error.ErrorData.Details != "" {
				msg += " - details: " + apiErr.Error.ErrorData.Details
			}
			if apiErr.Error.ErrorUserMsg != "" {
				msg += " - " + apiErr.Error.ErrorUserMsg
			}
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("whatsapp: API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// mediaURLResponse is Meta's response to a GET on /{media-id}.
type mediaURLResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// GetMediaURL resolves a media ID from an inbound message to Meta's
// short-lived CDN download URL.
func (c *Client) GetMediaURL(ctx context.Context, mediaID string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, apiVersion, mediaID)
	respBody, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("whatsapp: get media url: %w", err)
	}
	var mediaResp mediaURLResponse
	if err := json.Unmarshal(respBody, &mediaResp); err != nil {
		return "", fmt.Errorf("whatsapp: parse media response: %w", err)
	}
	if mediaResp.URL == "" {
		return "", fmt.Errorf("whatsapp: no url in media response")
	}
	return mediaResp.URL, nil
}

// DownloadMedia fetches media bytes from Meta's CDN. The CDN URL requires
// the same bearer token as the Graph API itself.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: build media download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: media download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whatsapp: media download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: read media content: %w", err)
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, payload map[string]interface{}) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, c.messagesURL(), payload)
	if err != nil {
		return "", err
	}
	var resp MetaAPIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("whatsapp: parse response: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: no message ID in response")
	}
	return resp.Messages[0].ID, nil
}
