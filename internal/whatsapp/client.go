package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is the provider's acknowledgement of one message.
type Result struct {
	MessageID string `json:"message_id"`
	Mock      bool   `json:"mock,omitempty"`
}

// APIError is a non-2xx reply from the Cloud API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Client calls the WhatsApp Cloud API messages endpoint.
type Client struct {
	BaseURL       string
	PhoneNumberID string
	Token         string
	HTTP          *http.Client
	Skip          bool
}

// New creates a client. With skip set no request leaves the process.
func New(baseURL, phoneNumberID, token string, skip bool) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		PhoneNumberID: phoneNumberID,
		Token:         token,
		Skip:          skip,
		HTTP:          &http.Client{Timeout: 15 * time.Second},
	}
}

// NormalizePhone returns the wire form 91XXXXXXXXXX, or "" when raw is not an Indian mobile number.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		digits = digits[2:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	}
	if len(digits) != 10 || digits[0] < '6' {
		return ""
	}
	return "91" + digits
}

// Send delivers a text message to phone.
func (c *Client) Send(ctx context.Context, phone, body string) (*Result, error) {
	to := NormalizePhone(phone)
	if to == "" {
		return nil, fmt.Errorf("invalid phone number %q", phone)
	}
	if c.Skip {
		return &Result{MessageID: "mock-" + uuid.NewString(), Mock: true}, nil
	}

	payload, _ := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	})
	url := fmt.Sprintf("%s/%s/messages", c.BaseURL, c.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var out struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &out) == nil && out.Error.Message != "" {
			apiErr.Code = out.Error.Code
			apiErr.Message = out.Error.Message
		}
		return nil, apiErr
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return nil, fmt.Errorf("whatsapp response carried no message id")
	}
	return &Result{MessageID: out.Messages[0].ID}, nil
}

// Health checks that the phone number id is reachable with the configured token.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+c.PhoneNumberID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp unhealthy: %s", resp.Status)
	}
	return nil
}
