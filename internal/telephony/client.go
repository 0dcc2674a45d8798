package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMissingDestination marks a call request without a destination number.
var ErrMissingDestination = errors.New("destination phone number is required")

// APIError is a failure reported by the Twilio REST API. It carries the
// provider's own status, error code, and diagnostic URL so callers can
// surface them unchanged.
type APIError struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Config holds credentials and addressing for the Twilio REST API.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

// Client originates calls through the Twilio REST API. No retries: provider
// failures are surfaced to the caller as-is.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, errors.New("twilio origin phone number is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Call is the subset of Twilio's call resource the service reports back.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// CreateCall originates an outbound call to the given number. webhookURL is
// where Twilio fetches call-handling TwiML once the callee answers.
func (c *Client) CreateCall(ctx context.Context, to, webhookURL string) (Call, error) {
	if strings.TrimSpace(to) == "" {
		return Call{}, ErrMissingDestination
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", webhookURL)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Call{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	res, err := c.client.Do(req)
	if err != nil {
		return Call{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return Call{}, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return Call{}, apiErr
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return Call{}, fmt.Errorf("decode call resource: %w", err)
	}
	return call, nil
}
