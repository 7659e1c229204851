// Package voice integrates the outbound-call vendor: initiating rebooking
// calls and verifying its outcome webhooks.
package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/northbridge-health/referral-platform/pkg/logging"
)

// Call statuses reported by the vendor.
const (
	CallStatusPending    = "PENDING"
	CallStatusInProgress = "IN_PROGRESS"
	CallStatusCompleted  = "COMPLETED"
	CallStatusFailed     = "FAILED"
	CallStatusNoAnswer   = "NO_ANSWER"
)

// Call outcomes reported by the vendor's agent.
const (
	OutcomeRescheduled       = "RESCHEDULED"
	OutcomeDeclined          = "DECLINED"
	OutcomeVoicemail         = "VOICEMAIL"
	OutcomeCallbackRequested = "CALLBACK_REQUESTED"
	OutcomeInvalidNumber     = "INVALID_NUMBER"
)

// ErrBadSignature is returned for webhook payloads whose signature or
// timestamp does not check out.
var ErrBadSignature = errors.New("voice: webhook signature verification failed")

// maxTimestampSkew bounds how old (or future-dated) a signed webhook may be.
const maxTimestampSkew = 5 * time.Minute

// DynamicVariables are handed to the vendor's agent for the call script.
type DynamicVariables struct {
	PatientName    string `json:"patient_name"`
	SpecialistType string `json:"specialist_type"`
	ReferralID     string `json:"referral_id"`
	CallType       string `json:"call_type"`
}

// Client talks to the vendor's REST API. No retries: a failed initiation is
// recorded as a FAILED call log and surfaced to the nurses.
type Client struct {
	apiKey        string
	agentID       string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	logger        *logging.Logger
	now           func() time.Time
}

type Config struct {
	APIKey        string
	AgentID       string
	BaseURL       string
	WebhookSecret string
	Logger        *logging.Logger
}

func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		apiKey:        cfg.APIKey,
		agentID:       cfg.AgentID,
		baseURL:       cfg.BaseURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
		now:           time.Now,
	}
}

// Configured reports whether the vendor credentials are present.
func (c *Client) Configured() bool {
	return c.apiKey != "" && c.agentID != ""
}

type initiateRequest struct {
	AgentID          string           `json:"agent_id"`
	ToNumber         string           `json:"to_number"`
	DynamicVariables DynamicVariables `json:"dynamic_variables"`
}

type initiateResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Initiate asks the vendor to place an outbound call and returns the vendor
// call id.
func (c *Client) Initiate(ctx context.Context, phone string, vars DynamicVariables) (string, error) {
	if !c.Configured() {
		return "", errors.New("voice: vendor not configured")
	}
	if phone == "" {
		return "", errors.New("voice: phone number required")
	}

	body, err := json.Marshal(initiateRequest{
		AgentID:          c.agentID,
		ToNumber:         phone,
		DynamicVariables: vars,
	})
	if err != nil {
		return "", fmt.Errorf("voice: encode initiate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/convai/outbound-call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("voice: build initiate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("voice: initiate call: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("voice: initiate call status %d: %s", resp.StatusCode, raw)
	}

	var out initiateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("voice: decode initiate response: %w", err)
	}
	if out.CallID == "" {
		return "", errors.New("voice: vendor returned no call id")
	}
	c.logger.Info("outbound call initiated", "call_id", out.CallID, "referral_id", vars.ReferralID)
	return out.CallID, nil
}

// VerifyWebhookSignature checks the vendor webhook's HMAC-SHA256 signature
// over "<timestamp>.<payload>" and rejects stale timestamps to block
// replays.
func (c *Client) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	if c.webhookSecret == "" {
		return errors.New("voice: webhook secret not configured")
	}
	if timestamp == "" || signature == "" {
		return ErrBadSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := c.now().Sub(time.Unix(ts, 0))
	if age > maxTimestampSkew || age < -maxTimestampSkew {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// SignWebhook computes the signature the vendor attaches. Exported for the
// webhook handler tests.
func SignWebhook(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
