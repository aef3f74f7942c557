// Package client talks to an arm-dispatch server on behalf of a perception process.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTokenTTL     = time.Hour
	MaxResponseLength   = 10000000
	timestampLayout     = "20060102_150405"
)

// HttpError is returned when the server answers with a status other than 200.
type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.Code), e.Message)
}

func (e *HttpError) MayHaveSucceeded() bool {
	if e.Code >= 400 && e.Code < 500 {
		return false
	}
	return e.Code != http.StatusServiceUnavailable
}

func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusBadGateway
}

// MintToken returns an HS256 token accepted by a server configured with secret.
func MintToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type Option func(*Client) error

// WithToken sends token as a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.authHeader = "Bearer " + strings.TrimSpace(token)
		return nil
	}
}

// WithJWTSecret mints a bearer token for subject using secret.
func WithJWTSecret(secret []byte, subject string) Option {
	return func(c *Client) error {
		token, err := MintToken(secret, subject, DefaultTokenTTL)
		if err != nil {
			return fmt.Errorf("error minting token: %w", err)
		}
		return WithToken(token)(c)
	}
}

// Client sends detection payloads to the server and queries its state.
type Client struct {
	UserAgent    string
	PollInterval time.Duration

	baseURL    string
	authHeader string
	client     http.Client
}

// New returns a Client for the server at baseURL (e.g. "http://localhost:5003").
func New(baseURL string, options ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL '%s'", baseURL)
	}
	c := &Client{
		UserAgent:    "arm-dispatch-client",
		PollInterval: DefaultPollInterval,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	u := c.baseURL + endpoint
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("error constructing request to %s: %w", endpoint, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("User-Agent", c.UserAgent)
	if c.authHeader != "" {
		request.Header.Set("Authorization", c.authHeader)
	}
	log.Debug("Requesting %s %s...", method, u)

	response, err := c.client.Do(request)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: method != http.MethodGet, PossibleTemporary: true}
	}
	defer response.Body.Close()

	reader = &io.LimitedReader{R: response.Body, N: MaxResponseLength + 1}
	reply, err := io.ReadAll(reader)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: true, PossibleTemporary: false}
	}
	if len(reply) == MaxResponseLength+1 {
		return nil, protocol.NewError("response exceeds maximum length", true, true)
	}
	log.Debug("Server returned %d: %s", response.StatusCode, http.StatusText(response.StatusCode))
	if response.StatusCode != http.StatusOK {
		var envelope struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(reply))
		if json.Unmarshal(reply, &envelope) == nil && envelope.Error != "" {
			message = envelope.Error
		}
		return nil, &HttpError{Code: response.StatusCode, Message: message}
	}
	return reply, nil
}

func (c *Client) get(ctx context.Context, endpoint string, reply any) error {
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, reply); err != nil {
		return fmt.Errorf("error parsing %s response: %w", endpoint, err)
	}
	return nil
}

// SendResult is the server's answer to a submitted payload.
type SendResult struct {
	Status        string `json:"status"`
	ReceivedCount int    `json:"received_count"`
	ID            string `json:"id"`
}

type submission struct {
	*protocol.DetectionPayload
	Image string `json:"image,omitempty"`
}

// Send posts p to the server. If image is not nil it is attached base64-encoded for dashboards.
// A missing timestamp is filled in with the current local time.
//
// Payloads without a crop shape are rejected locally with protocol.ErrValidation.
func (c *Client) Send(ctx context.Context, p *protocol.DetectionPayload, image []byte) (*SendResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := *p
	if out.Detections == nil {
		out.Detections = []protocol.Detection{}
	}
	if len(out.Timestamp) == 0 {
		out.Timestamp, _ = json.Marshal(time.Now().Format(timestampLayout))
	}
	s := submission{DetectionPayload: &out}
	if image != nil {
		s.Image = base64.StdEncoding.EncodeToString(image)
	}
	body, err := json.Marshal(&s)
	if err != nil {
		return nil, err
	}

	reply, err := c.do(ctx, http.MethodPost, "/data", body)
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return nil, fmt.Errorf("error parsing /data response: %w", err)
	}
	log.Info("Sent %d detections with crop shape %v: %s", len(p.Detections), *p.CropShape, result.Status)
	return &result, nil
}

// Ready returns true if the next payload would be sent to the arm immediately.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	var reply struct {
		Ready bool `json:"ready"`
	}
	if err := c.get(ctx, "/ready", &reply); err != nil {
		return false, err
	}
	return reply.Ready, nil
}

// WaitReady polls the server until the arm is ready or ctx expires. Temporary errors are retried;
// other errors are returned.
func (c *Client) WaitReady(ctx context.Context) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		ready, err := c.Ready(ctx)
		if err == nil && ready {
			return nil
		}
		if err != nil {
			if !isTemporary(err) {
				return err
			}
			log.Warning("Polling arm readiness failed: %s", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func isTemporary(err error) bool {
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return protocol.Temporary(err)
}

// LinkStatus mirrors the ble_status object returned by /status.
type LinkStatus struct {
	Connected        bool   `json:"connected"`
	LinkState        string `json:"link_state"`
	ArmIdle          bool   `json:"arm_idle"`
	HasQueuedPayload bool   `json:"has_queued_payload"`
	PendingID        string `json:"pending_id,omitempty"`
}

// StatusReport is the body of /status.
type StatusReport struct {
	Status         string            `json:"status"`
	DetectionCount int               `json:"detection_count"`
	Timestamp      float64           `json:"timestamp"`
	Link           LinkStatus        `json:"ble_status"`
	Stats          map[string]uint64 `json:"stats"`
	Subscribers    int               `json:"subscribers"`
}

func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	var report StatusReport
	if err := c.get(ctx, "/status", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Latest returns the most recent snapshot as raw JSON.
func (c *Client) Latest(ctx context.Context) (json.RawMessage, error) {
	var latest json.RawMessage
	if err := c.get(ctx, "/get", &latest); err != nil {
		return nil, err
	}
	return latest, nil
}

// Clear removes stored snapshots on the server.
func (c *Client) Clear(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/clear", nil)
	return err
}
