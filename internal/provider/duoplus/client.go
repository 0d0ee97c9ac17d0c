// Package duoplus talks to the DuoPlus cloud-phone API.
//
// Two endpoints matter to the engine: the device listing and the ADB-style
// command endpoint every automation step goes through
// (POST /api/v1/cloudPhone/command with {image_id, command}).
package duoplus

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

	"golang.org/x/time/rate"

	logx "snspilot/pkg/logx"
)

const (
	defaultBaseURL = "https://openapi.duoplus.net"
	commandPath    = "/api/v1/cloudPhone/command"
	devicesPath    = "/devices"

	apiKeyHeader = "DuoPlus-API-Key"
)

type Config struct {
	BaseURL string
	APIKey  string

	// RequestTimeout bounds a single HTTP call. The per-action deadline is
	// enforced by the dispatcher on top of this.
	RequestTimeout time.Duration

	// RatePerSec caps outbound calls; the provider rate-limits hard and
	// answers bursts with 429s.
	RatePerSec int
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("duoplus: api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// DeviceInfo is one row of the provider's device listing.
type DeviceInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Model  string `json:"model"`
}

// ListDevices fetches the current cloud-phone inventory.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	if err := c.get(ctx, devicesPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CommandResult is the provider's answer to one ADB command.
type CommandResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Success bool   `json:"success"`
		Content string `json:"content"`
	} `json:"data"`
}

// OK reports whether the provider accepted and ran the command.
func (r CommandResult) OK() bool { return r.Code == 200 }

// RunCommand executes one ADB shell command on the given cloud phone.
func (c *Client) RunCommand(ctx context.Context, deviceID, command string) (CommandResult, error) {
	body := map[string]string{
		"image_id": deviceID,
		"command":  command,
	}
	var res CommandResult
	if err := c.post(ctx, commandPath, body, &res); err != nil {
		return CommandResult{}, err
	}
	return res, nil
}

// ---- HTTP plumbing ----

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("duoplus call failed",
			logx.String("path", req.URL.Path),
			logx.Duration("took", time.Since(start)),
			logx.Err(err))
		return fmt.Errorf("duoplus: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	// Keep bodies bounded; screenshots come back base64 inside JSON and can
	// reach a few MB, anything bigger is garbage.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("duoplus: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(truncate(body, 512)))}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			apiErr.RetryAfter = parseRetryAfter(ra)
		}
		c.log.Debug("duoplus non-2xx",
			logx.String("path", req.URL.Path),
			logx.Int("status", resp.StatusCode),
			logx.Duration("took", time.Since(start)))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("duoplus: decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	// Seconds form only; HTTP-date form is rare enough to ignore here.
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
