// Package api is the HTTP client for the booking backend: login, class
// listing and booking.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bookbot/internal/listing"
	logx "bookbot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.bruce.app/v32"

	tokenHeader  = "x-access-token"
	maxBodyBytes = 4 << 20
	snippetBytes = 512
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int
	Burst      int
	UserAgent  string
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	ua      string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api base url: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "bookbot/1"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		ua:      cfg.UserAgent,
		log:     log,
	}, nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body := map[string]string{"email": email, "password": password}
	var out struct {
		Session struct {
			AccessToken string `json:"access_token"`
		} `json:"session"`
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/session", nil, "", body)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if status < 200 || status > 299 {
		return "", &StatusError{Op: "login", Status: status, Body: snippet(raw)}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("login: decode response: %w", err)
	}
	if out.Session.AccessToken == "" {
		return "", errors.New("login: response has no access token")
	}
	return out.Session.AccessToken, nil
}

// ListEntries returns the group's entries starting on or after day (00:00).
// The token is optional; it is sent when present so an expired session
// surfaces here too.
func (c *Client) ListEntries(ctx context.Context, group string, day time.Time, token string) ([]listing.Entry, error) {
	q := url.Values{}
	q.Set("studio_id", group)
	q.Set("start_time_after", day.Format("2006-01-02")+"T00:00:00Z")

	status, raw, err := c.do(ctx, http.MethodGet, "/class", q, token, nil)
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", group, err)
	}
	if status < 200 || status > 299 {
		return nil, &StatusError{Op: "list group " + group, Status: status, Body: snippet(raw)}
	}
	var out struct {
		Classes []listing.Entry `json:"classes"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("list group %s: decode response: %w", group, err)
	}
	return out.Classes, nil
}

// ClaimResult is the interpreted booking response.
type ClaimResult struct {
	OK     bool
	Status int
	// Error is the remote-reported failure, empty on success.
	Error string
}

// Claim books id. Success is decided by the absence of an "error" key in the
// response body, not by the HTTP status. 401/403 return a *StatusError that
// unwraps to ErrUnauthorized.
func (c *Client) Claim(ctx context.Context, id listing.ID, token string) (ClaimResult, error) {
	body := map[string]any{
		"class_id":                    classID(id),
		"include_user":                "false",
		"include_user_booking_limits": "false",
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/booking", nil, token, body)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", id, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ClaimResult{Status: status}, &StatusError{Op: "claim " + string(id), Status: status, Body: snippet(raw)}
	}

	res := ClaimResult{Status: status}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		res.Error = "unreadable response: " + snippet(raw)
		return res, nil
	}
	if e, ok := obj["error"]; ok {
		res.Error = errorText(e)
		return res, nil
	}
	res.OK = true
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, token string, body any) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	c.log.Trace("api request",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	return resp.StatusCode, raw, nil
}

// classID sends numeric ids as JSON numbers, matching what the listing
// endpoint returns.
func classID(id listing.ID) any {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return n
	}
	return string(id)
}

func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "error"
		}
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Code != "") {
		if obj.Message == "" {
			return obj.Code
		}
		return obj.Message
	}
	return snippet(raw)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > snippetBytes {
		s = s[:snippetBytes] + "..."
	}
	return s
}
