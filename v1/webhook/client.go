// Package webhook posts messages to a Discord webhook. Handler forwards
// error records from slog to it; StatusNotifier posts runtime state changes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// MaxContentLength is the longest content Discord accepts in one message.
const MaxContentLength = 2000

// ErrStatus is returned when the webhook answers with a non-2xx status.
var ErrStatus = errors.New("webhook: unexpected status")

// Client posts messages to one webhook URL. Posts are rate limited and
// retried with exponential backoff on 429 and 5xx answers.
type Client struct {
	url      string
	http     *http.Client
	limiter  *rate.Limiter
	maxTries uint
	backoff  func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit allows r posts per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithMaxTries bounds the attempts per post, the first one included.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// WithBackOff replaces the retry schedule.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		if newBackOff != nil {
			c.backoff = newBackOff
		}
	}
}

// New returns a client for url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		maxTries: 4,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type allowedMentions struct {
	Parse []string `json:"parse"`
	Users []string `json:"users,omitempty"`
}

type message struct {
	Content         string          `json:"content"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

// Post sends content, truncated to MaxContentLength. Only the users listed
// in mention are pinged.
func (c *Client) Post(ctx context.Context, content string, mention ...uint64) error {
	msg := message{Content: truncate(content), AllowedMentions: allowedMentions{Parse: []string{}}}
	for _, id := range mention {
		msg.AllowedMentions.Users = append(msg.AllowedMentions.Users, strconv.FormatUint(id, 10))
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.send(ctx, body)
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.maxTries))
	return err
}

func (c *Client) send(ctx context.Context, body []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			return backoff.RetryAfter(s)
		}
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode))
	}
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= MaxContentLength {
		return s
	}
	return string(r[:MaxContentLength-1]) + "…"
}
