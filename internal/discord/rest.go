package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// restTimeout is the fixed per-call deadline for the chat platform.
	restTimeout = 5 * time.Second
	// maxRateLimitWait caps the total time one call may spend waiting
	// on rate limits before giving up.
	maxRateLimitWait = 30 * time.Second
	// maxRetries is the number of 429-driven retries (6 attempts total).
	maxRetries = 5
	// defaultRetryAfter is used when a 429 body cannot be parsed.
	defaultRetryAfter = time.Second
)

// ErrRateLimitMaxWait is returned when honoring a rate limit would
// exceed the total wait budget.
var ErrRateLimitMaxWait = errors.New("discord: rate limit exceeded max wait")

// globalGateKey is the gate entry extended when a 429 carries the
// global flag.
const globalGateKey = "*"

// RESTClient issues authenticated calls against the chat platform
// API. All callers share one rate-limit gate: when an endpoint is
// gated, concurrent calls wait for the release time instead of racing
// into duplicate 429s. The gate is advisory, not a queue.
type RESTClient struct {
	token   string
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	gates map[string]time.Time

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRESTClient creates a client authenticating with the given bot
// token.
func NewRESTClient(token string) *RESTClient {
	return &RESTClient{
		token:   token,
		baseURL: APIBase,
		http:    &http.Client{Timeout: restTimeout},
		gates:   make(map[string]time.Time),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// gateWait returns how long the caller must wait before hitting the
// endpoint, consulting both the per-endpoint and the global gate.
func (c *RESTClient) gateWait(endpoint string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := c.gates[endpoint]
	if g := c.gates[globalGateKey]; g.After(release) {
		release = g
	}
	if release.After(now) {
		return release.Sub(now)
	}
	return 0
}

// extendGate moves the endpoint's release time forward. The gate only
// ever advances; a stale extension never retracts a later one.
func (c *RESTClient) extendGate(endpoint string, release time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if release.After(c.gates[endpoint]) {
		c.gates[endpoint] = release
	}
}

// do issues one call, honoring the shared rate-limit gate and retrying
// on 429 within the wait budget. Any non-429 non-2xx response is a
// hard failure with no retry. On success the body is decoded into out
// (when non-nil); a decode failure is a hard failure too.
func (c *RESTClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	start := time.Now()

	if wait := c.gateWait(endpoint, start); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("discord: marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		retryAfter, err := c.attempt(ctx, method, endpoint, bodyBytes, out)
		if err == nil {
			return nil
		}
		if retryAfter == 0 {
			return err
		}

		c.extendGate(endpoint, time.Now().Add(retryAfter))

		elapsed := time.Since(start)
		if elapsed+retryAfter > maxRateLimitWait {
			slog.Error("rate limit exceeds max wait, giving up",
				"endpoint", endpoint,
				"elapsed", elapsed,
				"wait", retryAfter,
				"retries", attempt)
			return fmt.Errorf("%w: %s (elapsed %s, next wait %s)",
				ErrRateLimitMaxWait, endpoint, elapsed.Round(time.Millisecond), retryAfter)
		}
		if attempt >= maxRetries {
			return fmt.Errorf("discord: %s %s: rate limited after %d attempts", method, endpoint, attempt+1)
		}

		slog.Warn("rate limited, retrying",
			"endpoint", endpoint,
			"wait", retryAfter,
			"retry", attempt+1)
		if err := c.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// attempt performs a single HTTP exchange. A non-zero retryAfter
// signals a 429 the caller may retry after waiting.
func (c *RESTClient) attempt(ctx context.Context, method, endpoint string, body []byte, out any) (retryAfter time.Duration, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are deliberately not retried, unlike
		// 429s.
		return 0, fmt.Errorf("discord: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var rl rateLimitBody
		wait := defaultRetryAfter
		if decodeErr := json.NewDecoder(resp.Body).Decode(&rl); decodeErr == nil && rl.RetryAfter > 0 {
			wait = time.Duration(rl.RetryAfter * float64(time.Second))
		}
		if rl.Global {
			c.extendGate(globalGateKey, time.Now().Add(wait))
		}
		return wait, fmt.Errorf("discord: %s %s: rate limited", method, endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("discord: %s %s: unexpected status %d: %s",
			method, endpoint, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return 0, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("discord: %s %s: decode response: %w", method, endpoint, err)
	}
	return 0, nil
}

// ChannelMessages fetches up to limit recent messages from a channel,
// newest first.
func (c *RESTClient) ChannelMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	endpoint := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Message fetches a single message by id.
func (c *RESTClient) Message(ctx context.Context, channelID, messageID string) (*Message, error) {
	endpoint := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	var msg Message
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CreateMessage posts a message, optionally as a reply, and returns
// the created message id.
func (c *RESTClient) CreateMessage(ctx context.Context, channelID, content string, ref *MessageReference) (*CreatedMessage, error) {
	endpoint := fmt.Sprintf("/channels/%s/messages", channelID)
	req := struct {
		Content   string            `json:"content"`
		Reference *MessageReference `json:"message_reference,omitempty"`
	}{Content: content, Reference: ref}
	var created CreatedMessage
	if err := c.do(ctx, http.MethodPost, endpoint, req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GuildMember fetches the guild membership record for a user id.
func (c *RESTClient) GuildMember(ctx context.Context, guildID, userID string) (*GuildMember, error) {
	endpoint := fmt.Sprintf("/guilds/%s/members/%s", guildID, url.PathEscape(userID))
	var member GuildMember
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &member); err != nil {
		return nil, err
	}
	return &member, nil
}
