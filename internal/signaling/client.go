package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxBackoff caps the reconnect delay after repeated poll failures.
const maxBackoff = 30 * time.Second

// Client talks to a signalling Hub over HTTP long-poll. Received
// messages are delivered, in order, to the handler passed to Run.
// Reconnects are automatic with exponential backoff; a reconnect
// re-joins, so the hub state survives restarts on either side.
type Client struct {
	baseURL   string
	peerID    string
	publicKey string
	log       *slog.Logger
	http      *http.Client

	mu     sync.Mutex
	joined bool
}

// NewClient creates a Client for the hub at baseURL (e.g.
// "http://hub.example:8080").
func NewClient(baseURL, peerID, publicKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   baseURL,
		peerID:    peerID,
		publicKey: publicKey,
		log:       logger.With("component", "signaling", "peer_id", peerID),
		http:      &http.Client{Timeout: pollWait + 10*time.Second},
	}
}

// join announces this peer and returns the raw peers reply.
func (c *Client) join(ctx context.Context) ([]byte, error) {
	body, err := marshalRaw(map[string]any{
		"type":      "join",
		"peerId":    c.peerID,
		"publicKey": c.publicKey,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, "/join", body)
	if err != nil {
		return nil, fmt.Errorf("joining hub: %w", err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return resp, nil
}

// Send delivers one already-marshalled protocol message to the hub.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	_, err := c.post(ctx, "/send?from="+url.QueryEscape(c.peerID), msg)
	if err != nil {
		return fmt.Errorf("sending signalling message: %w", err)
	}
	return nil
}

// Run joins the hub and polls until ctx is cancelled, invoking handler
// for every received raw message (the initial peers reply included).
// Poll failures rejoin with exponential backoff.
func (c *Client) Run(ctx context.Context, handler func(raw []byte)) error {
	failures := 0
	for ctx.Err() == nil {
		peers, err := c.join(ctx)
		if err != nil {
			failures++
			if !c.sleep(ctx, backoff(failures)) {
				break
			}
			continue
		}
		handler(peers)
		failures = 0

		for ctx.Err() == nil {
			msgs, err := c.poll(ctx)
			if err != nil {
				c.log.Warn("poll failed, rejoining", "err", err)
				failures++
				if !c.sleep(ctx, backoff(failures)) {
					return ctx.Err()
				}
				break
			}
			failures = 0
			for _, m := range msgs {
				handler(m)
			}
		}
	}
	return ctx.Err()
}

// Leave tells the hub this peer is going away. Best-effort.
func (c *Client) Leave(ctx context.Context) {
	c.mu.Lock()
	joined := c.joined
	c.joined = false
	c.mu.Unlock()
	if !joined {
		return
	}
	if _, err := c.post(ctx, "/leave?peer="+url.QueryEscape(c.peerID), nil); err != nil {
		c.log.Debug("leave failed", "err", err)
	}
}

func (c *Client) poll(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/poll?peer="+url.QueryEscape(c.peerID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll returned %s", resp.Status)
	}
	var msgs []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	return msgs, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s: %s", path, resp.Status, bytes.TrimSpace(data))
	}
	return data, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoff returns the delay before the nth consecutive retry.
func backoff(n int) time.Duration {
	d := time.Duration(math.Pow(2, float64(n-1))) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func marshalRaw(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return b, nil
}
