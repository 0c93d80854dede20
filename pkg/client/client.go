// Package client is the Go SDK for the cluster's HTTP API. It follows
// leader redirects, retries with capped backoff and shields each
// endpoint behind a circuit breaker so one dead node cannot absorb
// every attempt.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Message mirrors the server's message resource.
type Message struct {
	ID      uint64 `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// MailboxCounts mirrors the server's counts resource.
type MailboxCounts struct {
	Unread int `json:"unread"`
	Read   int `json:"read"`
}

// ClusterStatus mirrors one node's view of the cluster.
type ClusterStatus struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
	LastIndex   uint64 `json:"last_index"`
}

// APIError is a non-2xx answer that is not a leader redirect.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server answered %d: %s", e.StatusCode, e.Message)
}

// ErrNoEndpoints means every configured endpoint refused or failed.
var ErrNoEndpoints = errors.New("client: no reachable endpoint")

const (
	defaultMaxAttempts = 5
	backoffBase        = 100 * time.Millisecond
	backoffCap         = 2 * time.Second
)

type Config struct {
	// Endpoints maps node id to that node's client API base URL,
	// e.g. "n1" -> "http://10.0.0.1:8080". The mapping lets the client
	// translate leader hints straight into a target.
	Endpoints map[string]string

	// MaxAttempts bounds one logical call across redirects and
	// failures; zero means the default.
	MaxAttempts int

	HTTPClient *http.Client
}

type Client struct {
	endpoints   map[string]string
	order       []string // deterministic rotation order
	maxAttempts int
	http        *http.Client

	mu       sync.Mutex
	current  string
	token    string
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("client: at least one endpoint is required")
	}

	c := &Client{
		endpoints:   make(map[string]string, len(cfg.Endpoints)),
		maxAttempts: cfg.MaxAttempts,
		http:        cfg.HTTPClient,
		breakers:    make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints)),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}

	for id, base := range cfg.Endpoints {
		c.endpoints[id] = base
		c.order = append(c.order, id)
		c.breakers[id] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    id,
			Timeout: 5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// Redirects and definitive API answers prove the node is
			// alive; only transport failures should open the breaker.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var redirect *redirectError
				var apiErr *APIError
				return errors.As(err, &redirect) || errors.As(err, &apiErr)
			},
		})
	}
	c.current = c.order[0]
	return c, nil
}

// redirectError carries a leader hint out of one attempt.
type redirectError struct {
	leaderID string
}

func (e *redirectError) Error() string {
	return fmt.Sprintf("client: redirected to %s", e.leaderID)
}

func (c *Client) pick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// rotate moves to the hinted node, or to the next one in order when
// the hint is empty or unknown.
func (c *Client) rotate(hint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hint != "" {
		if _, ok := c.endpoints[hint]; ok {
			c.current = hint
			return
		}
	}
	for i, id := range c.order {
		if id == c.current {
			c.current = c.order[(i+1)%len(c.order)]
			return
		}
	}
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// do runs one logical API call, following leader hints and backing off
// between attempts.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		nodeID := c.pick()
		err := c.attempt(ctx, nodeID, method, path, body, out)
		if err == nil {
			return nil
		}

		var redirect *redirectError
		if errors.As(err, &redirect) {
			c.rotate(redirect.leaderID)
			lastErr = err
			continue
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			// Definitive answer; retrying another node cannot change it.
			return err
		}

		c.rotate("")
		lastErr = err
	}

	return fmt.Errorf("%w: %v", ErrNoEndpoints, lastErr)
}

func (c *Client) attempt(ctx context.Context, nodeID, method, path string, body, out any) error {
	breaker := c.breakers[nodeID]

	_, err := breaker.Execute(func() (any, error) {
		var payload io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			payload = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.endpoints[nodeID]+path, payload)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusMisdirectedRequest:
			var hint struct {
				LeaderHint string `json:"leader_hint"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&hint)
			return nil, &redirectError{leaderID: hint.LeaderHint}

		case resp.StatusCode >= 400:
			var body struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			return nil, &APIError{StatusCode: resp.StatusCode, Message: body.Error}
		}

		if out != nil && resp.StatusCode != http.StatusNoContent {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	return err
}
