package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Register creates a new account.
func (c *Client) Register(ctx context.Context, name, password string) error {
	return c.do(ctx, http.MethodPost, "/v1/accounts", map[string]string{
		"name":     name,
		"password": password,
	}, nil)
}

// Login opens a session and stores the bearer token for later calls.
func (c *Client) Login(ctx context.Context, account, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{
		"account":  account,
		"password": password,
	}, &out)
	if err != nil {
		return err
	}
	c.setToken(out.Token)
	return nil
}

// Logout closes the current session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, "/v1/sessions", nil, nil)
	c.setToken("")
	return err
}

// DeleteAccount removes the logged-in account and everything in its
// mailboxes.
func (c *Client) DeleteAccount(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, "/v1/accounts/me", nil, nil)
	if err == nil {
		c.setToken("")
	}
	return err
}

// Send delivers a message; the returned flag reports whether the
// recipient was online and received it as already read.
func (c *Client) Send(ctx context.Context, to, content string) (Message, bool, error) {
	var out struct {
		Message       Message `json:"message"`
		DeliveredRead bool    `json:"delivered_read"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/messages", map[string]string{
		"to":      to,
		"content": content,
	}, &out)
	return out.Message, out.DeliveredRead, err
}

// PopUnread moves up to n unread messages into the read mailbox and
// returns them; n < 0 pops everything.
func (c *Client) PopUnread(ctx context.Context, n int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/mailbox/pop", map[string]int{"n": n}, &out)
	return out.Messages, err
}

// ReadMessages windows the read mailbox from the newest end.
func (c *Client) ReadMessages(ctx context.Context, offset, count int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/mailbox?offset=%d&count=%d", offset, count)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

// Counts reports mailbox sizes for the logged-in account.
func (c *Client) Counts(ctx context.Context) (MailboxCounts, error) {
	var out MailboxCounts
	err := c.do(ctx, http.MethodGet, "/v1/mailbox/counts", nil, &out)
	return out, err
}

// DeleteMessages removes messages by id from the logged-in account's
// mailboxes. Unknown ids are ignored.
func (c *Client) DeleteMessages(ctx context.Context, ids []uint64) error {
	return c.do(ctx, http.MethodDelete, "/v1/mailbox", map[string][]uint64{"ids": ids}, nil)
}

// ListUsers returns account names matching pattern; `*` wildcards.
func (c *Client) ListUsers(ctx context.Context, pattern string) ([]string, error) {
	var out struct {
		Users []string `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/users?pattern="+pattern, nil, &out)
	return out.Users, err
}

// ClusterStatus asks every configured endpoint for its view of the
// cluster in parallel. Unreachable nodes are simply absent from the
// result.
func (c *Client) ClusterStatus(ctx context.Context) (map[string]ClusterStatus, error) {
	var mu sync.Mutex
	statuses := make(map[string]ClusterStatus)

	g, ctx := errgroup.WithContext(ctx)
	for id := range c.endpoints {
		id := id
		g.Go(func() error {
			var status ClusterStatus
			if err := c.attempt(ctx, id, http.MethodGet, "/v1/cluster/status", nil, &status); err != nil {
				return nil // a dead node is a finding, not a failure
			}
			mu.Lock()
			statuses[id] = status
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}
