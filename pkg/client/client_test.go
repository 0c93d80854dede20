package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// fakeNode is one API endpoint that either serves or redirects.
type fakeNode struct {
	id     string
	server *httptest.Server

	leader     atomic.Bool
	leaderHint atomic.Value // string
	hits       atomic.Int64
}

func newFakeNode(t *testing.T, id string, handle http.HandlerFunc) *fakeNode {
	t.Helper()
	n := &fakeNode{id: id}
	n.leaderHint.Store("")

	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.hits.Add(1)
		if !n.leader.Load() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusMisdirectedRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":       "not the leader",
				"leader_hint": n.leaderHint.Load().(string),
			})
			return
		}
		handle(w, r)
	}))
	t.Cleanup(n.server.Close)
	return n
}

func endpoints(nodes ...*fakeNode) map[string]string {
	out := make(map[string]string, len(nodes))
	for _, n := range nodes {
		out[n.id] = n.server.URL
	}
	return out
}

func okJSON(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func TestFollowsLeaderHint(t *testing.T) {
	leader := newFakeNode(t, "n1", okJSON(map[string][]string{"users": {"alice"}}))
	leader.leader.Store(true)

	follower := newFakeNode(t, "n2", nil)
	follower.leaderHint.Store("n1")

	// Start aimed at the follower so the first answer is a redirect.
	c, err := New(Config{Endpoints: endpoints(follower, leader)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.mu.Lock()
	c.current = "n2"
	c.mu.Unlock()

	users, err := c.ListUsers(context.Background(), "")
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("users = %v", users)
	}
	if got := c.pick(); got != "n1" {
		t.Errorf("client still aimed at %s", got)
	}
}

func TestRotatesWithoutHint(t *testing.T) {
	leader := newFakeNode(t, "n1", okJSON(map[string][]string{"users": {}}))
	leader.leader.Store(true)

	follower := newFakeNode(t, "n2", nil) // empty hint

	c, err := New(Config{Endpoints: endpoints(follower, leader)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.mu.Lock()
	c.current = "n2"
	c.mu.Unlock()

	if _, err := c.ListUsers(context.Background(), ""); err != nil {
		t.Fatalf("list users: %v", err)
	}
	if follower.hits.Load() == 0 || leader.hits.Load() == 0 {
		t.Errorf("hits: follower=%d leader=%d", follower.hits.Load(), leader.hits.Load())
	}
}

func TestDefinitiveErrorsDoNotRetry(t *testing.T) {
	leader := newFakeNode(t, "n1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "already exists"})
	})
	leader.leader.Store(true)

	c, err := New(Config{Endpoints: endpoints(leader)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = c.Register(context.Background(), "alice", "pw")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("err = %v", err)
	}
	if leader.hits.Load() != 1 {
		t.Errorf("conflict retried: %d hits", leader.hits.Load())
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	follower := newFakeNode(t, "n1", nil) // always redirects, hint unknown
	follower.leaderHint.Store("ghost")

	c, err := New(Config{Endpoints: endpoints(follower), MaxAttempts: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := c.ListUsers(context.Background(), ""); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("err = %v", err)
	}
}

func TestTokenAttachedAfterLogin(t *testing.T) {
	var seenAuth atomic.Value
	seenAuth.Store("")

	leader := newFakeNode(t, "n1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/sessions":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
		case "/v1/mailbox/counts":
			seenAuth.Store(r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(MailboxCounts{Unread: 2, Read: 1})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	leader.leader.Store(true)

	c, err := New(Config{Endpoints: endpoints(leader)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	counts, err := c.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Unread != 2 || counts.Read != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if seenAuth.Load().(string) != "Bearer tok-123" {
		t.Errorf("authorization header = %q", seenAuth.Load())
	}
}

func TestClusterStatusQueriesAllNodes(t *testing.T) {
	n1 := newFakeNode(t, "n1", okJSON(ClusterStatus{ID: "n1", Role: "leader", LeaderID: "n1"}))
	n1.leader.Store(true)
	n2 := newFakeNode(t, "n2", okJSON(ClusterStatus{ID: "n2", Role: "follower", LeaderID: "n1"}))
	n2.leader.Store(true) // status answers locally on any node

	c, err := New(Config{Endpoints: endpoints(n1, n2)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	statuses, err := c.ClusterStatus(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 || statuses["n1"].Role != "leader" || statuses["n2"].LeaderID != "n1" {
		t.Errorf("statuses = %+v", statuses)
	}
}
