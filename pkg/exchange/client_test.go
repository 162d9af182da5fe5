package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// assistantStub records request bodies and replies from a script.
type assistantStub struct {
	mu       sync.Mutex
	requests []exchangeRequest
	replies  []string
	status   int
	errBody  string
}

func (s *assistantStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req exchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		n := len(s.requests)
		s.mu.Unlock()

		if s.status != 0 {
			w.WriteHeader(s.status)
			w.Write([]byte(s.errBody))
			return
		}
		json.NewEncoder(w).Encode(exchangeResponse{
			Text:     s.replies[n-1],
			ThreadID: "thread-xyz",
		})
	}
}

func TestSend_ThreadsTurns(t *testing.T) {
	stub := &assistantStub{replies: []string{"Hi there!", "Sure, 2BR units start at 450k."}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "anon", WithSystemPrompt("You are Estate Buddy."))

	reply, err := c.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if reply != "Hi there!" {
		t.Errorf("reply = %q", reply)
	}
	if _, err := c.Send(context.Background(), "what do two bedrooms cost"); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	first, second := stub.requests[0], stub.requests[1]
	if first.ThreadID != "" {
		t.Errorf("first turn threadId = %q, want empty", first.ThreadID)
	}
	if first.SystemPrompt != "You are Estate Buddy." {
		t.Errorf("first turn systemPrompt = %q", first.SystemPrompt)
	}
	if second.ThreadID != "thread-xyz" {
		t.Errorf("second turn threadId = %q, want thread-xyz", second.ThreadID)
	}
	if second.SystemPrompt != "" {
		t.Errorf("second turn systemPrompt = %q, want empty", second.SystemPrompt)
	}
	if c.ThreadID() != "thread-xyz" {
		t.Errorf("ThreadID = %q", c.ThreadID())
	}
}

func TestSend_TranscriptOrder(t *testing.T) {
	stub := &assistantStub{replies: []string{"reply one", "reply two"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "anon")
	c.Send(context.Background(), "question one")
	c.Send(context.Background(), "question two")

	turns := c.Turns()
	want := []struct {
		role Role
		text string
	}{
		{RoleUser, "question one"},
		{RoleAssistant, "reply one"},
		{RoleUser, "question two"},
		{RoleAssistant, "reply two"},
	}
	if len(turns) != len(want) {
		t.Fatalf("turns = %d, want %d", len(turns), len(want))
	}
	for i, w := range want {
		if turns[i].Role != w.role || turns[i].Text != w.text {
			t.Errorf("turn %d = %s %q, want %s %q", i, turns[i].Role, turns[i].Text, w.role, w.text)
		}
		if turns[i].Timestamp.IsZero() {
			t.Errorf("turn %d has zero timestamp", i)
		}
	}
}

func TestSend_BackendError(t *testing.T) {
	stub := &assistantStub{status: http.StatusInternalServerError, errBody: `{"error":"run failed"}`}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "anon")
	_, err := c.Send(context.Background(), "hello")
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("error = %T (%v), want *Error", err, err)
	}
	if ee.Status != http.StatusInternalServerError {
		t.Errorf("status = %d", ee.Status)
	}
	if ee.Message != "run failed" {
		t.Errorf("message = %q", ee.Message)
	}

	// Failed turn records only the user side.
	turns := c.Turns()
	if len(turns) != 1 || turns[0].Role != RoleUser {
		t.Errorf("turns after failure = %+v", turns)
	}
}

func TestSend_ErrorPayloadWithOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(exchangeResponse{Error: "assistant unavailable"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon")
	_, err := c.Send(context.Background(), "hello")
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("error = %T, want *Error", err)
	}
	if ee.Message != "assistant unavailable" {
		t.Errorf("message = %q", ee.Message)
	}
}

func TestReset_StartsFreshThread(t *testing.T) {
	stub := &assistantStub{replies: []string{"a", "b"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "anon", WithSystemPrompt("prompt"))
	if _, err := c.Send(context.Background(), "one"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c.Reset()

	if c.ThreadID() != "" {
		t.Errorf("ThreadID after Reset = %q", c.ThreadID())
	}
	if len(c.Turns()) != 0 {
		t.Errorf("turns after Reset = %d", len(c.Turns()))
	}

	if _, err := c.Send(context.Background(), "two"); err != nil {
		t.Fatalf("Send after Reset: %v", err)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if got := stub.requests[1]; got.ThreadID != "" || got.SystemPrompt != "prompt" {
		t.Errorf("post-Reset request = %+v, want fresh thread with system prompt", got)
	}
}

func TestTurns_ReturnsCopy(t *testing.T) {
	stub := &assistantStub{replies: []string{"a"}}
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL, "anon")
	c.Send(context.Background(), "one")

	turns := c.Turns()
	turns[0].Text = "mutated"
	if c.Turns()[0].Text != "one" {
		t.Error("Turns exposed internal slice")
	}
}
