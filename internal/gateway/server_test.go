package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeMinter struct {
	token string
	err   error
}

func (m *fakeMinter) Mint(context.Context) (string, error) { return m.token, m.err }

func newTestServer(t *testing.T, completer Completer, minter Minter) *httptest.Server {
	t.Helper()
	assistant := newTestAssistant(completer, &fakeStore{})
	srv := NewServer(":0", assistant, "dg-secret", minter)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) (int, map[string]string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body, resp.Header
}

func TestDeepgramTokenEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeCompleter{}, &fakeMinter{})

	status, body, hdr := getJSON(t, ts.URL+"/functions/v1/deepgram-token")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["key"] != "dg-secret" {
		t.Errorf("key = %q", body["key"])
	}
	if hdr.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestHeyGenTokenEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeCompleter{}, &fakeMinter{token: "hg-session"})

	status, body, _ := getJSON(t, ts.URL+"/functions/v1/heygen-token")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["token"] != "hg-session" {
		t.Errorf("token = %q", body["token"])
	}
}

func TestHeyGenTokenEndpoint_MintFailure(t *testing.T) {
	ts := newTestServer(t, &fakeCompleter{}, &fakeMinter{err: fmt.Errorf("upstream down")})

	status, body, _ := getJSON(t, ts.URL+"/functions/v1/heygen-token")
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if body["error"] == "" {
		t.Error("no error payload")
	}
	// The provider key and upstream detail stay server-side.
	if strings.Contains(body["error"], "upstream down") {
		t.Errorf("upstream detail leaked: %q", body["error"])
	}
}

func TestTokenEndpoints_RecordFetches(t *testing.T) {
	m, reader := newTelemetry(t)
	assistant := newTestAssistant(&fakeCompleter{}, &fakeStore{})
	srv := NewServer(":0", assistant, "dg-secret",
		&fakeMinter{err: fmt.Errorf("upstream down")}, WithTelemetry(m))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	getJSON(t, ts.URL+"/functions/v1/deepgram-token") // succeeds
	getJSON(t, ts.URL+"/functions/v1/heygen-token")   // mint fails

	if got := counterTotal(t, reader, "estatevoice.token.fetches"); got != 2 {
		t.Errorf("token fetches = %d, want 2 (one per endpoint hit)", got)
	}
}

func TestAssistantEndpoint(t *testing.T) {
	fc := &fakeCompleter{script: []string{textCompletion("Hello! I'm Estate Buddy.")}}
	ts := newTestServer(t, fc, &fakeMinter{})

	resp, err := http.Post(ts.URL+"/functions/v1/openai-assistant", "application/json",
		strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["text"] != "Hello! I'm Estate Buddy." {
		t.Errorf("text = %q", body["text"])
	}
	if body["threadId"] == "" {
		t.Error("no threadId returned")
	}
}

func TestAssistantEndpoint_MessageRequired(t *testing.T) {
	ts := newTestServer(t, &fakeCompleter{}, &fakeMinter{})

	resp, err := http.Post(ts.URL+"/functions/v1/openai-assistant", "application/json",
		strings.NewReader(`{"threadId":"t-1"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "Message is required" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAssistantEndpoint_TurnFailure(t *testing.T) {
	fc := &fakeCompleter{err: fmt.Errorf("model unavailable")}
	ts := newTestServer(t, fc, &fakeMinter{})

	resp, err := http.Post(ts.URL+"/functions/v1/openai-assistant", "application/json",
		strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] == "" {
		t.Error("no error payload")
	}
}

func TestSummaryEndpoint(t *testing.T) {
	fc := &fakeCompleter{script: []string{textCompletion(summaryJSON)}}
	store := &fakeStore{}
	assistant := newTestAssistant(fc, store)
	srv := NewServer(":0", assistant, "dg-secret", &fakeMinter{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/functions/v1/conversation-summary", "application/json",
		strings.NewReader(`{"transcript":"customer: I'm Jordan, after a 2BHK","leadId":"lead-7"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Success bool    `json:"success"`
		Summary Summary `json:"summary"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if !body.Success {
		t.Error("success = false")
	}
	if body.Summary.PersonName != "Jordan Reyes" || body.Summary.InterestLevel != "High" {
		t.Errorf("summary = %+v", body.Summary)
	}

	// The leadId in the request files the prospect in the CRM.
	if len(store.createdLeads) != 1 || store.createdLeads[0].ID != "lead-7" {
		t.Errorf("created leads = %+v", store.createdLeads)
	}
}

func TestSummaryEndpoint_TranscriptRequired(t *testing.T) {
	ts := newTestServer(t, &fakeCompleter{}, &fakeMinter{})

	resp, err := http.Post(ts.URL+"/functions/v1/conversation-summary", "application/json",
		strings.NewReader(`{"leadId":"lead-7"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "Transcript is required" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestSummaryEndpoint_LeadCaptureFailureKeepsSummary(t *testing.T) {
	fc := &fakeCompleter{script: []string{textCompletion(summaryJSON)}}
	store := &fakeStore{createErr: fmt.Errorf("connection refused")}
	assistant := newTestAssistant(fc, store)
	srv := NewServer(":0", assistant, "dg-secret", &fakeMinter{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/functions/v1/conversation-summary", "application/json",
		strings.NewReader(`{"transcript":"customer: hi","leadId":"lead-7"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want summary despite CRM failure", resp.StatusCode)
	}
}

func TestPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeCompleter{}, &fakeMinter{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/functions/v1/openai-assistant", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing preflight CORS headers")
	}
}
