package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"conference-backend/internal/config"
)

func testClient(baseURL string) *Client {
	return NewClient(&config.AIConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
	})
}

func completionResponse(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + jsonQuote(content) + `}}]}`
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestSummarize(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(completionResponse("the minutes")))
	}))
	defer srv.Close()

	summary, err := testClient(srv.URL).Summarize(context.Background(), "Alice: hello\n")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "the minutes" {
		t.Fatalf("summary = %q", summary)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotReq.Model != "test-model" || len(gotReq.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	if gotReq.Messages[1].Content != "Alice: hello\n" {
		t.Fatalf("transcript not forwarded: %q", gotReq.Messages[1].Content)
	}
}

func TestSummarizeWithoutKey(t *testing.T) {
	c := NewClient(&config.AIConfig{BaseURL: "http://unused"})
	if _, err := c.Summarize(context.Background(), "text"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestSummarizeTruncatesTranscript(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotLen = len(req.Messages[1].Content)
		w.Write([]byte(completionResponse("ok")))
	}))
	defer srv.Close()

	long := strings.Repeat("a", MaxTranscriptChars+1000)
	if _, err := testClient(srv.URL).Summarize(context.Background(), long); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if gotLen != MaxTranscriptChars {
		t.Fatalf("transcript length sent = %d, want %d", gotLen, MaxTranscriptChars)
	}
}

func TestSummarizeRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		w.Write([]byte(completionResponse("ok")))
	}))
	defer srv.Close()

	summary, err := testClient(srv.URL).Summarize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "ok" {
		t.Fatalf("summary = %q", summary)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("server called %d times, want 3", got)
	}
}

func TestSummarizeGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"down"}}`))
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Summarize(context.Background(), "text"); err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}
