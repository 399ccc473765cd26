package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIComplete(t *testing.T) {
	var gotReq oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		_ = json.NewEncoder(w).Encode(oaiResponse{
			ID:    "resp-1",
			Model: gotReq.Model,
			Choices: []oaiChoice{
				{Message: oaiMessage{Role: "assistant", Content: "hello back"}},
			},
			Usage: oaiUsage{PromptTokens: 12, CompletionTokens: 4},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("main", srv.URL, "key-1", "gpt-4o-mini")
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Content != "hello back" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("default model not applied, got %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestOpenAICompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("main", srv.URL, "k", "m")
	_, err := p.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Errorf("err = %v", err)
	}
}

func TestAnthropicComplete(t *testing.T) {
	var gotReq anthRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key-2" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatal(err)
		}
		_ = json.NewEncoder(w).Encode(anthResponse{
			ID:    "msg-1",
			Model: gotReq.Model,
			Content: []anthContentBlock{
				{Type: "text", Text: "part one "},
				{Type: "tool_use", Text: "ignored"},
				{Type: "text", Text: "part two"},
			},
			Usage: anthUsage{InputTokens: 8, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("anth", srv.URL, "key-2", "claude-sonnet")
	resp, err := p.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "short answers"},
			{Role: RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Content != "part one part two" {
		t.Errorf("content = %q", resp.Content)
	}
	// System prompts ride in the dedicated field, not the messages list.
	if gotReq.System != "short answers" {
		t.Errorf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens != anthropicMaxTokens {
		t.Errorf("max_tokens = %d", gotReq.MaxTokens)
	}
}

func TestFromSettings(t *testing.T) {
	p, err := FromSettings(Settings{ID: "a", API: APIOpenAI})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*OpenAIProvider); !ok || p.ID() != "a" {
		t.Errorf("p = %T (%s)", p, p.ID())
	}

	p, err = FromSettings(Settings{ID: "b", API: APIAnthropic})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*AnthropicProvider); !ok {
		t.Errorf("p = %T", p)
	}

	// Empty API defaults to the OpenAI wire format.
	p, err = FromSettings(Settings{ID: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*OpenAIProvider); !ok {
		t.Errorf("p = %T", p)
	}

	if _, err := FromSettings(Settings{ID: "d", API: "grpc"}); err == nil {
		t.Error("unknown api accepted")
	}
}
