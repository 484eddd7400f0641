package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/classifier"
	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestClassify_Success(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"intent": "booking", "confidence": 0.82}`)}
	client := &Client{chat: mock, model: "test-model", maxTokens: 20}

	out, err := client.Classify(context.Background(), "queria ver um horario pra sexta", classifier.ClassifyContext{
		Labels: []string{"booking", "pricing"},
		Domain: "beauty",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Label != "booking" || out.Confidence != 0.82 {
		t.Errorf("unexpected classification %+v", out)
	}
	if string(mock.params.Model) != "test-model" {
		t.Errorf("expected model test-model, got %q", mock.params.Model)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params.Messages))
	}
}

func TestClassify_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Classify(context.Background(), "oi", classifier.ClassifyContext{Labels: []string{"greeting"}})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestClassify_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.Classify(context.Background(), "oi", classifier.ClassifyContext{Labels: []string{"greeting"}})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestClassify_CancelledContext(t *testing.T) {
	client, err := NewClient(WithAPIKey("test-key"), WithRateLimit(0.001, 1))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.chat = &mockChatService{resp: completion("greeting")}

	// First call consumes the only token.
	if _, err := client.Classify(context.Background(), "oi", classifier.ClassifyContext{Labels: []string{"greeting"}}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Classify(ctx, "oi", classifier.ClassifyContext{Labels: []string{"greeting"}}); err == nil {
		t.Error("expected rate limiter error on cancelled context")
	}
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		in        string
		wantLabel string
		wantConf  float64
	}{
		{`{"intent":"pricing","confidence":0.9}`, "pricing", 0.9},
		{"```json\n{\"intent\":\"cancel\",\"confidence\":0.7}\n```", "cancel", 0.7},
		{`{"intent":"confirm","confidence":7}`, "confirm", 0.6},
		{`"handoff"`, "handoff", 0.6},
		{"reschedule 0.75", "reschedule", 0.75},
		{"TIMEOUT_WARNING", "TIMEOUT_WARNING", 0.6},
	}
	for _, tt := range tests {
		got := ParseClassification(tt.in)
		if got.Label != tt.wantLabel || got.Confidence != tt.wantConf {
			t.Errorf("ParseClassification(%q) = %+v, want %s/%v", tt.in, got, tt.wantLabel, tt.wantConf)
		}
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.2))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.temperature != 0.2 || cli.maxTokens != DefaultMaxTokens {
		t.Errorf("unexpected client config: model=%s temp=%v max=%d", cli.model, cli.temperature, cli.maxTokens)
	}
}
