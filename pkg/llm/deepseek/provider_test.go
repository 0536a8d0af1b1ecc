package deepseek

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BaseURL != "https://api.deepseek.com" {
		t.Errorf("expected BaseURL https://api.deepseek.com, got %s", cfg.BaseURL)
	}
	if cfg.ChatModel != "deepseek-chat" {
		t.Errorf("expected ChatModel deepseek-chat, got %s", cfg.ChatModel)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("expected Timeout 120s, got %v", cfg.Timeout)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name      string
		config    map[string]any
		wantError bool
	}{
		{
			name:      "valid config",
			config:    map[string]any{"api_key": "test-key"},
			wantError: false,
		},
		{
			name: "custom config",
			config: map[string]any{
				"api_key":    "test-key",
				"base_url":   "https://example.com",
				"chat_model": "deepseek-reasoner",
			},
			wantError: false,
		},
		{
			name:      "missing api_key",
			config:    map[string]any{},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.config)
			if tt.wantError {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider.Name() != ProviderName {
				t.Errorf("expected name %s, got %s", ProviderName, provider.Name())
			}
		})
	}
}

func TestProviderStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected Authorization header: %s", auth)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"你好\"},\"finish_reason\":null}]}\n\n" +
				"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"，世界\"},\"finish_reason\":null}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer server.Close()

	provider := NewProviderWithConfig(&Config{
		BaseURL:   server.URL,
		APIKey:    "test-key",
		ChatModel: "deepseek-chat",
		Timeout:   5 * time.Second,
	})

	ch, err := provider.Stream(context.Background(), "打个招呼", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content strings.Builder
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		content.WriteString(chunk.Content)
	}

	if content.String() != "你好，世界" {
		t.Errorf("unexpected content: %q", content.String())
	}
	if !done {
		t.Error("expected done chunk")
	}
}

func TestProviderStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"error\":{\"message\":\"insufficient balance\",\"type\":\"invalid_request_error\"}}\n\n"))
	}))
	defer server.Close()

	provider := NewProviderWithConfig(&Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})

	ch, err := provider.Stream(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	if streamErr == nil {
		t.Fatal("expected stream error, got nil")
	}
	if !strings.Contains(streamErr.Error(), "insufficient balance") {
		t.Errorf("expected error to contain 'insufficient balance', got %v", streamErr)
	}
}

func TestIsAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("expected path /models, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := NewProviderWithConfig(&Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	})

	if !provider.IsAvailable(context.Background()) {
		t.Error("expected provider to be available")
	}

	server.Close()
	if provider.IsAvailable(context.Background()) {
		t.Error("expected provider to be unavailable after server close")
	}
}
