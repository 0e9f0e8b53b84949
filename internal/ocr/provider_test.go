package ocr

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/NayerAli/ocrdrop/internal/config"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     config.Provider
		wantErr bool
		kind    Kind
	}{
		{
			name: "google",
			cfg:  config.Provider{Kind: "google", GoogleAPIKey: "k"},
			kind: KindGoogle,
		},
		{
			name:    "google without key",
			cfg:     config.Provider{Kind: "google"},
			wantErr: true,
		},
		{
			name: "azure",
			cfg:  config.Provider{Kind: "azure", AzureAPIKey: "k", AzureRegion: "westeurope"},
			kind: KindAzure,
		},
		{
			name:    "azure without region",
			cfg:     config.Provider{Kind: "azure", AzureAPIKey: "k"},
			wantErr: true,
		},
		{
			name: "mistral",
			cfg:  config.Provider{Kind: "mistral", MistralAPIKey: "k"},
			kind: KindMistral,
		},
		{
			name:    "unknown kind",
			cfg:     config.Provider{Kind: "tesseract"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg, 30*time.Second)
			if tt.wantErr {
				var cfgErr *ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("err = %v, want ConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Kind() != tt.kind {
				t.Errorf("kind = %q, want %q", p.Kind(), tt.kind)
			}
		})
	}
}

func TestRetryAfterParsing(t *testing.T) {
	t.Parallel()
	fallback := 30 * time.Second

	resp := &http.Response{Header: http.Header{}}
	if got := retryAfter(resp, fallback); got != fallback {
		t.Errorf("missing header: got %s, want fallback", got)
	}

	resp.Header.Set("Retry-After", "15")
	if got := retryAfter(resp, fallback); got != 15*time.Second {
		t.Errorf("delta-seconds: got %s, want 15s", got)
	}

	resp.Header.Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
	got := retryAfter(resp, fallback)
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("http date: got %s, want roughly 90s", got)
	}

	resp.Header.Set("Retry-After", "garbage")
	if got := retryAfter(resp, fallback); got != fallback {
		t.Errorf("unparsable header: got %s, want fallback", got)
	}
}

func TestIsRateLimitUnwraps(t *testing.T) {
	t.Parallel()
	inner := &RateLimitError{Provider: KindGoogle, RetryAfter: time.Second}
	wrapped := errors.Join(errors.New("page 3"), inner)
	rle, ok := IsRateLimit(wrapped)
	if !ok || rle != inner {
		t.Fatalf("IsRateLimit failed to find the wrapped error")
	}
	if _, ok := IsRateLimit(errors.New("plain")); ok {
		t.Fatalf("plain error must not match")
	}
}
