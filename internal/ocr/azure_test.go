package ocr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAzure(url string) *Azure {
	a := NewAzure("azure-key", "westeurope", 30*time.Second)
	a.endpoint = url
	return a
}

func TestAzureProcessImage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Ocp-Apim-Subscription-Key"); got != "azure-key" {
			t.Errorf("subscription key = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Errorf("content type = %q, want image/jpeg", got)
		}
		w.Write([]byte(`{"language":"en","regions":[{"lines":[{"words":[{"text":"first"},{"text":"line"}]},{"words":[{"text":"second"}]}]}]}`))
	}))
	defer srv.Close()

	got, err := newTestAzure(srv.URL).ProcessImage(context.Background(), []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if got.Text != "first line\nsecond" {
		t.Errorf("text = %q, want %q", got.Text, "first line\nsecond")
	}
	if got.Language != "en" {
		t.Errorf("language = %q, want en", got.Language)
	}
}

func TestAzureReversesRTLWords(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"language":"ar","regions":[{"lines":[{"words":[{"text":"c"},{"text":"b"},{"text":"a"}]}]}]}`))
	}))
	defer srv.Close()

	got, err := newTestAzure(srv.URL).ProcessImage(context.Background(), []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if got.Text != "a b c" {
		t.Errorf("text = %q, want words reversed into %q", got.Text, "a b c")
	}
}

func TestFlattenRegions(t *testing.T) {
	t.Parallel()
	regions := []azureRegion{
		{Lines: []azureLine{{Words: []azureWord{{Text: "one"}, {Text: "two"}}}}},
		{Lines: []azureLine{{Words: []azureWord{{Text: "three"}}}}},
	}
	if got := flattenRegions(regions, false); got != "one two\nthree" {
		t.Errorf("flattenRegions = %q", got)
	}
	if got := flattenRegions(nil, false); got != "" {
		t.Errorf("flattenRegions(nil) = %q, want empty", got)
	}
}

func TestAzureNotFoundIsConfigError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestAzure(srv.URL).ProcessImage(context.Background(), []byte("img"), "image/png")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError for a bad region", err)
	}
}
