package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestMistral(url string) *Mistral {
	m := NewMistral("mistral-key", "", 30*time.Second)
	m.endpoint = url
	return m
}

func TestMistralProcessPDF(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer mistral-key" {
			t.Errorf("authorization = %q", got)
		}
		var req mistralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "mistral-ocr-latest" {
			t.Errorf("model = %q, want the default", req.Model)
		}
		if req.Document.Type != "document_url" {
			t.Errorf("document type = %q, want document_url", req.Document.Type)
		}
		if !strings.HasPrefix(req.Document.DocumentURL, "data:application/pdf;base64,") {
			t.Errorf("document url is not a pdf data url: %.40s", req.Document.DocumentURL)
		}
		w.Write([]byte(`{"pages":[{"index":1,"markdown":"page two"},{"index":0,"markdown":"page one"}]}`))
	}))
	defer srv.Close()

	pages, err := newTestMistral(srv.URL).ProcessPDF(context.Background(), []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("ProcessPDF: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	// The index field, not arrival order, decides placement.
	if pages[0].Text != "page one" || pages[1].Text != "page two" {
		t.Errorf("pages out of order: %+v", pages)
	}
}

func TestMistralProcessImage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Document.Type != "image_url" {
			t.Errorf("document type = %q, want image_url", req.Document.Type)
		}
		if !strings.HasPrefix(req.Document.ImageURL, "data:image/png;base64,") {
			t.Errorf("image url = %.40s", req.Document.ImageURL)
		}
		w.Write([]byte(`{"pages":[{"index":0,"markdown":"scanned text"}]}`))
	}))
	defer srv.Close()

	got, err := newTestMistral(srv.URL).ProcessImage(context.Background(), []byte("img"), "image/png")
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if got.Text != "scanned text" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestStripImageRefs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "inline reference removed",
			in:   "before\n![img-0.jpeg](img-0.jpeg)\nafter",
			want: "before\n\nafter",
		},
		{
			name: "collapses stacked blank lines",
			in:   "top\n\n![a](a.png)\n\n![b](b.png)\n\nbottom",
			want: "top\n\nbottom",
		},
		{
			name: "plain markdown untouched",
			in:   "# Title\n\nsome [link](https://example.com) text",
			want: "# Title\n\nsome [link](https://example.com) text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripImageRefs(tt.in); got != tt.want {
				t.Errorf("stripImageRefs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
