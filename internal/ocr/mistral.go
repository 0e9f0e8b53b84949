package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const mistralEndpoint = "https://api.mistral.ai/v1/ocr"

// Mistral calls the Mistral OCR API. Unlike the vision vendors it accepts a
// whole PDF in one submission and returns markdown per page.
type Mistral struct {
	endpoint     string
	apiKey       string
	model        string
	fallbackWait time.Duration
	httpClient   *http.Client
}

var _ DocumentProvider = (*Mistral)(nil)

// NewMistral builds a Mistral OCR client.
func NewMistral(apiKey, model string, fallbackWait time.Duration) *Mistral {
	if model == "" {
		model = "mistral-ocr-latest"
	}
	return &Mistral{
		endpoint:     mistralEndpoint,
		apiKey:       apiKey,
		model:        model,
		fallbackWait: fallbackWait,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (m *Mistral) Kind() Kind { return KindMistral }

type mistralDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type mistralRequest struct {
	Model              string          `json:"model"`
	Document           mistralDocument `json:"document"`
	IncludeImageBase64 bool            `json:"include_image_base64"`
}

type mistralResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// ProcessImage submits a single image as a data URL.
func (m *Mistral) ProcessImage(ctx context.Context, img []byte, mimeType string) (PageText, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	doc := mistralDocument{
		Type:     "image_url",
		ImageURL: dataURL(mimeType, img),
	}
	pages, err := m.submit(ctx, doc)
	if err != nil {
		return PageText{}, err
	}
	if len(pages) == 0 {
		return PageText{}, nil
	}
	return pages[0], nil
}

// ProcessPDF submits the whole document and returns one entry per page.
func (m *Mistral) ProcessPDF(ctx context.Context, pdf []byte) ([]PageText, error) {
	doc := mistralDocument{
		Type:        "document_url",
		DocumentURL: dataURL("application/pdf", pdf),
	}
	return m.submit(ctx, doc)
}

func (m *Mistral) submit(ctx context.Context, doc mistralDocument) ([]PageText, error) {
	payload, err := json.Marshal(mistralRequest{Model: m.model, Document: doc})
	if err != nil {
		return nil, fmt.Errorf("marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call mistral ocr: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(KindMistral, resp, m.fallbackWait)
	}

	var parsed mistralResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode mistral response: %w", err)
	}

	out := make([]PageText, len(parsed.Pages))
	for i, page := range parsed.Pages {
		idx := page.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = PageText{
			Text: stripImageRefs(page.Markdown),
			// Mistral does not report per-page confidence or language.
		}
	}
	return out, nil
}

// imageRefPattern matches markdown image references that Mistral inserts for
// embedded figures, e.g. ![img-0.jpeg](img-0.jpeg).
var imageRefPattern = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)

// stripImageRefs removes image references and the blank lines they leave.
func stripImageRefs(markdown string) string {
	cleaned := imageRefPattern.ReplaceAllString(markdown, "")
	lines := strings.Split(cleaned, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
