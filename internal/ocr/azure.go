package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Azure calls the region-scoped AI Vision OCR endpoint (v3.2). The response is
// a regions→lines→words tree without confidence scores; Confidence stays zero.
type Azure struct {
	endpoint     string
	apiKey       string
	fallbackWait time.Duration
	httpClient   *http.Client
}

var _ Provider = (*Azure)(nil)

// NewAzure builds an Azure Vision client for the given region.
func NewAzure(apiKey, region string, fallbackWait time.Duration) *Azure {
	return &Azure{
		endpoint:     fmt.Sprintf("https://%s.api.cognitive.microsoft.com/vision/v3.2/ocr", region),
		apiKey:       apiKey,
		fallbackWait: fallbackWait,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Azure) Kind() Kind { return KindAzure }

type azureWord struct {
	Text string `json:"text"`
}

type azureLine struct {
	Words []azureWord `json:"words"`
}

type azureRegion struct {
	Lines []azureLine `json:"lines"`
}

type azureResponse struct {
	Language string        `json:"language"`
	Regions  []azureRegion `json:"regions"`
}

// rtlLanguages lists codes whose lines read right to left. Azure reports words
// in visual order for these, so logical reconstruction reverses each line.
var rtlLanguages = map[string]bool{
	"ar": true,
	"he": true,
	"fa": true,
	"ur": true,
}

// ProcessImage posts the raw image bytes and flattens the region tree.
func (a *Azure) ProcessImage(ctx context.Context, img []byte, mimeType string) (PageText, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"?language=unk&detectOrientation=true", bytes.NewReader(img))
	if err != nil {
		return PageText{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.apiKey)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return PageText{}, fmt.Errorf("call azure vision: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PageText{}, statusError(KindAzure, resp, a.fallbackWait)
	}

	var parsed azureResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return PageText{}, fmt.Errorf("decode azure response: %w", err)
	}

	return PageText{
		Text:     flattenRegions(parsed.Regions, rtlLanguages[parsed.Language]),
		Language: parsed.Language,
	}, nil
}

// flattenRegions concatenates the word tree into lines. For RTL languages the
// words arrive in visual (left-to-right) order and must be reversed to read
// logically.
func flattenRegions(regions []azureRegion, rtl bool) string {
	var b strings.Builder
	for _, region := range regions {
		for _, line := range region.Lines {
			words := make([]string, 0, len(line.Words))
			for _, w := range line.Words {
				words = append(words, w.Text)
			}
			if rtl {
				for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
					words[i], words[j] = words[j], words[i]
				}
			}
			b.WriteString(strings.Join(words, " "))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
