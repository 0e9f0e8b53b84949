package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const googleEndpoint = "https://vision.googleapis.com/v1/images:annotate"

// Google calls the Cloud Vision TEXT_DETECTION API.
type Google struct {
	endpoint     string
	apiKey       string
	fallbackWait time.Duration
	httpClient   *http.Client
}

var _ Provider = (*Google)(nil)

// NewGoogle builds a Cloud Vision client.
func NewGoogle(apiKey string, fallbackWait time.Duration) *Google {
	return &Google{
		endpoint:     googleEndpoint,
		apiKey:       apiKey,
		fallbackWait: fallbackWait,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *Google) Kind() Kind { return KindGoogle }

type googleFeature struct {
	Type string `json:"type"`
}

type googleImage struct {
	Content string `json:"content"`
}

type googleAnnotateRequest struct {
	Image    googleImage     `json:"image"`
	Features []googleFeature `json:"features"`
}

type googleRequest struct {
	Requests []googleAnnotateRequest `json:"requests"`
}

type googleResponse struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text  string `json:"text"`
			Pages []struct {
				Confidence float64 `json:"confidence"`
				Property   struct {
					DetectedLanguages []struct {
						LanguageCode string  `json:"languageCode"`
						Confidence   float64 `json:"confidence"`
					} `json:"detectedLanguages"`
				} `json:"property"`
			} `json:"pages"`
		} `json:"fullTextAnnotation"`
		TextAnnotations []struct {
			Locale      string `json:"locale"`
			Description string `json:"description"`
		} `json:"textAnnotations"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// ProcessImage submits one base64-encoded image for text detection.
func (g *Google) ProcessImage(ctx context.Context, img []byte, mimeType string) (PageText, error) {
	reqBody := googleRequest{
		Requests: []googleAnnotateRequest{{
			Image:    googleImage{Content: base64.StdEncoding.EncodeToString(img)},
			Features: []googleFeature{{Type: "TEXT_DETECTION"}},
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return PageText{}, fmt.Errorf("marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?key="+g.apiKey, bytes.NewReader(payload))
	if err != nil {
		return PageText{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return PageText{}, fmt.Errorf("call vision api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PageText{}, statusError(KindGoogle, resp, g.fallbackWait)
	}

	var parsed googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return PageText{}, fmt.Errorf("decode vision response: %w", err)
	}
	if len(parsed.Responses) == 0 {
		return PageText{}, fmt.Errorf("vision response contained no results")
	}

	r := parsed.Responses[0]
	if r.Error != nil {
		return PageText{}, fmt.Errorf("vision api error %d: %s", r.Error.Code, r.Error.Message)
	}

	out := PageText{}
	if r.FullTextAnnotation != nil {
		out.Text = r.FullTextAnnotation.Text
		if len(r.FullTextAnnotation.Pages) > 0 {
			page := r.FullTextAnnotation.Pages[0]
			out.Confidence = page.Confidence
			if len(page.Property.DetectedLanguages) > 0 {
				out.Language = page.Property.DetectedLanguages[0].LanguageCode
			}
		}
	}
	// The first textAnnotation carries the whole detected block plus locale;
	// use it when fullTextAnnotation is absent (sparse documents).
	if len(r.TextAnnotations) > 0 {
		if out.Text == "" {
			out.Text = r.TextAnnotations[0].Description
		}
		if out.Language == "" {
			out.Language = r.TextAnnotations[0].Locale
		}
	}
	return out, nil
}
