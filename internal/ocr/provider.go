// Package ocr adapts the supported OCR vendors behind a single contract. Each
// vendor speaks its own HTTP protocol; the adapters normalize text, confidence
// and language into PageText and translate throttling into RateLimitError so
// the pipeline can pause instead of failing.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NayerAli/ocrdrop/internal/config"
)

// Kind identifies one of the supported OCR vendors.
type Kind string

const (
	KindGoogle  Kind = "google"
	KindAzure   Kind = "azure"
	KindMistral Kind = "mistral"
)

// PageText is the normalized OCR output for a single image or page.
type PageText struct {
	Text string
	// Confidence is 0..1; zero means the vendor did not report one.
	Confidence float64
	// Language is the vendor-detected dominant language code, if any.
	Language string
}

// Provider submits one image at a time.
type Provider interface {
	Kind() Kind
	ProcessImage(ctx context.Context, img []byte, mimeType string) (PageText, error)
}

// DocumentProvider additionally accepts a whole PDF, returning one PageText
// per page in document order.
type DocumentProvider interface {
	Provider
	ProcessPDF(ctx context.Context, pdf []byte) ([]PageText, error)
}

// AuthError signals rejected credentials (HTTP 401/403).
type AuthError struct {
	Provider Kind
	Status   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: invalid credentials (%s)", e.Provider, e.Status)
}

// ConfigError signals an unusable provider configuration, such as a missing
// or unknown Azure region.
type ConfigError struct {
	Provider Kind
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

// RateLimitError carries the wait the vendor asked for. The pipeline treats
// it as a pause signal, never as a job failure.
type RateLimitError struct {
	Provider   Kind
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// IsRateLimit extracts a RateLimitError from an error chain.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// New builds the configured provider. The kind set is closed; anything else is
// a configuration error.
func New(cfg config.Provider, fallbackWait time.Duration) (Provider, error) {
	switch Kind(cfg.Kind) {
	case KindGoogle:
		if cfg.GoogleAPIKey == "" {
			return nil, &ConfigError{Provider: KindGoogle, Reason: "api key not set"}
		}
		return NewGoogle(cfg.GoogleAPIKey, fallbackWait), nil
	case KindAzure:
		if cfg.AzureAPIKey == "" {
			return nil, &ConfigError{Provider: KindAzure, Reason: "api key not set"}
		}
		if cfg.AzureRegion == "" {
			return nil, &ConfigError{Provider: KindAzure, Reason: "region not set"}
		}
		return NewAzure(cfg.AzureAPIKey, cfg.AzureRegion, fallbackWait), nil
	case KindMistral:
		if cfg.MistralAPIKey == "" {
			return nil, &ConfigError{Provider: KindMistral, Reason: "api key not set"}
		}
		return NewMistral(cfg.MistralAPIKey, cfg.MistralModel, fallbackWait), nil
	}
	return nil, &ConfigError{Provider: Kind(cfg.Kind), Reason: "unknown provider kind"}
}

// statusError converts a non-2xx vendor response into the matching typed
// error. Callers pass the already-read (and truncated) body for context.
func statusError(kind Kind, resp *http.Response, fallbackWait time.Duration) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Provider: kind, Status: resp.Status}
	case http.StatusNotFound:
		if kind == KindAzure {
			return &ConfigError{Provider: kind, Reason: "endpoint not found, check the configured region"}
		}
	case http.StatusTooManyRequests:
		return &RateLimitError{Provider: kind, RetryAfter: retryAfter(resp, fallbackWait)}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%s error %s: %s", kind, resp.Status, strings.TrimSpace(string(body)))
}

// retryAfter parses the Retry-After header, either delta-seconds or an HTTP
// date, falling back to the configured default.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return fallback
}
