package model

import "time"

// PageResult is the OCR output for a single page of a document. Page numbers
// are 1-based and unique within a job; for a completed job they cover
// 1..TotalPages with no gaps.
type PageResult struct {
	JobID      string        `json:"documentId"`
	Page       int           `json:"page"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"durationMs"`
	// RateLimited records that producing this page involved at least one
	// provider cooldown. Informational only.
	RateLimited bool      `json:"rateLimited,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
