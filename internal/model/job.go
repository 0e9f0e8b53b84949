// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
)

// JobStatus describes the processing lifecycle of an uploaded document.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status will never be dispatched again
// without an explicit retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// RateLimitState marks a job that is paused because the OCR provider asked us
// to back off. It is cleared once processing resumes.
type RateLimitState struct {
	Limited    bool       `json:"isRateLimited"`
	RetryAfter int        `json:"retryAfterSeconds,omitempty"`
	Since      *time.Time `json:"rateLimitStart,omitempty"`
}

// Job holds metadata and progress for one uploaded document.
type Job struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	// ObjectKey locates the raw upload in the object store. Not exposed.
	ObjectKey string `json:"-"`
	// ProcessedKey locates the concatenated text artifact once completed.
	ProcessedKey string `json:"-"`
	Provider     string `json:"provider"`

	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
	// Progress is 0-100 and only ever moves forward while processing.
	Progress int `json:"progress"`

	Status    JobStatus      `json:"status"`
	Error     string         `json:"error,omitempty"`
	RateLimit RateLimitState `json:"rateLimit,omitempty"`

	// CancelRequested is set by the API and observed by the worker at page
	// boundaries, so an abort can be told apart from a queue pause.
	CancelRequested bool `json:"-"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
