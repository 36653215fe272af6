package models

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parcelflow/pkg/platform/sentinel"
)

// KeyFunc derives the identifier a request is counted under. It must be total:
// never panic and never return "".
type KeyFunc func(r *http.Request) string

// OnLimitReachedFunc is notified once per rejected request. It runs off the
// request path and must not block for long.
type OnLimitReachedFunc func(ctx context.Context, v Violation)

// Policy is an immutable description of one rate limit rule.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
	// Message is returned verbatim in the 429 body.
	Message string
	// KeyFunc defaults to the client IP when nil.
	KeyFunc KeyFunc

	// SkipSuccessfulRequests refunds requests answered with status < 400.
	SkipSuccessfulRequests bool
	// SkipFailedRequests refunds requests answered with status >= 400.
	SkipFailedRequests bool

	OnLimitReached OnLimitReachedFunc
}

// Validate checks the invariants every registered policy must hold.
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("policy is required: %w", sentinel.ErrInvalidInput)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy name is required: %w", sentinel.ErrInvalidInput)
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive: %w", p.Name, sentinel.ErrInvalidInput)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy %s: max requests must be positive: %w", p.Name, sentinel.ErrInvalidInput)
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("policy %s: message is required: %w", p.Name, sentinel.ErrInvalidInput)
	}
	if p.KeyFunc == nil {
		return fmt.Errorf("policy %s: key function is required: %w", p.Name, sentinel.ErrInvalidInput)
	}
	return nil
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// NewRateLimitResult derives Allowed and Remaining from the post-increment count.
func NewRateLimitResult(limit, used int, resetAt time.Time) *RateLimitResult {
	return &RateLimitResult{
		Allowed:   used <= limit,
		Limit:     limit,
		Used:      used,
		Remaining: max(0, limit-used),
		ResetAt:   resetAt,
	}
}

// ResetUnix is the window end in epoch seconds, rounded up.
func (r *RateLimitResult) ResetUnix() int64 {
	ms := r.ResetAt.UnixMilli()
	return (ms + 999) / 1000
}

// RetryAfter is the whole number of seconds until the window resets, at least 1.
func (r *RateLimitResult) RetryAfter(now time.Time) int {
	d := r.ResetAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	return max(1, secs)
}

// CounterState is a read-only view of one counter.
type CounterState struct {
	Identifier string    `json:"identifier"`
	Endpoint   string    `json:"endpoint"`
	Count      int       `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
}

// Active reports whether the counter has a live window at now.
func (s *CounterState) Active(now time.Time) bool {
	return s.Count > 0 && s.ResetAt.After(now)
}

// Violation is the snapshot handed to OnLimitReached hooks.
type Violation struct {
	Policy     string
	Identifier string
	Endpoint   string
	Method     string
	Path       string
	ClientIP   string
	UserAgent  string
	RequestID  string
	Limit      int
	Used       int
	ResetAt    time.Time
	OccurredAt time.Time
}
