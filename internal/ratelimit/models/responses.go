package models

import "time"

// RateLimitExceededResponse is the 429 body.
type RateLimitExceededResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"` // seconds
}

// CounterStateResponse is the admin view of one counter.
type CounterStateResponse struct {
	Identifier string     `json:"identifier"`
	Endpoint   string     `json:"endpoint"`
	Count      int        `json:"count"`
	Active     bool       `json:"active"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
}

// NewCounterStateResponse renders state as of now.
func NewCounterStateResponse(state *CounterState, now time.Time) *CounterStateResponse {
	resp := &CounterStateResponse{
		Identifier: state.Identifier,
		Endpoint:   state.Endpoint,
		Count:      state.Count,
		Active:     state.Active(now),
	}
	if resp.Active {
		resetAt := state.ResetAt.UTC()
		resp.ResetAt = &resetAt
	}
	return resp
}
