package models

import (
	"fmt"
	"strings"

	"parcelflow/pkg/platform/sentinel"
)

// CounterQuery addresses one counter from the admin API.
type CounterQuery struct {
	Identifier string
	Endpoint   string
}

func (q *CounterQuery) Normalize() {
	if q == nil {
		return
	}
	q.Identifier = strings.TrimSpace(q.Identifier)
	q.Endpoint = strings.TrimSpace(q.Endpoint)
}

// Follows validation order: Size -> Required -> Syntax.
func (q *CounterQuery) Validate() error {
	if q == nil {
		return fmt.Errorf("query is required: %w", sentinel.ErrInvalidInput)
	}
	if len(q.Identifier) > 512 {
		return fmt.Errorf("identifier must be 512 characters or less: %w", sentinel.ErrInvalidInput)
	}
	if len(q.Endpoint) > 512 {
		return fmt.Errorf("endpoint must be 512 characters or less: %w", sentinel.ErrInvalidInput)
	}
	if q.Identifier == "" {
		return fmt.Errorf("identifier is required: %w", sentinel.ErrInvalidInput)
	}
	if q.Endpoint == "" {
		return fmt.Errorf("endpoint is required: %w", sentinel.ErrInvalidInput)
	}
	if method, path, ok := strings.Cut(q.Endpoint, ":"); !ok || method == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("endpoint must look like METHOD:/path: %w", sentinel.ErrInvalidInput)
	}
	return nil
}
