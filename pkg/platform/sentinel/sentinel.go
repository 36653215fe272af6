package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so middleware and handlers can classify failures
// without depending on a specific backend's error types.
//
// - ErrNotFound: record does not exist in the store
// - ErrUnavailable: backing store or broker temporarily unreachable
// - ErrInvalidInput: caller supplied a value the operation cannot accept
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
)
