// Package policy declares the built-in rate limit policies and the registry
// that freezes them at startup.
package policy

import (
	"fmt"
	"sort"
	"time"

	"parcelflow/internal/platform/config"
	"parcelflow/internal/ratelimit/keys"
	"parcelflow/internal/ratelimit/models"
	"parcelflow/pkg/platform/sentinel"
)

// Built-in policy names.
const (
	General       = "general"
	Auth          = "auth"
	BookingCreate = "booking_create"
	Address       = "address"
)

// Defaults returns fresh copies of the built-in policies.
func Defaults() []*models.Policy {
	return []*models.Policy{
		{
			Name:        General,
			Window:      15 * time.Minute,
			MaxRequests: 100,
			Message:     "Too many requests from this IP, please try again later.",
			KeyFunc:     keys.ByIP,
		},
		{
			Name:        Auth,
			Window:      15 * time.Minute,
			MaxRequests: 5,
			Message:     "Too many authentication attempts, please try again later.",
			KeyFunc:     keys.EmailOrIP,
		},
		{
			Name:        BookingCreate,
			Window:      60 * time.Minute,
			MaxRequests: 10,
			Message:     "Too many booking requests, please try again later.",
			KeyFunc:     keys.UserOrIP,
		},
		{
			Name:        Address,
			Window:      60 * time.Minute,
			MaxRequests: 50,
			Message:     "Too many address requests, please try again later.",
			KeyFunc:     keys.UserOrIP,
		},
	}
}

// ApplyOverrides replaces quota and window on the named policies.
// Overrides naming no policy are reported as an error.
func ApplyOverrides(policies []*models.Policy, overrides map[string]config.PolicyOverride) error {
	byName := make(map[string]*models.Policy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	for name, o := range overrides {
		p, ok := byName[name]
		if !ok {
			return fmt.Errorf("override for unknown policy %q: %w", name, sentinel.ErrInvalidInput)
		}
		if o.MaxRequests > 0 {
			p.MaxRequests = o.MaxRequests
		}
		if o.Window > 0 {
			p.Window = o.Window
		}
	}
	return nil
}

// WithOnLimitReached sets hook on every policy that has none.
func WithOnLimitReached(policies []*models.Policy, hook models.OnLimitReachedFunc) []*models.Policy {
	for _, p := range policies {
		if p.OnLimitReached == nil {
			p.OnLimitReached = hook
		}
	}
	return policies
}

// Registry is a read-only set of validated policies.
type Registry struct {
	policies map[string]models.Policy
}

// NewRegistry validates and copies each policy. A nil KeyFunc defaults to keys.ByIP.
func NewRegistry(policies ...*models.Policy) (*Registry, error) {
	reg := &Registry{policies: make(map[string]models.Policy, len(policies))}
	for _, p := range policies {
		if p == nil {
			return nil, fmt.Errorf("nil policy: %w", sentinel.ErrInvalidInput)
		}
		cp := *p
		if cp.KeyFunc == nil {
			cp.KeyFunc = keys.ByIP
		}
		if err := cp.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.policies[cp.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %q: %w", cp.Name, sentinel.ErrConflict)
		}
		reg.policies[cp.Name] = cp
	}
	return reg, nil
}

// Get returns a copy of the named policy.
func (r *Registry) Get(name string) (*models.Policy, error) {
	p, ok := r.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", name, sentinel.ErrNotFound)
	}
	return &p, nil
}

// MustGet is Get for wiring code where a missing policy is a programming error.
func (r *Registry) MustGet(name string) *models.Policy {
	p, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names lists registered policies in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
