// Package tenant defines tenant identity and the namespaces derived from it.
//
// Every storage and cache layer in corpusd scopes its data by tenant. Missing
// tenant information is an error, never a fallback to a shared namespace.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Tenant errors. Both fail closed.
var (
	// ErrMissingTenant is returned when an operation is attempted without a tenant.
	ErrMissingTenant = errors.New("tenant missing")

	// ErrInvalidTenant is returned when a tenant identifier fails validation.
	ErrInvalidTenant = errors.New("invalid tenant identifier")
)

const maxIDLen = 64

// idPattern keeps identifiers safe for collection names, SQL parameters and
// NATS subjects.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ID identifies a tenant.
type ID string

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	id := ID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate returns ErrMissingTenant for the empty ID and ErrInvalidTenant for
// identifiers that are too long or contain characters outside [a-zA-Z0-9_-].
func (id ID) Validate() error {
	if id == "" {
		return ErrMissingTenant
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenant, maxIDLen)
	}
	if !idPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, string(id))
	}
	return nil
}

func (id ID) String() string { return string(id) }

// Namespace returns the vector index namespace (collection) for the tenant's
// document chunks. Distinct tenants always map to distinct namespaces.
func (id ID) Namespace() string {
	return "t_" + string(id) + "_chunks"
}

// Subject returns a NATS subject token for this tenant.
func (id ID) Subject(prefix string) string {
	return prefix + "." + string(id)
}

type ctxKey struct{}

// WithTenant returns a context carrying id.
func WithTenant(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the tenant from ctx.
// Returns ErrMissingTenant if none is present.
func FromContext(ctx context.Context) (ID, error) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	if !ok || id == "" {
		return "", ErrMissingTenant
	}
	return id, nil
}
