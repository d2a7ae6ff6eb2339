// Package tenant carries the per-request tenant scope through context. The
// scope is established by an external auth collaborator before any engine
// call; every persistence read and write asserts that touched rows belong to
// the scope's company.
package tenant

import (
	"context"

	"flowspec.dev/flowspec/engine/flowerr"
)

type (
	// Scope identifies the tenant and actor on whose behalf a request runs.
	Scope struct {
		// CompanyID is the owning tenant; all entity reads and writes are
		// restricted to rows carrying this company.
		CompanyID string
		// ActorID identifies the acting user for attribution fields
		// (startedBy, attachedBy, publishedBy).
		ActorID string
		// MemberID is the membership record linking actor to company.
		MemberID string
		// Authority is the capability token granted by the auth collaborator.
		// The engine treats it as opaque.
		Authority string
	}
)

type contextKey struct{}

// NewContext returns a context carrying the tenant scope.
func NewContext(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext extracts the tenant scope, reporting false when none is set.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	return s, ok
}

// Require extracts the tenant scope or fails with NO_MEMBERSHIP. Engine
// entry points call this once; repositories call it again defensively so a
// missing scope can never widen a query.
func Require(ctx context.Context) (Scope, error) {
	s, ok := FromContext(ctx)
	if !ok || s.CompanyID == "" {
		return Scope{}, flowerr.New(flowerr.CodeNoMembership, "request carries no tenant scope")
	}
	return s, nil
}

// Check asserts that a row's company matches the scope, failing with
// FORBIDDEN on mismatch. Tenant-ownership failures are uniformly reported as
// FORBIDDEN regardless of entity type.
func Check(s Scope, rowCompanyID string) error {
	if rowCompanyID != s.CompanyID {
		return flowerr.New(flowerr.CodeForbidden, "row belongs to a different company")
	}
	return nil
}
