// Package auth exposes the session and plan gate the upload machinery
// consults before starting work.
//
// The real authentication layer lives in the host application; beaver-sync
// only needs three questions answered, so the boundary is kept that narrow.
package auth

// Gate answers whether uploads may run and for whom.
type Gate interface {
	// IsAuthenticated reports whether a principal is signed in.
	IsAuthenticated() bool

	// CurrentUserID returns the authenticated user id, or "" when signed
	// out.
	CurrentUserID() string

	// PlanAllowsUpload reports whether the user's plan and feature flags
	// permit file uploads.
	PlanAllowsUpload() bool
}

// StaticGate is a fixed-answer Gate, used by the CLI (where credentials come
// from config) and by tests.
type StaticGate struct {
	UserID        string
	UploadAllowed bool
}

// IsAuthenticated implements Gate.IsAuthenticated.
func (g *StaticGate) IsAuthenticated() bool {
	return g.UserID != ""
}

// CurrentUserID implements Gate.CurrentUserID.
func (g *StaticGate) CurrentUserID() string {
	return g.UserID
}

// PlanAllowsUpload implements Gate.PlanAllowsUpload.
func (g *StaticGate) PlanAllowsUpload() bool {
	return g.UploadAllowed
}
