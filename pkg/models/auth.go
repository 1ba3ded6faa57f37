package models

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthClaims are the JWT claims carried by API callers. Scope gates
// access to the experiment management surface.
type AuthClaims struct {
	ViewerID uuid.UUID `json:"viewer_id"`
	Scope    string    `json:"scope"` // 'viewer' or 'operator'
	jwt.RegisteredClaims
}

const (
	ScopeViewer   = "viewer"
	ScopeOperator = "operator"
)
