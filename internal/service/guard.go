package service

import "github.com/noah-isme/csta-portal-api/internal/models"

// DecisionKind enumerates access guard outcomes.
type DecisionKind int

const (
	DecisionAllow DecisionKind = iota
	DecisionRedirectLogin
	DecisionRequireRotation
	DecisionRedirectOwnDashboard
)

const (
	LoginPath          = "/login"
	ChangePasswordPath = "/change-password"
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAllow:
		return "allow"
	case DecisionRedirectLogin:
		return "redirect_login"
	case DecisionRequireRotation:
		return "require_rotation"
	case DecisionRedirectOwnDashboard:
		return "redirect_own_dashboard"
	}
	return "unknown"
}

// Decision is the outcome of Evaluate. Role is set only for
// DecisionRedirectOwnDashboard.
type Decision struct {
	Kind DecisionKind
	Role models.UserRole
}

// Allowed reports whether access is granted.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllow }

// Redirect returns where the caller should be sent, empty when allowed.
func (d Decision) Redirect() string {
	switch d.Kind {
	case DecisionRedirectLogin:
		return LoginPath
	case DecisionRequireRotation:
		return ChangePasswordPath
	case DecisionRedirectOwnDashboard:
		return d.Role.Dashboard()
	}
	return ""
}

// Evaluate decides whether session may access something that requires role.
// An empty required role admits any authenticated, rotated session.
// Rules apply in order: missing session, pending rotation, role mismatch.
func Evaluate(session *models.Session, required models.UserRole) Decision {
	if session == nil {
		return Decision{Kind: DecisionRedirectLogin}
	}
	if session.MustChangePassword {
		return Decision{Kind: DecisionRequireRotation}
	}
	if required != "" && session.Role != required {
		if session.Role.Valid() {
			return Decision{Kind: DecisionRedirectOwnDashboard, Role: session.Role}
		}
		return Decision{Kind: DecisionRedirectLogin}
	}
	return Decision{Kind: DecisionAllow}
}
