package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
	appErrors "github.com/noah-isme/csta-portal-api/pkg/errors"
	"github.com/noah-isme/csta-portal-api/pkg/response"
)

// Guard applies the access decision for the session attached by JWT. An
// empty role admits any rotated session.
func Guard(required models.UserRole, metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, _ := CurrentSession(c)
		decision := service.Evaluate(session, required)
		metrics.RecordGuardDecision(decision)

		if decision.Allowed() {
			c.Next()
			return
		}

		meta := map[string]interface{}{"redirect": decision.Redirect()}
		switch decision.Kind {
		case service.DecisionRequireRotation:
			response.Error(c, appErrors.ErrPasswordChangeRequired, meta)
		case service.DecisionRedirectOwnDashboard:
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "insufficient role"), meta)
		default:
			response.Error(c, appErrors.ErrUnauthorized, meta)
		}
		c.Abort()
	}
}

// RequireRole is Guard without metrics.
func RequireRole(role models.UserRole) gin.HandlerFunc {
	return Guard(role, nil)
}
