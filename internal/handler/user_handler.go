package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
	"github.com/noah-isme/csta-portal-api/pkg/response"
)

type passwordResetter interface {
	ResetPassword(ctx context.Context, actorID, userID string, meta service.ClientMeta) (*models.CredentialBundle, error)
}

// UserHandler exposes administrator account operations.
type UserHandler struct {
	passwords passwordResetter
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(passwords passwordResetter) *UserHandler {
	return &UserHandler{passwords: passwords}
}

// ResetPassword godoc
// @Summary Reset a user's password
// @Description Issues a new temporary password, ends the user's sessions and forces rotation at next login.
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope{data=models.CredentialBundle}
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/reset_password [post]
func (h *UserHandler) ResetPassword(c *gin.Context) {
	actor := actorFromContext(c)
	bundle, err := h.passwords.ResetPassword(c.Request.Context(), actor.UserID, c.Param("id"), actor.ClientMeta)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, bundle)
}
