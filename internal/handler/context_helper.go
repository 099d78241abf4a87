package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/csta-portal-api/internal/middleware"
	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
)

func sessionFromContext(c *gin.Context) *models.Session {
	session, ok := middleware.CurrentSession(c)
	if !ok {
		return nil
	}
	return session
}

func clientMeta(c *gin.Context) service.ClientMeta {
	return service.ClientMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
}

func actorFromContext(c *gin.Context) service.Actor {
	actor := service.Actor{ClientMeta: clientMeta(c)}
	if session := sessionFromContext(c); session != nil {
		actor.UserID = session.UserID
	}
	return actor
}
