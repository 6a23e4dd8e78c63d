package broadcast

import (
	"busline/internal/shared/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRealtimeRoutes mounts the seat channel
func SetupRealtimeRoutes(rg *gin.RouterGroup, controller *Controller, auth *middleware.Auth) {
	ws := rg.Group("/ws")
	ws.GET("/seats", auth.OptionalAuth(), controller.ServeWS)
}
