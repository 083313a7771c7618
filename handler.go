package clicktracker

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP surface: the public click route plus the admin
// API under /api/admin. A nil admin leaves the admin routes unregistered.
func NewRouter(tracker *Tracker, admin *AdminAPI) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.HandleMethodNotAllowed = true

	router.GET("/api/campaign/:campaign_id/platform/:platform_name", func(c *gin.Context) {
		redirect := tracker.Click(c.Request.Context(),
			c.Param("campaign_id"), c.Param("platform_name"))
		status := http.StatusFound
		if redirect.Permanent {
			status = http.StatusMovedPermanently
		}
		c.Redirect(status, redirect.Location)
	})

	if admin != nil {
		admin.Register(router.Group("/api/admin"))
	}
	return router
}
