package clicktracker

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminAPI manages campaigns and exposes counter reads. Counter values come
// from the store only, so deltas still sitting in the write buffer are not
// included until their flush lands.
type AdminAPI struct {
	Store      Store
	Cache      CacheInvalidator
	Platforms  []string
	ShardCount int
	Username   string
	Password   string
	Log        *logrus.Logger
}

type campaignRequest struct {
	ID        *int64   `json:"id"`
	Name      string   `json:"name"`
	Link      string   `json:"link"`
	Platforms []string `json:"platforms"`
}

type campaignResponse struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	Link             string           `json:"link"`
	CreateDate       string           `json:"create_date"`
	UpdateDate       *string          `json:"update_date,omitempty"`
	PlatformCounters map[string]int64 `json:"platform_counters,omitempty"`
}

// Register mounts the admin routes on a group, behind basic auth when
// credentials are configured.
func (a *AdminAPI) Register(group *gin.RouterGroup) {
	if a.Username != "" {
		group.Use(gin.BasicAuth(gin.Accounts{a.Username: a.Password}))
	}

	group.GET("/campaign", a.listCampaigns)
	group.POST("/campaign", a.createCampaign)
	group.GET("/campaign/:campaign_id", a.getCampaign)
	group.PUT("/campaign/:campaign_id", a.updateCampaign)
	group.DELETE("/campaign/:campaign_id", a.deleteCampaign)
	group.GET("/campaign/:campaign_id/platform/:platform_name", a.getCounter)
	group.GET("/platform/:platform_name/clicks", a.platformClicks)
	group.GET("/platform/:platform_name/campaigns", a.platformCampaigns)
	group.GET("/stats", a.stats)
}

func (a *AdminAPI) logger() *logrus.Logger {
	if a.Log != nil {
		return a.Log
	}
	return logrus.StandardLogger()
}

func (a *AdminAPI) allowedPlatform(platform string) bool {
	return containsString(a.Platforms, platform)
}

func campaignID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("campaign_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
		return 0, false
	}
	return id, true
}

func (a *AdminAPI) validateRequest(c *gin.Context, req *campaignRequest) bool {
	if req.Name == "" || req.Link == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and link are required"})
		return false
	}
	if len(req.Platforms) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one platform is required"})
		return false
	}
	for _, platform := range req.Platforms {
		if !a.allowedPlatform(platform) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform: " + platform})
			return false
		}
	}
	return true
}

func (a *AdminAPI) response(c *gin.Context, campaign *Campaign, platforms []string) campaignResponse {
	resp := campaignResponse{
		ID:         campaign.ID,
		Name:       campaign.Name,
		Link:       campaign.Link,
		CreateDate: campaign.CreateDate.Format("2006-01-02T15:04:05Z07:00"),
	}
	if campaign.UpdateDate != nil {
		updated := campaign.UpdateDate.Format("2006-01-02T15:04:05Z07:00")
		resp.UpdateDate = &updated
	}
	if len(platforms) > 0 {
		resp.PlatformCounters = map[string]int64{}
		for _, platform := range platforms {
			sum, err := a.Store.SumCounters(c.Request.Context(),
				LogicalKey{CampaignID: campaign.ID, Platform: platform})
			if err != nil && !errors.Is(err, ErrCounterNotFound) {
				a.logger().WithField("campaign_id", campaign.ID).WithError(err).Error("counter read failed")
				continue
			}
			resp.PlatformCounters[platform] = sum
		}
	}
	return resp
}

func (a *AdminAPI) createCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is assigned by the server"})
		return
	}
	if !a.validateRequest(c, &req) {
		return
	}

	campaign := &Campaign{Name: req.Name, Link: req.Link}
	if err := a.Store.CreateCampaign(c.Request.Context(), campaign, req.Platforms, a.ShardCount); err != nil {
		a.logger().WithError(err).Error("campaign create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.Header("Location", "/api/admin/campaign/"+strconv.FormatInt(campaign.ID, 10))
	c.JSON(http.StatusCreated, a.response(c, campaign, req.Platforms))
}

func (a *AdminAPI) getCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	campaign, err := a.Store.GetCampaign(c.Request.Context(), id)
	if errors.Is(err, ErrCampaignNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		a.logger().WithField("campaign_id", id).WithError(err).Error("campaign read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	platforms, err := a.Store.Platforms(c.Request.Context(), id)
	if err != nil {
		a.logger().WithField("campaign_id", id).WithError(err).Error("platform read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.JSON(http.StatusOK, a.response(c, campaign, platforms))
}

func (a *AdminAPI) updateCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ID != nil && *req.ID != id {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id cannot be changed"})
		return
	}
	if !a.validateRequest(c, &req) {
		return
	}

	campaign := &Campaign{ID: id, Name: req.Name, Link: req.Link}
	err := a.Store.UpdateCampaign(c.Request.Context(), campaign, req.Platforms, a.ShardCount)
	if errors.Is(err, ErrCampaignNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		a.logger().WithField("campaign_id", id).WithError(err).Error("campaign update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	a.invalidate(c, id)
	c.JSON(http.StatusOK, a.response(c, campaign, req.Platforms))
}

func (a *AdminAPI) deleteCampaign(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	err := a.Store.DeleteCampaign(c.Request.Context(), id)
	if errors.Is(err, ErrCampaignNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		a.logger().WithField("campaign_id", id).WithError(err).Error("campaign delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	a.invalidate(c, id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (a *AdminAPI) listCampaigns(c *gin.Context) {
	campaigns, err := a.Store.ListCampaigns(c.Request.Context())
	if err != nil {
		a.logger().WithError(err).Error("campaign list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		out = append(out, a.response(c, &campaigns[i], nil))
	}
	c.JSON(http.StatusOK, out)
}

func (a *AdminAPI) getCounter(c *gin.Context) {
	id, ok := campaignID(c)
	if !ok {
		return
	}
	platform := c.Param("platform_name")
	sum, err := a.Store.SumCounters(c.Request.Context(), LogicalKey{CampaignID: id, Platform: platform})
	if errors.Is(err, ErrCounterNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		a.logger().WithField("campaign_id", id).WithError(err).Error("counter read failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign_id": id, "platform": platform, "clicks": sum})
}

func (a *AdminAPI) platformClicks(c *gin.Context) {
	platform := c.Param("platform_name")
	if !a.allowedPlatform(platform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform: " + platform})
		return
	}
	sum, err := a.Store.SumPlatform(c.Request.Context(), platform)
	if err != nil {
		a.logger().WithField("platform", platform).WithError(err).Error("platform sum failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"platform": platform, "clicks": sum})
}

func (a *AdminAPI) platformCampaigns(c *gin.Context) {
	platform := c.Param("platform_name")
	if !a.allowedPlatform(platform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform: " + platform})
		return
	}
	campaigns, err := a.Store.CampaignsForPlatform(c.Request.Context(), platform)
	if err != nil {
		a.logger().WithField("platform", platform).WithError(err).Error("platform campaigns failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		out = append(out, a.response(c, &campaigns[i], nil))
	}
	c.JSON(http.StatusOK, out)
}

// stats returns every campaign with its per-platform totals.
func (a *AdminAPI) stats(c *gin.Context) {
	campaigns, err := a.Store.ListCampaigns(c.Request.Context())
	if err != nil {
		a.logger().WithError(err).Error("campaign list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		platforms, err := a.Store.Platforms(c.Request.Context(), campaigns[i].ID)
		if err != nil {
			a.logger().WithField("campaign_id", campaigns[i].ID).WithError(err).Error("platform read failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
			return
		}
		out = append(out, a.response(c, &campaigns[i], platforms))
	}
	c.JSON(http.StatusOK, out)
}

func (a *AdminAPI) invalidate(c *gin.Context, id int64) {
	if a.Cache == nil {
		return
	}
	if err := a.Cache.Invalidate(c.Request.Context(), id); err != nil {
		a.logger().WithField("campaign_id", id).WithError(err).Warn("cache invalidation failed")
	}
}
