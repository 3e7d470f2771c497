package api

import (
	"github.com/gin-gonic/gin"

	"github.com/usetally/tally"
	"github.com/usetally/tally/api/middleware"
	"github.com/usetally/tally/config"
	"github.com/usetally/tally/internal/apierror"
)

type Api struct {
	tally  *tally.Tally
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/touchpoints", a.RecordTouchpoint)
	router.GET("/touchpoints/:visitor_id", a.GetTouchpointsForVisitor)

	router.POST("/conversions", a.RecordConversion)
	router.GET("/conversions/:id", a.GetConversion)
	router.GET("/conversions/:id/attribution", a.GetAttributionResults)
	router.GET("/conversions/:id/attribution/:model", a.GetAttributionResult)
	router.GET("/conversions/:id/forwarding", a.GetForwardingRecords)
	router.GET("/orders/:order_id/conversion", a.GetConversionByOrderID)

	router.GET("/identities/:id", a.GetIdentity)
	router.GET("/identities/visitors/:visitor_id", a.GetIdentityByVisitor)

	router.GET("/reports/channel-summary", a.GetChannelSummary)

	router.GET("/tenants/:tenant_id/settings", a.GetTenantSettings)
	router.PUT("/tenants/:tenant_id/settings", a.UpdateTenantSettings)

	router.POST("/sweeps", a.RunSweep)
	return a.router
}

func NewAPI(b *tally.Tally) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{tally: b, router: r}
}

// apiError maps a service error onto the response, using the typed error's
// HTTP status when available.
func apiError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}
