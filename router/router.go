package router

import (
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	"github.com/NomadCrew/order-push-backend/handlers"
	"github.com/NomadCrew/order-push-backend/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	testPushLimit  = 5
	testPushWindow = time.Minute
)

// Dependencies holds everything required for setting up routes.
type Dependencies struct {
	Config              *config.Config
	JWTValidator        middleware.Validator
	RateLimiter         middleware.Limiter
	Gatherer            prometheus.Gatherer
	HealthHandler       *handlers.HealthHandler
	PushTokenHandler    *handlers.PushTokenHandler
	NotificationHandler *handlers.NotificationHandler
	AdminHandler        *handlers.AdminHandler
	OrderHandler        *handlers.OrderHandler
}

// SetupRouter configures and returns the main Gin engine with all routes defined.
func SetupRouter(deps Dependencies) *gin.Engine {
	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.CORSMiddleware(&deps.Config.Server))

	r.GET("/health", deps.HealthHandler.DetailedHealth)
	r.GET("/health/liveness", deps.HealthHandler.LivenessCheck)
	r.GET("/health/readiness", deps.HealthHandler.ReadinessCheck)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.JWTValidator))
	{
		tokenRoutes := v1.Group("/users/push-tokens")
		{
			tokenRoutes.POST("", deps.PushTokenHandler.RegisterPushToken)
			tokenRoutes.GET("", deps.PushTokenHandler.ListPushTokens)
			tokenRoutes.DELETE("", deps.PushTokenHandler.DeregisterPushToken)
			tokenRoutes.DELETE("/all", deps.PushTokenHandler.DeregisterAllPushTokens)

			testHandlers := []gin.HandlerFunc{deps.PushTokenHandler.SendTestNotification}
			if deps.RateLimiter != nil {
				testHandlers = append([]gin.HandlerFunc{
					middleware.EndpointRateLimiter(deps.RateLimiter, "push-test", testPushLimit, testPushWindow),
				}, testHandlers...)
			}
			tokenRoutes.POST("/test", testHandlers...)
		}

		notificationRoutes := v1.Group("/notifications")
		{
			notificationRoutes.GET("/unread-count", deps.NotificationHandler.GetUnreadCount)
			notificationRoutes.PATCH("/:id/delivered", deps.NotificationHandler.MarkDelivered)
			notificationRoutes.PATCH("/:id/read", deps.NotificationHandler.MarkRead)
		}

		adminRoutes := v1.Group("/admin/notifications")
		adminRoutes.Use(middleware.RequireAdmin())
		{
			adminRoutes.POST("/broadcast", deps.AdminHandler.Broadcast)
			adminRoutes.GET("/failed", deps.AdminHandler.ListFailed)
		}

		v1.POST("/orders/events", middleware.RequireAdmin(), deps.OrderHandler.HandleOrderEvent)
	}

	return r
}
