package middleware

import (
	"slices"
	"strings"
	"time"

	"github.com/NomadCrew/order-push-backend/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware builds the CORS policy from the server's allowed origins.
// An empty list or "*" allows every origin; "*.example.com" matches subdomains.
func CORSMiddleware(cfg *config.ServerConfig) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Authorization",
			"X-Request-ID",
		},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*") {
		corsConfig.AllowCredentials = false
		corsConfig.AllowAllOrigins = true
		return cors.New(corsConfig)
	}

	origins := cfg.AllowedOrigins
	corsConfig.AllowOriginFunc = func(origin string) bool {
		return originAllowed(origins, origin)
	}
	return cors.New(corsConfig)
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(origin, strings.TrimPrefix(a, "*")) {
			return true
		}
	}
	return false
}
