package api

import (
	"log"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"mes-backend/config"
	"mes-backend/internal/mw"
	"mes-backend/internal/notification"
	"mes-backend/internal/store"
	"mes-backend/internal/ws"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(s store.Store, hub *ws.Hub, alerts *notification.WorkerPool, webpushOptions *webpush.Options, cfg *config.ServerConfig) *gin.Engine {
	r := gin.Default()

	rateLimit := cfg.RateLimitPerSec
	if rateLimit <= 0 {
		rateLimit = 50
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 25
	}
	rateLimiter := mw.RateLimiter(rate.Limit(rateLimit), burst)

	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	handler := NewHandler(s, hub, alerts, webpushOptions, cacheStore)

	api := r.Group("/api/v1")
	api.Use(rateLimiter)
	{
		api.POST("/machines", handler.PostMachine)
		api.GET("/machines", caching, handler.GetMachines)
		api.PATCH("/machines/:id", handler.PatchMachine)
		api.DELETE("/machines/:id", handler.DeleteMachine)

		api.POST("/machine-state", handler.PutMachineState)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		api.GET("/ws", func(c *gin.Context) {
			if err := hub.Serve(c.Writer, c.Request); err != nil {
				log.Printf("websocket upgrade failed: %v", err)
			}
		})
	}

	return r
}
