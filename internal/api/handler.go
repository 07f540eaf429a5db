package api

import (
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"mes-backend/internal/fault"
	"mes-backend/internal/notification"
	"mes-backend/internal/store"
	"mes-backend/internal/ws"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	hub     *ws.Hub
	alerts  *notification.WorkerPool // nil when push is not configured
	webpush *webpush.Options
	cache   *cache.Cache
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, hub *ws.Hub, alerts *notification.WorkerPool, webpushOptions *webpush.Options, cacheStore *cache.Cache) *Handler {
	return &Handler{
		store:   s,
		hub:     hub,
		alerts:  alerts,
		webpush: webpushOptions,
		cache:   cacheStore,
	}
}

// abortFault writes a taxonomy error as a 400 response.
func abortFault(c *gin.Context, fe fault.Error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, fe.Wire())
}

// abortError maps a core error to a response: taxonomy errors become 400
// bodies, anything else a generic 500 with no domain detail.
func abortError(c *gin.Context, err error) {
	if body, ok := fault.AsEnvelope(err); ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
		return
	}
	log.Printf("internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// flushCache drops cached GET responses after a successful mutation.
func (h *Handler) flushCache() {
	if h.cache != nil {
		h.cache.Flush()
	}
}
