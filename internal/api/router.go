package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/api/handlers"
	"github.com/inkline/orderforwarder/internal/api/middleware"
	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/journal"
	"github.com/inkline/orderforwarder/internal/service"
)

// Dependencies are the collaborators behind the routes. Journal may be nil.
type Dependencies struct {
	Pipeline    handlers.OrderPipeline
	Ledger      handlers.LedgerEnsurer
	Payments    handlers.PaymentService
	Journal     journal.Journal
	Idempotency middleware.IdempotencyStore
	Gatherer    prometheus.Gatherer
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies, logger *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(customRecovery(logger))
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "order forwarder",
			"endpoints": []string{
				"GET /health",
				"POST /api/orders",
				"POST /api/orders/draft",
				"POST /api/orders/discount",
				"POST /api/orders/ensure",
				"POST /api/payments/session",
				"POST /api/payments/callback",
			},
		})
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := router.Group("/api")
	{
		orders := apiGroup.Group("/orders")
		if deps.Idempotency != nil {
			orders.Use(middleware.IdempotencyMiddleware(deps.Idempotency, logger))
		}
		{
			orders.POST("", handlers.HandleSubmitOrder(deps.Pipeline, service.KindCheckout, logger))
			orders.POST("/draft", handlers.HandleSubmitOrder(deps.Pipeline, service.KindDraft, logger))
			orders.POST("/discount", handlers.HandleSubmitOrder(deps.Pipeline, service.KindDiscount, logger))
			orders.POST("/ensure", handlers.HandleEnsureOrder(deps.Ledger, logger))
		}

		payments := apiGroup.Group("/payments")
		{
			payments.POST("/session", handlers.HandleCreatePaymentSession(deps.Payments, logger))
			payments.POST("/callback", handlers.HandlePaymentCallback(deps.Payments, logger))
			// some providers probe the notify URL with GET
			payments.GET("/callback", handlers.HandlePaymentCallback(deps.Payments, logger))
		}

		if cfg.Features.DebugEndpoints {
			debug := apiGroup.Group("/debug")
			debug.POST("/normalize", handlers.HandleNormalizePreview(deps.Pipeline))
			if deps.Journal != nil {
				debug.GET("/journal/:key", handlers.HandleJournalLookup(deps.Journal, logger))
			}
		}
	}

	return router
}

// corsMiddleware admits the storefront origins; an empty list or "*" allows any origin
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", middleware.IdempotencyKeyHeader},
		ExposeHeaders: []string{middleware.ReplayedHeader},
		MaxAge:        12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// customRecovery is a custom recovery middleware that logs panics
func customRecovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("Panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal server error",
			"details": fmt.Sprintf("%v", recovered),
		})
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		logger.Info("HTTP request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
