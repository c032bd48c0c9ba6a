// Package api exposes the ledger over HTTP.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/materialledger/internal/auditor"
	"github.com/jmerrifield20/materialledger/internal/certverify"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/internal/webhooks"
	"go.uber.org/zap"
)

// Deps are the services mounted by NewRouter. Ledger is required; the rest
// are optional and their routes are skipped when nil.
type Deps struct {
	Ledger     *eventledger.Ledger
	CertVerify *certverify.Service
	Auditor    *auditor.Auditor
	Webhooks   *webhooks.Dispatcher
}

// NewRouter builds the gin engine with the standard middleware stack.
func NewRouter(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// No origins means no cross-origin access; cors.New refuses an empty list.
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(securityHeaders())

	limit := cfg.BodyLimitBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2))
	}
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	auth := RequireActor(cfg.JWTSecret, cfg.JWTIssuer)

	v1 := router.Group("/api/v1")
	NewLedgerHandler(deps.Ledger, logger).Register(v1, auth)
	NewVerificationHandler(deps.Ledger, deps.CertVerify, logger).Register(v1, auth)
	if deps.Auditor != nil || deps.Webhooks != nil {
		NewOpsHandler(deps.Auditor, deps.Webhooks).Register(v1, auth)
	}
	return router
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if actor := ActorFromCtx(c); actor != "" {
			fields = append(fields, zap.String("actor", actor))
		}
		logger.Info("request", fields...)
	}
}
