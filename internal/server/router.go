package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/internal/config"
	"github.com/sardorbek/cardpay/internal/idempotency"
)

// NewRouter assembles the gin engine: logging, recovery, tracing, metrics,
// and the authenticated API with idempotency gates on mutating routes.
func NewRouter(cfg *config.Config, handler *Handler, gate *idempotency.Gate, logger *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(TraceID())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(Auth(cfg.Auth.JWTSecret, logger))

	card := api.Group("/card")
	{
		card.POST("/create",
			idempotency.Middleware(gate, "CardService:Create", nil, logger),
			handler.CreateCard)
		card.GET("/all", handler.ListCards)
		card.POST("/:cardId/block", handler.BlockCard)
		card.POST("/:cardId/unblock", handler.UnblockCard)
	}

	transaction := api.Group("/transaction")
	{
		transaction.POST("/p2p",
			idempotency.Middleware(gate, "TransactionService:ExecuteP2P", nil, logger),
			handler.ExecuteP2P)
		transaction.GET("/history/:cardId", handler.History)
	}

	return router
}
