package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/service"
)

func NewRouter(svc *service.WalletService, cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.Auth.JWTSecret))
	RegisterHandlers(v1, svc)
	return r
}
