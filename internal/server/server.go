package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"matchpay/internal/auth"
	"matchpay/internal/config"
	"matchpay/internal/payout"
)

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type PayoutScheduler interface {
	Run(ctx context.Context) (*payout.RunResult, error)
}

type PayoutExecutor interface {
	WithdrawPayout(ctx context.Context, id int64) (*payout.Payout, error)
	RetryPayout(ctx context.Context, id int64) (*payout.Payout, error)
	ExecuteDue(ctx context.Context) (int, error)
	ReconcileProcessing(ctx context.Context, olderThan time.Duration) (int, error)
}

type PaymentReconciler interface {
	ReconcileUnsettled(ctx context.Context, olderThan time.Duration) (int, error)
}

// Deps are the services the HTTP surface calls into.
type Deps struct {
	Webhooks  WebhookProcessor
	Scheduler PayoutScheduler
	Payouts   PayoutExecutor
	Payments  PaymentReconciler
}

type Server struct {
	router *gin.Engine
	http   *http.Server
	config *config.Config
}

func New(deps Deps, cfg *config.Config) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLoggingMiddleware(), MetricsMiddleware())

	h := &handlers{
		deps:                  deps,
		reconcileAfter:        cfg.PayoutReconcileAfter,
		paymentReconcileAfter: cfg.PaymentReconcileAfter,
	}

	router.GET("/health", Health)
	router.GET("/metrics", Metrics())
	SetupSwagger(router)

	router.POST("/webhooks/gateway", RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst), h.GatewayWebhook)

	internal := router.Group("/internal")
	internal.Use(auth.AuthMiddleware(cfg.JWTSecret), auth.RequireRole(auth.RoleScheduler))
	{
		internal.POST("/payouts/run", h.RunPayoutScheduler)
		internal.POST("/payouts/execute", h.ExecuteDuePayouts)
		internal.POST("/payouts/reconcile", h.ReconcilePayouts)
		internal.POST("/payouts/:payoutID/withdraw", h.WithdrawPayout)
		internal.POST("/payouts/:payoutID/retry", h.RetryPayout)
		internal.POST("/payments/reconcile", h.ReconcilePayments)
	}

	return &Server{
		router: router,
		config: cfg,
		http: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
