package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"matchpay/internal/api"
	"matchpay/internal/apperr"
	"matchpay/internal/gateway"
	"matchpay/internal/logger"
	"matchpay/internal/webhook"
)

const maxWebhookBody = 1 << 20

type handlers struct {
	deps                  Deps
	reconcileAfter        time.Duration
	paymentReconcileAfter time.Duration
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200 {object} api.HealthResponse
// @Router       /health [get]
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok"})
}

// @Summary      Prometheus metrics
// @Tags         system
// @Produce      plain
// @Success      200 {string} string
// @Router       /metrics [get]
func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// GatewayWebhook answers 400 only when the delivery cannot be trusted. Every
// verified delivery gets a 200, whatever happened while applying it.
//
// @Summary      Receive a payment gateway event
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        Gateway-Signature header string true "t=<unix>,v1=<hex hmac>"
// @Success      200 {object} api.WebhookResponse
// @Failure      400 {object} api.ErrorResponse
// @Failure      429 {object} api.ErrorResponse
// @Router       /webhooks/gateway [post]
func (h *handlers) GatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "unreadable body"})
		return
	}

	err = h.deps.Webhooks.HandleWebhook(c.Request.Context(), payload, c.GetHeader(gateway.SignatureHeader))
	if errors.Is(err, webhook.ErrRejected) {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid signature"})
		return
	}
	if err != nil {
		logger.Warn("webhook acknowledged after failure", "error", err)
	}
	c.JSON(http.StatusOK, api.WebhookResponse{Received: true})
}

// @Summary      Schedule payouts for played matches
// @Tags         payouts
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} payout.RunResult
// @Failure      401 {object} api.ErrorResponse
// @Failure      403 {object} api.ErrorResponse
// @Router       /internal/payouts/run [post]
func (h *handlers) RunPayoutScheduler(c *gin.Context) {
	res, err := h.deps.Scheduler.Run(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary      Withdraw every due payout
// @Tags         payouts
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} api.PaidResponse
// @Failure      401 {object} api.ErrorResponse
// @Router       /internal/payouts/execute [post]
func (h *handlers) ExecuteDuePayouts(c *gin.Context) {
	paid, err := h.deps.Payouts.ExecuteDue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.PaidResponse{Paid: paid})
}

// @Summary      Settle payouts stuck in PROCESSING
// @Tags         payouts
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} api.SettledResponse
// @Failure      401 {object} api.ErrorResponse
// @Router       /internal/payouts/reconcile [post]
func (h *handlers) ReconcilePayouts(c *gin.Context) {
	settled, err := h.deps.Payouts.ReconcileProcessing(c.Request.Context(), h.reconcileAfter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.SettledResponse{Settled: settled})
}

// @Summary      Withdraw one payout
// @Tags         payouts
// @Produce      json
// @Security     BearerAuth
// @Param        payoutID path int true "Payout ID"
// @Success      200 {object} payout.Payout
// @Failure      400 {object} api.ErrorResponse
// @Failure      404 {object} api.ErrorResponse
// @Failure      409 {object} api.ErrorResponse
// @Failure      422 {object} api.ErrorResponse
// @Failure      502 {object} api.ErrorResponse
// @Router       /internal/payouts/{payoutID}/withdraw [post]
func (h *handlers) WithdrawPayout(c *gin.Context) {
	id, ok := pathID(c, "payoutID")
	if !ok {
		return
	}
	p, err := h.deps.Payouts.WithdrawPayout(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary      Return a failed payout to PENDING
// @Tags         payouts
// @Produce      json
// @Security     BearerAuth
// @Param        payoutID path int true "Payout ID"
// @Success      200 {object} payout.Payout
// @Failure      400 {object} api.ErrorResponse
// @Failure      404 {object} api.ErrorResponse
// @Failure      409 {object} api.ErrorResponse
// @Router       /internal/payouts/{payoutID}/retry [post]
func (h *handlers) RetryPayout(c *gin.Context) {
	id, ok := pathID(c, "payoutID")
	if !ok {
		return
	}
	p, err := h.deps.Payouts.RetryPayout(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary      Settle payments whose webhook never arrived
// @Tags         payments
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} api.SettledResponse
// @Failure      401 {object} api.ErrorResponse
// @Router       /internal/payments/reconcile [post]
func (h *handlers) ReconcilePayments(c *gin.Context) {
	settled, err := h.deps.Payments.ReconcileUnsettled(c.Request.Context(), h.paymentReconcileAfter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.SettledResponse{Settled: settled})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid " + name, Kind: apperr.KindValidation})
		return 0, false
	}
	return id, true
}
