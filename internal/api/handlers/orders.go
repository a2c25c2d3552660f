package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/ledger"
	"github.com/inkline/orderforwarder/internal/service"
)

// OrderPipeline processes storefront submissions
type OrderPipeline interface {
	HandleIncomingOrder(ctx context.Context, raw any, kind service.SubmissionKind) (*service.Outcome, error)
	Preview(raw any, kind service.SubmissionKind) *domain.CanonicalOrder
}

// LedgerEnsurer finds or creates the ledger record of an order
type LedgerEnsurer interface {
	EnsureOrderRecord(ctx context.Context, in ledger.EnsureInput) (domain.LedgerIdentity, error)
}

// OrderResponse is the answer to a successful submission
type OrderResponse struct {
	OK       bool                   `json:"ok"`
	Stage    domain.LifecycleStage  `json:"stage"`
	Order    *domain.CanonicalOrder `json:"order"`
	Ledger   domain.LedgerIdentity  `json:"ledger"`
	Warnings []domain.Warning       `json:"warnings"`
}

// HandleSubmitOrder handles POST /api/orders, /api/orders/draft and /api/orders/discount.
// The body is taken as is; anything the normalizer cannot read becomes an empty order.
func HandleSubmitOrder(pipeline OrderPipeline, kind service.SubmissionKind, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "failed to read request body"})
			return
		}

		out, err := pipeline.HandleIncomingOrder(c.Request.Context(), body, kind)
		if err != nil {
			if out != nil && out.Order != nil {
				logger.Warn("Order not forwarded",
					zap.String("idempotency_key", out.Order.IdempotencyKey),
					zap.String("stage", string(out.Stage)),
					zap.Error(err),
				)
			}
			respondError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, OrderResponse{
			OK:       true,
			Stage:    out.Stage,
			Order:    withoutRaw(out.Order),
			Ledger:   out.Ledger,
			Warnings: out.Warnings,
		})
	}
}

// HandleEnsureOrder handles POST /api/orders/ensure
func HandleEnsureOrder(ensurer LedgerEnsurer, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.EnsureInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"error":   "invalid request body",
				"details": err.Error(),
			})
			return
		}

		identity, err := ensurer.EnsureOrderRecord(c.Request.Context(), req)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, identity)
	}
}

func withoutRaw(doc *domain.CanonicalOrder) *domain.CanonicalOrder {
	if doc == nil {
		return nil
	}
	out := *doc
	out.RawPayload = nil
	return &out
}
