package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/payment"
)

// PaymentService opens payment sessions and applies provider callbacks
type PaymentService interface {
	CreateSession(ctx context.Context, in payment.SessionInput) (*payment.SessionResult, error)
	HandleCallback(ctx context.Context, fields map[string]string) (*payment.CallbackOutcome, error)
}

// HandleCreatePaymentSession handles POST /api/payments/session
func HandleCreatePaymentSession(payments PaymentService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payment.SessionInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"error":   "invalid request body",
				"details": err.Error(),
			})
			return
		}

		session, err := payments.CreateSession(c.Request.Context(), req)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// HandlePaymentCallback handles POST /api/payments/callback. The provider
// retries anything that is not a 200, so every outcome is acknowledged and
// problems are only logged.
func HandlePaymentCallback(payments PaymentService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		fields := callbackFields(c)

		outcome, err := payments.HandleCallback(c.Request.Context(), fields)
		if err != nil {
			logger.Warn("Payment callback not applied", zap.Any("fields", redact(fields)), zap.Error(err))
		} else {
			logger.Info("Payment callback applied",
				zap.String("record_id", outcome.RecordID),
				zap.String("status", string(outcome.Status)),
				zap.Bool("duplicate", outcome.Duplicate),
			)
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// callbackFields flattens a form, JSON or query-string notification into strings
func callbackFields(c *gin.Context) map[string]string {
	fields := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body map[string]interface{}
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err == nil {
			for k, v := range body {
				switch t := v.(type) {
				case nil:
				case string:
					fields[k] = t
				case float64, bool:
					fields[k] = fmt.Sprint(t)
				default:
					raw, _ := json.Marshal(t)
					fields[k] = string(raw)
				}
			}
		}
		return fields
	}

	if err := c.Request.ParseForm(); err == nil {
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
	}
	return fields
}

var sensitiveFields = []string{"cc", "card", "cvv", "id_no", "pass"}

func redact(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		lower := strings.ToLower(k)
		for _, s := range sensitiveFields {
			if strings.Contains(lower, s) {
				v = "***"
				break
			}
		}
		out[k] = v
	}
	return out
}
