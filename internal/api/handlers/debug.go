package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/journal"
	"github.com/inkline/orderforwarder/internal/service"
)

// HandleNormalizePreview handles POST /api/debug/normalize. Nothing is placed,
// recorded or forwarded.
func HandleNormalizePreview(pipeline OrderPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "failed to read request body"})
			return
		}
		doc := pipeline.Preview(body, service.ParseKind(c.Query("kind")))
		c.JSON(http.StatusOK, doc)
	}
}

type journalEntryResponse struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	OrderNumber *string         `json:"order_number"`
	Document    json.RawMessage `json:"document"`
	CreatedAt   string          `json:"created_at"`
}

// HandleJournalLookup handles GET /api/debug/journal/:key
func HandleJournalLookup(j journal.Journal, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")

		entries, err := j.ListByKey(c.Request.Context(), key)
		if err != nil {
			respondError(c, logger, err)
			return
		}

		resp := make([]journalEntryResponse, 0, len(entries))
		for _, e := range entries {
			doc := json.RawMessage(e.Document)
			if !json.Valid(doc) {
				doc = json.RawMessage("null")
			}
			resp = append(resp, journalEntryResponse{
				ID:          e.ID.String(),
				EventType:   e.EventType,
				OrderNumber: e.OrderNumber,
				Document:    doc,
				CreatedAt:   e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			})
		}
		c.JSON(http.StatusOK, gin.H{"idempotency_key": key, "entries": resp})
	}
}
