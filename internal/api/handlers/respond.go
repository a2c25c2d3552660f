package handlers

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/pkg/errors"
)

// respondError maps typed errors to a status code and an {ok:false} body
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		verr        *errors.ErrValidation
		notFound    *errors.ErrNotFound
		conflict    *errors.ErrConflict
		unavailable *errors.ErrUnavailable
		forward     *errors.ErrForward
		transition  *errors.ErrInvalidStateTransition
	)
	switch {
	case stderrors.As(err, &verr):
		body := gin.H{"ok": false, "error": verr.Error()}
		if len(verr.Fields) > 0 {
			body["fields"] = verr.Fields
		}
		c.JSON(http.StatusBadRequest, body)
	case stderrors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": notFound.Error()})
	case stderrors.As(err, &conflict), stderrors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
	case stderrors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": unavailable.Error()})
	case stderrors.As(err, &forward):
		body := gin.H{"ok": false, "error": forward.Error()}
		if forward.Status != 0 {
			body["status"] = forward.Status
		}
		c.JSON(http.StatusBadGateway, body)
	default:
		logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal error"})
	}
}
