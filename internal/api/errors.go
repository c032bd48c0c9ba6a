package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/materialledger/internal/certverify"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"go.uber.org/zap"
)

// writeError maps service errors to HTTP status codes. Unexpected errors are
// logged and reported with a generic message.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, eventledger.ErrInvalidEventData),
		errors.Is(err, eventledger.ErrInvalidEventType),
		errors.Is(err, eventledger.ErrInvalidPartition),
		errors.Is(err, eventledger.ErrInvalidStatus),
		errors.Is(err, certverify.ErrInvalidRequest),
		errors.Is(err, certverify.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, eventledger.ErrConcurrentAppend):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": "partition is busy, retry the append"})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
