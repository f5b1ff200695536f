package proxy

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"llamarun/internal/inference/scheduler"
)

// writeAcquireError maps a scheduler.AcquireError onto the HTTP status
// and retry hints spec.md §4.5 step 3 requires.
func writeAcquireError(c *gin.Context, err *scheduler.AcquireError) {
	switch err.Kind {
	case scheduler.ErrBusy:
		c.Header("Retry-After", "2")
		writeErrorBody(c, http.StatusServiceUnavailable, "server_error", "scheduler at capacity", "")
	case scheduler.ErrTimeout:
		c.Header("Retry-After", "1")
		c.Header("X-Queue-Position", strconv.Itoa(err.QueuePosition))
		writeErrorBody(c, http.StatusGatewayTimeout, "server_error", "timed out waiting for a free session slot", "")
	case scheduler.ErrShutdown:
		writeErrorBody(c, http.StatusServiceUnavailable, "server_error", "scheduler is shutting down", "")
	default:
		writeErrorBody(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}

// writeQueueWaitHeaders attaches the wait-observability headers spec.md
// §4.5 step 5 calls for, only when the caller actually waited.
func writeQueueWaitHeaders(c *gin.Context, cfg Config, res *scheduler.AcquireResult) {
	if res == nil {
		return
	}
	threshold := cfg.QueueWaitWarnThreshold.Milliseconds()
	if threshold <= 0 {
		threshold = 1000
	}
	if res.WaitedMS <= threshold {
		return
	}
	c.Header("X-Queue-Wait-Ms", strconv.FormatInt(res.WaitedMS, 10))
	c.Header("X-Queue-Position", strconv.Itoa(res.QueuePosition))
}

func writeErrorBody(c *gin.Context, status int, errType, message, param string) {
	body := gin.H{"error": gin.H{"type": errType, "message": message}}
	if param != "" {
		body["error"].(gin.H)["param"] = param
	}
	c.AbortWithStatusJSON(status, body)
}

func writeValidationError(c *gin.Context, ve *ValidationError) {
	writeErrorBody(c, http.StatusBadRequest, "invalid_request_error", ve.Message, ve.Param)
}

func writeNotImplemented(c *gin.Context, message string) {
	writeErrorBody(c, http.StatusNotImplemented, "not_implemented_error", message, "")
}
