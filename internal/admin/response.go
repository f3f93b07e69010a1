package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"idemcore/internal/shared"
)

// Response is the envelope of every admin API reply.
type Response struct {
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func requestID(c *gin.Context) string {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Data: data, RequestID: requestID(c), Timestamp: time.Now().UTC()})
}

func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, Response{
		Error:     &APIError{Code: code, Message: err.Error()},
		RequestID: requestID(c),
		Timestamp: time.Now().UTC(),
	})
}

// statusFor maps an error kind to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound, "not_found"
	case shared.KindValidation:
		return http.StatusBadRequest, "validation_failed"
	case shared.KindConflict, shared.KindInvariantViolated:
		return http.StatusConflict, "conflict"
	case shared.KindCapabilityUnavailable:
		return http.StatusServiceUnavailable, "capability_unavailable"
	case shared.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case shared.KindCanceled:
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
