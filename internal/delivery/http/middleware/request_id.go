package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin context key the request log line reads.
	RequestIDKey = "request_id"
)

// RequestID tags every request with a v7 UUID, reusing the id the gateway
// already assigned when one is present. The id is stored on the context and
// echoed back in the response header so a client report can be matched to
// the server-side log line.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			generated, _ := uuid.NewV7()
			id = generated.String()
		}
		c.Set(RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
