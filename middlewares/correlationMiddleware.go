package middlewares

import (
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-Id"

// CorrelationMiddleware threads a correlation id through the request context
// so lifecycle events and logs from one request share an id.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.Request.Header.Get(correlationHeader)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), correlationId))
		c.Writer.Header().Set(correlationHeader, correlationId)
		c.Next()
	}
}
