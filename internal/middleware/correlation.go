package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/conductor/internal/pkg/ctxutil"
)

// Correlation reads the configured correlation header (generating an id when
// absent), puts it on the request context, and echoes it on the response so
// callers can stitch task and step events back to their request.
func Correlation(headerName string) gin.HandlerFunc {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-Correlation-ID"
	}
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(headerName))
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{CorrelationID: cid})
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(headerName, cid)
		c.Next()
	}
}
