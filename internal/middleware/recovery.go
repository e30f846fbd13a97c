package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/ruvnet/crdtsync/internal/errors"
)

// Recovery turns a panic in a handler into a logged 500 response instead of
// killing the process. It covers code running on the handler's own
// goroutine, which includes a sync session's read loop; goroutines the
// handler starts, such as the transport's write pump, have no recover.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("error", r),
					zap.String("stack", string(debug.Stack())),
				)

				apiErr := apierrors.NewInternalError("an unexpected error occurred")
				c.AbortWithStatusJSON(http.StatusInternalServerError, response{
					Success: false,
					Error:   apiErr,
				})
			}
		}()

		c.Next()
	}
}
