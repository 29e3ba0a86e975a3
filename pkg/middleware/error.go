package middleware

import (
	"errors"
	"net/http"

	"questplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last gin error as the errutil JSON shape. Handlers attach
// domain errors with c.Error and abort; anything that is not a BaseError
// becomes an opaque internal error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		}.JSON())
	}
}
