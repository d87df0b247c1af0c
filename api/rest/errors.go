package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pongchat/server/apperr"
)

// fail writes err with the status its kind maps to. Causes of internal
// errors are never exposed.
func fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error": apperr.MessageOf(err),
		"code":    apperr.CodeOf(err),
	})
}

// paramID parses the positive int64 path parameter name.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name, "code": apperr.ErrBadRequest.Code})
		return 0, false
	}
	return id, true
}
