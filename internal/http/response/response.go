package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragmind-backend/internal/pkg/svcerr"
)

// Envelope is the uniform response body: code 0 means success, anything
// else is a stable service code from the svcerr table.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{
		Code:    svcerr.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func RespondError(c *gin.Context, err error) {
	code := svcerr.CodeOf(err)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(svcerr.HTTPStatus(code), Envelope{
		Code:    code,
		Message: msg,
		Data:    nil,
	})
}

// RespondErrorWith overrides the inferred code, for handlers that classify
// at the edge (e.g. binding failures).
func RespondErrorWith(c *gin.Context, code int, msg string) {
	c.JSON(svcerr.HTTPStatus(code), Envelope{
		Code:    code,
		Message: msg,
		Data:    nil,
	})
}
