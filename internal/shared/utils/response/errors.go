package response

import (
	"busline/internal/shared/apperror"

	"github.com/gin-gonic/gin"
)

// ErrorDetail tells clients which recovery applies to a failure
type ErrorDetail struct {
	Kind apperror.Kind `json:"kind"`
}

// RespondError maps a taxonomy error to its status code and public message
func RespondError(c *gin.Context, err error) {
	status := apperror.HTTPStatus(err)
	RespondJSON(c, "error", status, apperror.PublicMessage(err), nil, ErrorDetail{Kind: apperror.KindOf(err)})
}
