package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"matchpay/internal/api"
	"matchpay/internal/apperr"
	"matchpay/internal/logger"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:             http.StatusBadRequest,
	apperr.KindNotFound:               http.StatusNotFound,
	apperr.KindInvalidState:           http.StatusUnprocessableEntity,
	apperr.KindInvalidStateTransition: http.StatusConflict,
	apperr.KindConflict:               http.StatusConflict,
	apperr.KindGateway:                http.StatusBadGateway,
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, api.ErrorResponse{Error: "internal error", Kind: kind})
		return
	}
	c.JSON(status, api.ErrorResponse{Error: err.Error(), Kind: kind})
}
