package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
)

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok", Data: data})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.Response{
		Code:    http.StatusBadRequest,
		Message: msg,
		Data:    models.ErrorDetail{Code: service.CodeInvalidArgument, Explain: msg},
	})
}

// respondError maps a service error to its HTTP status and stable code.
func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	code, explain := service.CodeOf(err)
	c.JSON(status, models.Response{
		Code:    status,
		Message: err.Error(),
		Data:    models.ErrorDetail{Code: code, Explain: explain},
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyClosed), errors.Is(err, service.ErrJobNotQueued):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, service.ErrUnknownJobKind):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoProviderConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrGatewayFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
