package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/thread-engine/internal/thread"
	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// 统一响应: {success, data} / {success:false, error:{code, message}}。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, "invalid_request", message)
}

func notFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, "not_found", message)
}

// writeError 把引擎与客户端错误映射为 HTTP 状态码。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, thread.ErrThreadNotFound),
		errors.Is(err, thread.ErrApprovalNotFound),
		errors.Is(err, apperrors.ErrNotFound):
		notFound(c, err.Error())
	case errors.Is(err, thread.ErrInvalidDecision),
		errors.Is(err, thread.ErrEmptyMessage),
		errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, err.Error())
	case errors.Is(err, thread.ErrThreadClosing),
		errors.Is(err, thread.ErrNoActiveTurn):
		fail(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, apperrors.ErrTimeout), apperrors.CodeOf(err) == apperrors.CodeTimeout:
		fail(c, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, thread.ErrNoTurnStarter),
		errors.Is(err, thread.ErrNoApprovalResponder),
		errors.Is(err, apperrors.ErrUnavailable),
		errors.Is(err, apperrors.ErrClosed),
		apperrors.CodeOf(err) == apperrors.CodeUnavailable:
		fail(c, http.StatusServiceUnavailable, "unavailable", err.Error())
	case apperrors.CodeOf(err) == apperrors.CodeRPC:
		fail(c, http.StatusBadGateway, "backend_error", err.Error())
	default:
		serverError(c, err)
	}
}

func serverError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("dashboard: internal error",
		logger.FieldPath, c.FullPath(), logger.FieldError, err)
	fail(c, http.StatusInternalServerError, "internal_error", "internal server error")
}
