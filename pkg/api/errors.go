package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/WalkingStatue/multi-rag-bot-sub002/pkg/errors"
)

// errorBody is the wire shape of every error response
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func statusOf(class apperrors.ErrorClass) int {
	switch class {
	case apperrors.ClassInvalidArgument:
		return http.StatusBadRequest
	case apperrors.ClassNotFound:
		return http.StatusNotFound
	case apperrors.ClassConflict:
		return http.StatusConflict
	case apperrors.ClassAuthFailure:
		return http.StatusUnauthorized
	case apperrors.ClassRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ClassProviderUnavailable, apperrors.ClassTransient:
		return http.StatusBadGateway
	case apperrors.ClassTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a classified error with its mapped status. Unknown
// errors come out as 500 INTERNAL.
func writeError(c *gin.Context, err error) {
	class := apperrors.ClassOf(err)
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.CodeInternal
	}
	c.JSON(statusOf(class), gin.H{"error": errorBody{
		Code:      code,
		Message:   err.Error(),
		Retryable: apperrors.IsRetryable(err),
	}})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorBody{
		Code:    apperrors.CodeInvalidArgument,
		Message: message,
	}})
}
