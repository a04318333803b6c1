package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/sandboxd/sandboxd/internal/apierrors"
)

// ErrorResponse is the JSON body rendered for every non-2xx response.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	RetryAfter int      `json:"retryAfter,omitempty"`
	Available  []string `json:"availableEnvironments,omitempty"`
}

// writeError renders err through the taxonomy, defaulting anything that was
// never taxonomized to a 500 OperationFailed rather than leaking internals.
func writeError(c *gin.Context, err error) {
	code := apierrors.CodeOf(err)
	status := apierrors.HTTPStatus(code)

	resp := ErrorResponse{Error: string(code), Message: "internal error"}
	if apiErr, ok := apierrors.As(err); ok {
		resp.Message = apiErr.Message
		resp.RetryAfter = apiErr.RetryAfterSeconds
		resp.Available = apiErr.AvailableEnvironments
	}
	c.JSON(status, resp)
}
