package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ldi/claimdeck/pkg/models"
)

const codeBadRequest = "bad_request"

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

var statusByCode = map[string]int{
	"not_authenticated":  http.StatusUnauthorized,
	"already_claimed":    http.StatusConflict,
	"capacity_exceeded":  http.StatusConflict,
	"invalid_transition": http.StatusUnprocessableEntity,
	"task_not_found":     http.StatusNotFound,
	"claim_not_found":    http.StatusNotFound,
	"network":            http.StatusServiceUnavailable,
}

// abort writes err as an apiError with the status its code maps to.
func (s *Server) abort(c *gin.Context, err error) {
	code := models.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	body := apiError{Code: code, Message: err.Error()}
	var ce *models.ClaimError
	if errors.As(err, &ce) {
		// The task id travels in its own field so clients can rebuild the error.
		body.TaskID = ce.TaskID
		body.Message = (&models.ClaimError{Kind: ce.Kind, Msg: ce.Msg, Err: ce.Err}).Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, apiError{Code: codeBadRequest, Message: message})
}
