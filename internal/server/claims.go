package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ldi/claimdeck/pkg/models"
)

type updateClaimRequest struct {
	Status         models.ClaimStatus    `json:"status" binding:"required"`
	TimestampField models.TimestampField `json:"timestamp_field"`
}

func (s *Server) handleListClaims(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	claims, err := s.backend.FetchClaims(c, user)
	if err != nil {
		s.abort(c, err)
		return
	}
	if claims == nil {
		claims = []models.Claim{}
	}
	c.JSON(http.StatusOK, claims)
}

func (s *Server) handleInsertClaim(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	taskID := c.Param("task_id")

	claim, err := s.backend.InsertClaim(c, user, taskID)
	if err != nil {
		s.abort(c, err)
		return
	}
	s.logger.Info().Str("user_id", user).Str("task_id", taskID).Msg("claimed task")
	c.JSON(http.StatusCreated, claim)
}

func (s *Server) handleDeleteClaim(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	taskID := c.Param("task_id")

	if err := s.backend.DeleteClaim(c, user, taskID); err != nil {
		s.abort(c, err)
		return
	}
	s.logger.Info().Str("user_id", user).Str("task_id", taskID).Msg("released task")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpdateClaim(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	taskID := c.Param("task_id")

	var req updateClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body")
		return
	}

	claim, err := s.backend.UpdateClaimStatus(c, user, taskID, req.Status, req.TimestampField)
	if err != nil {
		s.abort(c, err)
		return
	}
	s.logger.Info().
		Str("user_id", user).
		Str("task_id", taskID).
		Str("status", string(claim.Status)).
		Msg("updated claim")
	c.JSON(http.StatusOK, claim)
}
