package controller

import (
	"autograder/internal/grader/service"
	"autograder/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// GraderController handles grading status requests.
type GraderController struct {
	svc *service.Service
}

// NewGraderController creates a new controller.
func NewGraderController(svc *service.Service) *GraderController {
	return &GraderController{svc: svc}
}

// GetStatus returns status for one submission.
func (h *GraderController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.svc.GetStatus(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

type confirmReviewRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

// ConfirmReview marks a submission's grade report as reviewed.
func (h *GraderController) ConfirmReview(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	var req confirmReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if err := h.svc.ConfirmReview(c.Request.Context(), submissionID, req.Reviewer); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"submission_id": submissionID})
}
