package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectescrow/internal/escrow"
	"projectescrow/internal/repository"
	"projectescrow/internal/service"
	"projectescrow/pkg/logger"
)

// CallerKey is the gin context key holding the authenticated escrow.Identity.
const CallerKey = "caller"

// IdempotencyHeader lets clients retry mutating requests safely.
const IdempotencyHeader = "Idempotency-Key"

type EscrowHandler struct {
	escrowService *service.EscrowService
	logger        *zap.Logger
}

func NewEscrowHandler(escrowService *service.EscrowService, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{
		escrowService: escrowService,
		logger:        logger,
	}
}

type registerProjectRequest struct {
	ID             *uint64 `json:"id" binding:"required"`
	Founder        string  `json:"founder"`
	DAO            string  `json:"dao"`
	Oracle         string  `json:"oracle"`
	TokenContract  string  `json:"token_contract"`
	MilestoneCount uint    `json:"milestone_count"`
	Funding        uint64  `json:"funding"`
}

type releaseFundingRequest struct {
	Amount *uint64 `json:"amount" binding:"required"`
}

// RegisterProject handles POST /projects
func (h *EscrowHandler) RegisterProject(c *gin.Context) {
	var req registerProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	reg := escrow.Registration{
		ID:             escrow.ProjectID(*req.ID),
		Founder:        escrow.Identity(req.Founder),
		DAO:            escrow.Identity(req.DAO),
		Oracle:         escrow.Identity(req.Oracle),
		TokenContract:  escrow.Identity(req.TokenContract),
		MilestoneCount: req.MilestoneCount,
		Funding:        escrow.Amount(req.Funding),
	}

	ctx := service.WithIdempotencyKey(c.Request.Context(), c.GetHeader(IdempotencyHeader))
	ok, err := h.escrowService.RegisterProject(ctx, caller(c), reg)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"registered": ok})
}

// CompleteMilestone handles POST /projects/:id/milestones/complete
func (h *EscrowHandler) CompleteMilestone(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	ctx := service.WithIdempotencyKey(c.Request.Context(), c.GetHeader(IdempotencyHeader))
	idx, err := h.escrowService.MarkMilestoneComplete(ctx, caller(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": idx})
}

// ReleaseFunding handles POST /projects/:id/releases
func (h *EscrowHandler) ReleaseFunding(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	var req releaseFundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	ctx := service.WithIdempotencyKey(c.Request.Context(), c.GetHeader(IdempotencyHeader))
	released, err := h.escrowService.ReleaseFunding(ctx, caller(c), id, escrow.Amount(*req.Amount))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": uint64(released)})
}

// IsProjectComplete handles GET /projects/:id/complete
func (h *EscrowHandler) IsProjectComplete(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	complete, err := h.escrowService.IsProjectComplete(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"complete": complete})
}

// GetProject handles GET /projects/:id
func (h *EscrowHandler) GetProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	p, err := h.escrowService.Project(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

func (h *EscrowHandler) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	if code := escrow.Code(err); code != 0 {
		body["code"] = code
	}
	c.JSON(status, body)
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrTooManyMilestones),
		errors.Is(err, repository.ErrAmountTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrExceedsAllocation),
		errors.Is(err, escrow.ErrAllMilestonesComplete),
		errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func caller(c *gin.Context) escrow.Identity {
	id, _ := c.Get(CallerKey)
	identity, _ := id.(escrow.Identity)
	return identity
}

func projectID(c *gin.Context) (escrow.ProjectID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid project id")
		return 0, false
	}
	return escrow.ProjectID(id), true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
