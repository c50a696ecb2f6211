package server

import (
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/service"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecordController handles record requests.
type RecordController struct {
	records *service.RecordService
	status  *repository.StatusRepository
}

func NewRecordController(records *service.RecordService, status *repository.StatusRepository) *RecordController {
	return &RecordController{records: records, status: status}
}

// GetRecord returns one record, preferring the cached status snapshot.
func (h *RecordController) GetRecord(c *gin.Context) {
	rid := c.Param("id")
	if rid == "" {
		response.BadRequest(c, "Invalid record id")
		return
	}
	ctx := c.Request.Context()
	if h.status != nil {
		rec, err := h.status.Get(ctx, rid)
		if err != nil {
			logger.Warn(ctx, "status cache lookup failed", zap.String("rid", rid), zap.Error(err))
		}
		if rec != nil {
			response.Success(c, rec)
			return
		}
	}
	rec, err := h.records.Get(ctx, c.Query("domainId"), rid)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

type createRecordRequest struct {
	service.Submission
	// NoTask stores the record without scheduling it.
	NoTask bool `json:"noTask"`
}

// CreateRecord stores a submission and schedules its judge task.
func (h *RecordController) CreateRecord(c *gin.Context) {
	var req createRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	rec, err := h.records.Add(c.Request.Context(), req.Submission, !req.NoTask)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

// Rejudge resets a record and schedules it again.
func (h *RecordController) Rejudge(c *gin.Context) {
	rec, err := h.records.Rejudge(c.Request.Context(), c.Query("domainId"), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

type cancelRequest struct {
	Message string `json:"message"`
}

// Cancel stops a record.
func (h *RecordController) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
	}
	rec, err := h.records.Cancel(c.Request.Context(), c.Query("domainId"), c.Param("id"), req.Message)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, rec)
}

