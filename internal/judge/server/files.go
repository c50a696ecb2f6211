package server

import (
	"net/http"
	"path"
	"strings"
	"time"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/backend"
	"judgeflow/internal/judge/datacache"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultLinkTTL = 30 * time.Minute

// FileController hands out presigned links to test data and submission
// files for remote workers.
type FileController struct {
	storage  storage.ObjectStorage
	problems service.ProblemSource
	bucket   string
	ttl      time.Duration
}

func NewFileController(store storage.ObjectStorage, problems service.ProblemSource, bucket string, ttl time.Duration) *FileController {
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	return &FileController{storage: store, problems: problems, bucket: bucket, ttl: ttl}
}

// validFileName rejects names that could leave the problem directory.
func validFileName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	return path.Clean(name) == name && !strings.HasPrefix(name, "..")
}

// ProblemFiles presigns the requested test data files. A missing problem
// yields an empty reply without links.
func (h *FileController) ProblemFiles(c *gin.Context) {
	var req model.FileLinksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	ctx := c.Request.Context()
	p, err := h.problems.Problem(ctx, c.Param("domainId"), req.PID)
	if err != nil {
		if appErr.Is(err, appErr.ProblemNotFound) {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		response.Error(c, err)
		return
	}
	links := make(map[string]string, len(req.Files))
	for _, name := range req.Files {
		if !validFileName(name) {
			response.Error(c, appErr.Newf(appErr.InvalidFileName, "invalid file name %s", name))
			return
		}
		url, err := h.storage.PresignGetObject(ctx, h.bucket, datacache.TestdataKey(p.Source(), name), h.ttl)
		if err != nil {
			if appErr.Is(err, appErr.ObjectNotFound) {
				logger.Warn(ctx, "requested test data file missing", zap.String("source", p.Source()), zap.String("file", name))
				continue
			}
			response.Error(c, appErr.Wrapf(err, appErr.PresignFailed, "presign %s failed", name))
			return
		}
		links[name] = url
	}
	c.JSON(http.StatusOK, model.FileLinksResponse{Links: links})
}

// SubmissionFile presigns one stored submission file.
func (h *FileController) SubmissionFile(c *gin.Context) {
	var req model.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validFileName(req.ID) {
		response.BadRequest(c, "Invalid file id")
		return
	}
	url, err := h.storage.PresignGetObject(c.Request.Context(), h.bucket, backend.SubmissionKey(req.ID), h.ttl)
	if err != nil {
		if appErr.Is(err, appErr.ObjectNotFound) {
			c.JSON(http.StatusOK, model.CodeResponse{})
			return
		}
		response.Error(c, appErr.Wrapf(err, appErr.PresignFailed, "presign %s failed", req.ID))
		return
	}
	c.JSON(http.StatusOK, model.CodeResponse{URL: url})
}
