package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"call-insights-go/internal/dataset"
	"call-insights-go/internal/jobs"
	"call-insights-go/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type submitResponse struct {
	JobID   string          `json:"job_id"`
	Message string          `json:"message"`
	Status  types.JobStatus `json:"status"`
}

type webhookRequest struct {
	Filename string `json:"filename" binding:"required"`
	FileURL  string `json:"file_url"`
}

type jobList struct {
	Total int64       `json:"total"`
	Jobs  []types.Job `json:"jobs"`
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		abort(c, http.StatusBadRequest, "No file provided")
		return
	}
	name := filepath.Base(fh.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		abort(c, http.StatusBadRequest, "No filename provided")
		return
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		internalError(c, "Upload failed", err)
		return
	}
	dst := filepath.Join(s.opts.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		internalError(c, "Upload failed", err)
		return
	}

	id, err := s.machine.Submit(c.Request.Context(), dst, name)
	if err != nil {
		_ = os.Remove(dst)
		internalError(c, "Upload failed", err)
		return
	}
	s.wake()
	reqLog(c).WithField("job_id", id).WithField("size", fh.Size).Info("upload queued")
	c.JSON(http.StatusOK, submitResponse{JobID: id, Message: "Audio file uploaded and queued for processing", Status: types.StatusPending})
}

func (s *Server) webhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "filename is required")
		return
	}
	fileURL := strings.TrimSpace(req.FileURL)
	if fileURL == "" {
		abort(c, http.StatusBadRequest, "file_url is required for webhook")
		return
	}
	if !strings.HasPrefix(fileURL, "http://") && !strings.HasPrefix(fileURL, "https://") {
		abort(c, http.StatusBadRequest, "file_url must be an http(s) URL")
		return
	}

	id, err := s.machine.Submit(c.Request.Context(), fileURL, req.Filename)
	if err != nil {
		internalError(c, "Webhook processing failed", err)
		return
	}
	s.wake()
	reqLog(c).WithField("job_id", id).Info("webhook queued")
	c.JSON(http.StatusOK, submitResponse{JobID: id, Message: "Webhook received and queued for processing", Status: types.StatusPending})
}

func (s *Server) listJobs(c *gin.Context) {
	skip, err := queryInt(c, "skip", 0, 0, -1)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(c, "limit", 100, 1, 500)
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	total, err := s.store.CountJobs(ctx, "")
	if err != nil {
		internalError(c, "Failed to list jobs", err)
		return
	}
	list, err := s.store.ListJobs(ctx, skip, limit)
	if err != nil {
		internalError(c, "Failed to list jobs", err)
		return
	}
	if list == nil {
		list = []types.Job{}
	}
	c.JSON(http.StatusOK, jobList{Total: total, Jobs: list})
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) exportJob(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := dataset.Export(&buf, job); err != nil {
		internalError(c, "Export failed", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%s.xlsx"`, job.ID))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (s *Server) loadJob(c *gin.Context) (*types.Job, bool) {
	job, err := s.machine.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		abort(c, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		internalError(c, "Failed to load job", err)
		return nil, false
	}
	return job, true
}

func (s *Server) wake() {
	if s.opts.Wake != nil {
		s.opts.Wake()
	}
}

// queryInt parses an integer query parameter within [lo, hi]; hi < 0 means
// unbounded.
func queryInt(c *gin.Context, key string, def, lo, hi int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if n < lo || (hi >= 0 && n > hi) {
		if hi >= 0 {
			return 0, fmt.Errorf("%s must be between %d and %d", key, lo, hi)
		}
		return 0, fmt.Errorf("%s must be at least %d", key, lo)
	}
	return n, nil
}
