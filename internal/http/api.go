package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mediadl/internal/domain"
	"mediadl/internal/downloader"
	"mediadl/internal/repository"
	"mediadl/internal/service"
	"mediadl/internal/storage"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	jobs      service.JobService
	manager   downloader.Manager
	users     service.UserService
	storage   storage.Service
	bucket    string
	jwtSecret string
	tokenTTL  time.Duration
}

func NewHandler(jobs service.JobService, manager downloader.Manager, users service.UserService, store storage.Service, bucket, jwtSecret string, tokenTTL time.Duration) *Handler {
	return &Handler{
		jobs:      jobs,
		manager:   manager,
		users:     users,
		storage:   store,
		bucket:    bucket,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)

		authed := api.Group("")
		if h.jwtSecret != "" {
			authed.Use(authMiddleware(h.jwtSecret))
		}
		authed.POST("/downloads", h.enqueueDownload)
		authed.GET("/downloads", h.listDownloads)
		authed.GET("/downloads/stats", h.downloadStats)
		authed.GET("/downloads/:id", h.getDownload)
		authed.POST("/downloads/:id/pause", h.pauseDownload)
		authed.POST("/downloads/:id/resume", h.resumeDownload)
		authed.POST("/downloads/:id/cancel", h.cancelDownload)
		authed.PATCH("/downloads/:id/priority", h.changePriority)
		authed.DELETE("/downloads/:id", h.deleteDownload)
		authed.GET("/storage/objects", h.listObjects)
		authed.GET("/storage/objects/url", h.objectURL)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type enqueueRequest struct {
	MediaID      string `json:"media_id" binding:"required"`
	MediaType    string `json:"media_type" binding:"required"`
	Title        string `json:"title"`
	Quality      string `json:"quality"`
	Priority     string `json:"priority"`
	SourceURL    string `json:"source_url" binding:"required"`
	DownloadPath string `json:"download_path"`
}

func (h *Handler) enqueueDownload(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Enqueue(c.Request.Context(), service.EnqueueRequest{
		MediaID:      req.MediaID,
		MediaType:    domain.MediaType(req.MediaType),
		Title:        req.Title,
		Quality:      req.Quality,
		Priority:     domain.Priority(req.Priority),
		SourceURL:    req.SourceURL,
		DownloadPath: req.DownloadPath,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.manager.Notify()
	c.JSON(http.StatusAccepted, jobToResponse(*job))
}

func (h *Handler) listDownloads(c *gin.Context) {
	filter := repository.JobFilter{
		Status:    domain.JobStatus(c.Query("status")),
		MediaType: domain.MediaType(c.Query("media_type")),
	}

	jobs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) downloadStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{
		TotalDownloads:     stats.TotalDownloads,
		ActiveDownloads:    stats.ActiveDownloads,
		CompletedDownloads: stats.CompletedDownloads,
		FailedDownloads:    stats.FailedDownloads,
		TotalSize:          stats.TotalSize,
		DownloadedSize:     stats.DownloadedSize,
		AvgSpeed:           stats.AvgSpeed,
	})
}

func (h *Handler) getDownload(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

func (h *Handler) pauseDownload(c *gin.Context) {
	job, err := h.manager.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

func (h *Handler) resumeDownload(c *gin.Context) {
	job, err := h.manager.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

func (h *Handler) cancelDownload(c *gin.Context) {
	job, err := h.manager.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

type priorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

func (h *Handler) changePriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.UpdatePriority(c.Request.Context(), c.Param("id"), domain.Priority(req.Priority))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*job))
}

func (h *Handler) deleteDownload(c *gin.Context) {
	id := c.Param("id")

	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	var warnings []string
	if deleteRemote && job.ArchiveLocation != "" {
		if h.storage == nil || h.bucket == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage service not configured"})
			return
		}
		prefix, err := extractS3Prefix(job.ArchiveLocation, h.bucket)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := h.storage.DeletePrefix(remoteCtx, h.bucket, prefix); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
		}
	}

	if err := h.jobs.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	// The record is gone now, so local cleanup works off the job fetched
	// above.
	if err := h.manager.Discard(*job); err != nil {
		warnings = append(warnings, fmt.Sprintf("remove local data: %v", err))
	}

	resp := gin.H{"deleted": id}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) objectURL(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	key := c.Query("key")
	if strings.TrimSpace(key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object key is required"})
		return
	}

	url, err := h.storage.PresignObjectURL(c.Request.Context(), h.bucket, key, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func respondError(c *gin.Context, err error) {
	switch {
	case domain.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domain.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type JobResponse struct {
	ID              string  `json:"id"`
	MediaID         string  `json:"media_id"`
	MediaType       string  `json:"media_type"`
	Title           string  `json:"title"`
	Quality         string  `json:"quality"`
	Priority        string  `json:"priority"`
	SourceURL       string  `json:"source_url"`
	FileSize        int64   `json:"file_size"`
	DownloadedSize  int64   `json:"downloaded_size"`
	Progress        float64 `json:"progress"`
	Speed           int64   `json:"speed"`
	Status          string  `json:"status"`
	DownloadPath    string  `json:"download_path"`
	ArchiveLocation string  `json:"archive_location,omitempty"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

type StatsResponse struct {
	TotalDownloads     int   `json:"total_downloads"`
	ActiveDownloads    int   `json:"active_downloads"`
	CompletedDownloads int   `json:"completed_downloads"`
	FailedDownloads    int   `json:"failed_downloads"`
	TotalSize          int64 `json:"total_size"`
	DownloadedSize     int64 `json:"downloaded_size"`
	AvgSpeed           int64 `json:"avg_speed"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func jobToResponse(job domain.DownloadJob) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		MediaID:         job.MediaID,
		MediaType:       string(job.MediaType),
		Title:           job.Title,
		Quality:         job.Quality,
		Priority:        string(job.Priority),
		SourceURL:       job.SourceURL,
		FileSize:        job.FileSize,
		DownloadedSize:  job.DownloadedSize,
		Progress:        job.Progress(),
		Speed:           job.Speed,
		Status:          string(job.Status),
		DownloadPath:    job.DownloadPath,
		ArchiveLocation: job.ArchiveLocation,
		Error:           job.ErrorMessage,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		v := job.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	return resp
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func extractS3Prefix(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 {
		return "", fmt.Errorf("s3 prefix missing")
	}
	return strings.TrimPrefix(parts[1], "/"), nil
}
