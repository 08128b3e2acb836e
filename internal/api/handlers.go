package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kalebavincent/dl-torrent/internal/backend"
	"github.com/kalebavincent/dl-torrent/internal/model"
	"github.com/kalebavincent/dl-torrent/internal/scheduler"
)

type APIHandler struct {
	Sched *scheduler.Scheduler
}

type SubmitRequest struct {
	Resource     string   `json:"resource" binding:"required"`
	Mirrors      []string `json:"mirrors"`
	OutputPath   string   `json:"output_path"`
	Kind         string   `json:"kind"`
	Priority     int      `json:"priority"`
	TargetFormat string   `json:"target_format"`
}

type jobResponse struct {
	Job      model.Job               `json:"job"`
	Progress *model.ProgressSnapshot `json:"progress,omitempty"`
}

func RegisterHandlers(r *gin.Engine, sched *scheduler.Scheduler) {
	h := &APIHandler{Sched: sched}

	r.POST("/jobs", h.submitJob)
	r.GET("/jobs", h.listJobs)
	r.GET("/jobs/:id", h.getJob)
	r.DELETE("/jobs/:id", h.cancelJob)

	r.GET("/health", h.health)
}

func (h *APIHandler) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	job, err := h.Sched.Submit(scheduler.SubmitSpec{
		Resource:     req.Resource,
		Mirrors:      req.Mirrors,
		OutputPath:   req.OutputPath,
		Kind:         model.ResourceKind(req.Kind),
		Priority:     req.Priority,
		TargetFormat: req.TargetFormat,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, backend.ErrUnsupportedResource) || errors.Is(err, scheduler.ErrNoResource) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, jobResponse{Job: job})
}

func (h *APIHandler) getJob(c *gin.Context) {
	job, snap, err := h.Sched.Job(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobResponse{Job: job, Progress: snap})
}

func (h *APIHandler) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.Sched.Jobs()})
}

func (h *APIHandler) cancelJob(c *gin.Context) {
	err := h.Sched.Cancel(c.Param("id"))
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *APIHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"stats":  h.Sched.Stats(),
	})
}
