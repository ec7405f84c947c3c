package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/faceid/internal/batch"
	"github.com/your-org/faceid/pkg/dto"
)

type BatchHandler struct {
	engine *batch.Engine
}

func NewBatchHandler(engine *batch.Engine) *BatchHandler {
	return &BatchHandler{engine: engine}
}

func (h *BatchHandler) Create(c *gin.Context) {
	var req dto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]batch.Item, 0, len(req.Images))
	for _, img := range req.Images {
		data, err := base64.StdEncoding.DecodeString(img.Image)
		if err != nil {
			// Undecodable payloads still occupy their slot; the pipeline
			// rejects them per-item so the rest of the job proceeds.
			data = []byte(img.Image)
		}
		items = append(items, batch.Item{ID: img.ID, Image: data})
	}

	job, err := h.engine.CreateJob(items)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *BatchHandler) Get(c *gin.Context) {
	job, ok := h.engine.GetJob(c.Param("jobId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *BatchHandler) List(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	jobs := h.engine.ListJobs(limit)
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}
