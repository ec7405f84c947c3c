package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/faceid/internal/cache"
	"github.com/your-org/faceid/internal/index"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/internal/recognition"
	"github.com/your-org/faceid/internal/storage"
)

type SystemHandler struct {
	db          *storage.PostgresStore
	snapshots   *storage.SnapshotStore
	producer    *queue.Producer
	resultCache *cache.Cache
	idx         *index.Index
	coordinator *recognition.Coordinator
}

func NewSystemHandler(db *storage.PostgresStore, snapshots *storage.SnapshotStore, producer *queue.Producer, resultCache *cache.Cache, idx *index.Index, coordinator *recognition.Coordinator) *SystemHandler {
	return &SystemHandler{
		db:          db,
		snapshots:   snapshots,
		producer:    producer,
		resultCache: resultCache,
		idx:         idx,
		coordinator: coordinator,
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthDetailed probes every backing service. Unreachable backends turn the
// overall status into 503 so load balancers can rotate the worker out.
func (h *SystemHandler) HealthDetailed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		healthy = false
	} else {
		checks["postgres"] = "ok"
	}

	if h.snapshots != nil {
		if err := h.snapshots.Ping(ctx); err != nil {
			checks["minio"] = err.Error()
			healthy = false
		} else {
			checks["minio"] = "ok"
		}
	}

	if h.producer != nil {
		if err := h.producer.Ping(); err != nil {
			checks["nats"] = err.Error()
			healthy = false
		} else {
			checks["nats"] = "ok"
		}
	}

	// Cache tier is informational: the in-process fallback keeps the
	// service healthy without Redis.
	checks["cache"] = h.resultCache.Mode()

	if !h.idx.Initialized() {
		checks["index"] = "not initialized"
		healthy = false
	} else {
		checks["index"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}

// Stats aggregates the core subsystems into one response.
func (h *SystemHandler) Stats(c *gin.Context) {
	activeUsers, err := h.db.CountActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active_users": activeUsers,
		"index":        h.idx.Stats(),
		"cache":        h.resultCache.Stats(),
		"recognition":  h.coordinator.Stats(),
		"settings":     h.coordinator.CurrentSettings(),
	})
}
