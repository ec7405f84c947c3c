package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/faceid/internal/index"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/storage"
)

type IndexHandler struct {
	idx        *index.Index
	db         *storage.PostgresStore
	rebuilding atomic.Bool
}

func NewIndexHandler(idx *index.Index, db *storage.PostgresStore) *IndexHandler {
	return &IndexHandler{idx: idx, db: db}
}

// Rebuild kicks off an asynchronous rebuild from the descriptor store. Only
// one rebuild runs at a time; a second request while one is in flight gets a
// 409.
func (h *IndexHandler) Rebuild(c *gin.Context) {
	if !h.rebuilding.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "rebuild already in progress"})
		return
	}

	go func() {
		defer h.rebuilding.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		users, err := h.db.ListActive(ctx)
		if err != nil {
			slog.Error("rebuild: load active users", "error", err)
			return
		}
		if err := h.idx.Rebuild(users); err != nil {
			slog.Error("rebuild index", "error", err)
			return
		}
		observability.ActiveUsers.Set(float64(len(users)))
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "rebuild started"})
}

func (h *IndexHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.idx.Stats())
}
