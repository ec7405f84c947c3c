package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/faceid/internal/api/handlers"
	"github.com/your-org/faceid/internal/api/ws"
	"github.com/your-org/faceid/internal/batch"
	"github.com/your-org/faceid/internal/cache"
	"github.com/your-org/faceid/internal/index"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/internal/recognition"
	"github.com/your-org/faceid/internal/storage"
)

type RouterConfig struct {
	APIKey      string
	DB          *storage.PostgresStore
	Snapshots   *storage.SnapshotStore
	Producer    *queue.Producer
	Hub         *ws.Hub
	Cache       *cache.Cache
	Index       *index.Index
	Coordinator *recognition.Coordinator
	Engine      *batch.Engine
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.Snapshots, cfg.Producer, cfg.Cache, cfg.Index, cfg.Coordinator)
	r.GET("/health", systemH.Health)
	r.GET("/health/detailed", systemH.HealthDetailed)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(APIKeyMiddleware(cfg.APIKey))

	// WebSocket event feed
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Recognition
	recH := handlers.NewRecognitionHandler(cfg.Coordinator)
	v1.POST("/recognition/register", recH.Register)
	v1.POST("/recognition/recognize", recH.Recognize)
	v1.PUT("/recognition/update", recH.Update)
	v1.DELETE("/recognition/users/:externalId", recH.Delete)
	v1.GET("/recognition/profile", recH.GetProfile)
	v1.PUT("/recognition/profile", recH.SetProfile)
	v1.GET("/recognition/stats", systemH.Stats)

	// Batch
	batchH := handlers.NewBatchHandler(cfg.Engine)
	v1.POST("/recognition/batch", batchH.Create)
	v1.GET("/recognition/batch", batchH.List)
	v1.GET("/recognition/batch/:jobId", batchH.Get)

	// Index maintenance
	indexH := handlers.NewIndexHandler(cfg.Index, cfg.DB)
	v1.POST("/recognition/index/rebuild", indexH.Rebuild)
	v1.GET("/recognition/index/stats", indexH.Stats)

	return r
}
