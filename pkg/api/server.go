// Package api exposes the cluster and migration HTTP surfaces. Every
// route sits behind the cluster token middleware; errors map to status
// codes through the errdefs sentinels.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/burrowdb/burrow/pkg/config"
	"github.com/burrowdb/burrow/pkg/elector"
	"github.com/burrowdb/burrow/pkg/health"
	"github.com/burrowdb/burrow/pkg/log"
	"github.com/burrowdb/burrow/pkg/migration"
	"github.com/burrowdb/burrow/pkg/registry"
	"github.com/burrowdb/burrow/pkg/replication"
	"github.com/burrowdb/burrow/pkg/router"
	"github.com/burrowdb/burrow/pkg/security"
	"github.com/burrowdb/burrow/pkg/storage"
)

// Server wires the HTTP routes to the cluster components
type Server struct {
	cfg       *config.Config
	tokenHash string

	store     storage.Store
	registry  *registry.Registry
	monitor   *health.Monitor
	elector   *elector.Elector
	engine    *replication.Engine
	forwarder *router.Forwarder
	migration *migration.Manager
	scheduler *migration.Scheduler

	logger zerolog.Logger
	http   *http.Server
}

// Deps carries the components the server exposes
type Deps struct {
	Store     storage.Store
	Registry  *registry.Registry
	Monitor   *health.Monitor
	Elector   *elector.Elector
	Engine    *replication.Engine
	Forwarder *router.Forwarder
	Migration *migration.Manager
	Scheduler *migration.Scheduler
}

// NewServer creates the API server. Only the hash of the cluster token
// is retained for request verification.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		tokenHash: security.HashToken(cfg.Cluster.AuthToken),
		store:     deps.Store,
		registry:  deps.Registry,
		monitor:   deps.Monitor,
		elector:   deps.Elector,
		engine:    deps.Engine,
		forwarder: deps.Forwarder,
		migration: deps.Migration,
		scheduler: deps.Scheduler,
		logger:    log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	s.routes(engine)

	s.http = &http.Server{
		Addr:              cfg.APIListen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	cluster := r.Group("/cluster", s.requireToken())
	{
		cluster.POST("/register", s.handleRegister)
		cluster.GET("/health", s.handleClusterHealth)
		cluster.GET("/nodes", s.handleListNodes)
		cluster.GET("/nodes/:id", s.handleGetNode)
		cluster.DELETE("/nodes/:id", s.handleRemoveNode)
		cluster.POST("/nodes/promote", s.handlePromoteNode)
		cluster.POST("/nodes/:id/promote", s.handlePromote)
		cluster.POST("/nodes/:id/demote", s.handleDemote)
		cluster.POST("/nodes/:id/reset-circuit", s.handleResetCircuit)
		cluster.GET("/stats", s.handleRouterStats)
		cluster.GET("/events", s.handleClusterEvents)
		cluster.GET("/alerts", s.handleClusterAlerts)
		cluster.POST("/replication/apply", s.handleReplicationApply)
		cluster.GET("/replication/lag", s.handleReplicationLag)
		cluster.GET("/replication/conflicts", s.handleReplicationConflicts)
		cluster.POST("/validate-owner", s.handleValidateOwner)
		cluster.GET("/internal/check-user/:id", s.handleCheckUser)
	}

	data := r.Group("/data", s.requireToken())
	{
		data.GET("/:collection", s.handleDataList)
		data.POST("/:collection", s.handleDataInsert)
		data.GET("/:collection/:id", s.handleDataGet)
		data.PATCH("/:collection/:id", s.handleDataUpdate)
		data.PUT("/:collection/:id", s.handleDataReplace)
		data.DELETE("/:collection/:id", s.handleDataDelete)
	}

	mig := r.Group("/migration", s.requireToken(), s.allowIPs())
	{
		mig.POST("/export", s.handleExport)
		mig.GET("/export/:id/download", s.handleDownload)
		mig.POST("/upload", s.handleUpload)
		mig.POST("/import", s.handleImport)
		mig.POST("/import/validate", s.handleImportValidate)
		mig.POST("/import/:id/rollback", s.handleRollback)
		mig.GET("/history", s.handleHistory)
		mig.GET("/:id/status", s.handleMigrationStatus)
		mig.DELETE("/:id", s.handleDeleteMigration)
		mig.GET("/health", s.handleMigrationHealth)
		mig.GET("/collections", s.handleExportableCollections)
		mig.GET("/collections/:name/documents", s.handleCollectionDocuments)
		mig.POST("/collections/:name/documents", s.handleCollectionUpload)

		mig.GET("/instances", s.handleListInstances)
		mig.POST("/instances", s.handleRegisterInstance)
		mig.DELETE("/instances/:id", s.handleRemoveInstance)

		mig.POST("/transfer", s.handleCreateTransfer)
		mig.GET("/transfer", s.handleListTransfers)
		mig.GET("/transfer/:id", s.handleGetTransfer)
		mig.POST("/transfer/:id/pause", s.handlePauseTransfer)
		mig.POST("/transfer/:id/resume", s.handleResumeTransfer)
		mig.POST("/transfer/:id/cancel", s.handleCancelTransfer)

		mig.GET("/schedules", s.handleListSchedules)
		mig.POST("/schedules", s.handleAddSchedule)
		mig.DELETE("/schedules/:id", s.handleRemoveSchedule)
		mig.POST("/schedules/:id/enable", s.handleEnableSchedule)
		mig.POST("/schedules/:id/disable", s.handleDisableSchedule)
	}
}

// Run serves until the listener fails or Shutdown is called
func (s *Server) Run() error {
	s.logger.Info().Str("listen", s.http.Addr).Msg("api server starting")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
