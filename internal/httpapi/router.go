// Package httpapi exposes the Job, Transfer, Cache, and Preset APIs
// over HTTP+JSON using gin, plus a Prometheus /metrics endpoint.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halvorsen/reelsmith/internal/cache"
	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/preset"
	"github.com/halvorsen/reelsmith/internal/queue"
	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// Server wires the Queue Orchestrator, Cache, and Preset Manager onto a
// gin engine.
type Server struct {
	Engine *gin.Engine

	queue   *queue.Orchestrator
	cfg     *config.Store
	cache   *cache.Cache
	presets *preset.Manager
}

// New builds a Server with every route registered. cacheAPI/presets
// may be nil when their backing transport isn't configured; the
// corresponding routes are then not registered.
func New(q *queue.Orchestrator, cfg *config.Store, cacheAPI *cache.Cache, presets *preset.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{Engine: engine, queue: q, cfg: cfg, cache: cacheAPI, presets: presets}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobs := s.Engine.Group("/api/jobs")
	{
		jobs.GET("", s.listJobs)
		jobs.POST("", s.addJob)
		jobs.DELETE("/:id", s.removeJob)
		jobs.POST("/:id/delete", s.deleteJob)
		jobs.POST("/:id/pause", s.pauseJob)
		jobs.POST("/:id/resume", s.resumeJob)
		jobs.POST("/:id/retry", s.retryJob)
		jobs.POST("/:id/approve", s.approveJob)
		jobs.POST("/:id/reject", s.rejectJob)
	}

	queueGroup := s.Engine.Group("/api/queue")
	{
		queueGroup.GET("/status", s.getStatus)
		queueGroup.GET("/stats", s.getStats)
		queueGroup.POST("/start", s.startQueue)
		queueGroup.POST("/stop", s.stopQueue)
		queueGroup.POST("/pause", s.pauseQueue)
		queueGroup.POST("/resume", s.resumeQueue)
		queueGroup.POST("/pause-after-current", s.setPauseAfterCurrent)
		queueGroup.POST("/clear", s.clearQueue)
	}

	s.Engine.GET("/api/settings", s.getSettings)
	s.Engine.PUT("/api/settings", s.updateSettings)

	if s.cache != nil {
		c := s.Engine.Group("/api/cache")
		c.GET("/stats", s.cacheStats)
		c.POST("/sync", s.cacheSync)
		c.POST("/invalidate", s.cacheInvalidate)
		c.POST("/clear", s.cacheClear)
	}

	if s.presets != nil {
		p := s.Engine.Group("/api/presets")
		p.GET("", s.listPresets)
		p.GET("/:name", s.loadPreset)
		p.POST("/:name", s.savePreset)
		p.DELETE("/:name", s.deletePreset)
		p.POST("/:name/push", s.pushPreset)
		p.POST("/:name/pull", s.pullPreset)
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

// writeErr maps a reelerr.Kind to an HTTP status the way spec §7
// expects callers to distinguish retryable from terminal failures.
func writeErr(c *gin.Context, err error) {
	kind, ok := reelerr.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		switch kind {
		case reelerr.KindNotFound:
			status = http.StatusNotFound
		case reelerr.KindInvalidConfig, reelerr.KindUserRejected:
			status = http.StatusBadRequest
		case reelerr.KindProtocolCapabilityMissing:
			status = http.StatusServiceUnavailable
		case reelerr.KindAuthFailed:
			status = http.StatusUnauthorized
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.queue.GetJobs()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

type addJobRequest struct {
	RemotePath string `json:"remote_path" binding:"required"`
}

func (s *Server) addJob(c *gin.Context) {
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	j, err := s.queue.AddJob(c.Request.Context(), req.RemotePath)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (s *Server) removeJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.RemoveJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.DeleteJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.PauseJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) resumeJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.ResumeJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) retryJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.RetryJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) approveJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.ApproveJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) rejectJob(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.queue.RejectJob(id); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.GetStatus())
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.queue.GetStats()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) startQueue(c *gin.Context) {
	if err := s.queue.Start(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) stopQueue(c *gin.Context) {
	s.queue.Stop()
	c.Status(http.StatusOK)
}

func (s *Server) pauseQueue(c *gin.Context) {
	s.queue.Pause()
	c.Status(http.StatusOK)
}

func (s *Server) resumeQueue(c *gin.Context) {
	s.queue.Resume()
	c.Status(http.StatusOK)
}

type pauseAfterCurrentRequest struct {
	Value bool `json:"value"`
}

func (s *Server) setPauseAfterCurrent(c *gin.Context) {
	var req pauseAfterCurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.queue.SetPauseAfterCurrent(req.Value)
	c.Status(http.StatusOK)
}

func (s *Server) clearQueue(c *gin.Context) {
	n, err := s.queue.Clear(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Snapshot())
}

func (s *Server) updateSettings(c *gin.Context) {
	var patch config.PipelineConfiguration
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.cfg.Update(patch)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cacheStats(c *gin.Context) {
	stats, err := s.cache.GetStats(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type cachePathRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) cacheSync(c *gin.Context) {
	var req cachePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.cache.Sync(c.Request.Context(), req.Path)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) cacheInvalidate(c *gin.Context) {
	var req cachePathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cache.Invalidate(c.Request.Context(), req.Path); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) cacheClear(c *gin.Context) {
	if err := s.cache.Clear(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) listPresets(c *gin.Context) {
	names, err := s.presets.List(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) loadPreset(c *gin.Context) {
	p, err := s.presets.Load(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) savePreset(c *gin.Context) {
	var p preset.Preset
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.presets.Save(c.Request.Context(), c.Param("name"), p); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) deletePreset(c *gin.Context) {
	if err := s.presets.Delete(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pushPreset(c *gin.Context) {
	if err := s.presets.Push(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) pullPreset(c *gin.Context) {
	if err := s.presets.Pull(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}
