package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/fpang/catalog-autotag/internal/batch"
	"github.com/fpang/catalog-autotag/internal/failure"
	"github.com/fpang/catalog-autotag/internal/jobs"
	"github.com/fpang/catalog-autotag/internal/metrics"
	"github.com/fpang/catalog-autotag/internal/progress"
	"github.com/fpang/catalog-autotag/internal/store"
)

// Options configures the HTTP server.
type Options struct {
	// OriginSecret, when set, must match the x-origin-verify header of every
	// request except the health check.
	OriginSecret string
	// SSL enables HTTPS redirects and HSTS.
	SSL bool
	// Metrics receives one EMF document per request.
	Metrics *metrics.Emitter
	// Version is reported by the health endpoint.
	Version string
	// Synchronous makes POST /api/batches wait for the run to finish and
	// return its result. Lambda needs this: background work is frozen once
	// the response is sent.
	Synchronous bool
}

// Server routes HTTP requests to a Manager.
type Server struct {
	manager *Manager
	opts    Options
	router  *gin.Engine
}

// NewServer builds the router.
//
// Endpoints:
//
//	GET  /api/health                health check (no origin check)
//	POST /api/batches               start a run
//	GET  /api/batches/:id           live run state
//	GET  /api/batches/:id/events    server-sent progress events
//	POST /api/batches/:id/cancel    request cancellation
//	GET  /api/runs                  run history
//	GET  /api/runs/:id              one run with its item records
//	GET  /api/runs/:id/report       final report
func NewServer(m *Manager, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	secureConfig := secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
	if opts.SSL {
		secureConfig.SSLRedirect = true
		secureConfig.STSSeconds = 31536000
		secureConfig.STSIncludeSubdomains = true
	}
	router.Use(secure.New(secureConfig))

	s := &Server{manager: m, opts: opts, router: router}
	router.Use(s.withMetrics())

	router.GET("/api/health", s.health)

	api := router.Group("/api", s.withOriginVerify())
	api.POST("/batches", s.startBatch)
	api.GET("/batches/:id", s.getBatch)
	api.GET("/batches/:id/events", s.batchEvents)
	api.POST("/batches/:id/cancel", s.cancelBatch)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/report", s.getReport)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// withOriginVerify rejects requests lacking the shared origin secret.
func (s *Server) withOriginVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.OriginSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("x-origin-verify") != s.opts.OriginSecret {
			log.Warn().Str("path", c.Request.URL.Path).Msg("Blocked request: missing or invalid x-origin-verify header")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// withMetrics emits RequestLatency and RequestCount per route pattern.
func (s *Server) withMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.opts.Metrics.Record().
			Dimension("Endpoint", endpoint).
			Duration("RequestLatency", time.Since(start)).
			Count("RequestCount").
			Property("method", c.Request.Method).
			Property("statusCode", c.Writer.Status()).
			Property("path", c.Request.URL.Path).
			Flush()
	}
}

// runID validates the :id parameter and writes a 400 when it is malformed.
func runID(c *gin.Context) (string, bool) {
	id, ok := jobs.NormalizeRunID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return "", false
	}
	return id, true
}

// statusFor maps run start errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrNoItems):
		return http.StatusUnprocessableEntity
	case errors.Is(err, batch.ErrPrecondition):
		return http.StatusServiceUnavailable
	}
	if fe := failure.As(err); fe != nil {
		switch fe.Source {
		case failure.Validation:
			return http.StatusBadRequest
		case failure.Catalog, failure.Network, failure.RemoteService:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.opts.Version,
		"activeRuns": s.manager.Active(),
	})
}

func (s *Server) startBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Concurrency < 0 || req.Concurrency > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "concurrency must be 0 (default) or between 1 and 64"})
		return
	}

	d, err := s.manager.Start(c.Request.Context(), req)
	if err != nil {
		log.Warn().Err(err).Str("mode", req.Mode).Str("type", req.Type).Msg("Batch not started")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if s.opts.Synchronous {
		res, err := s.manager.Wait(c.Request.Context(), d.RunID())
		if err != nil {
			// The client is gone or the deadline passed; stop taking new items.
			d.Cancel()
			c.JSON(http.StatusGatewayTimeout, gin.H{"runId": d.RunID(), "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}
	state := d.Snapshot()
	c.JSON(http.StatusAccepted, gin.H{
		"runId":  d.RunID(),
		"total":  state.Total,
		"dryRun": state.DryRun,
	})
}

func (s *Server) getBatch(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	d, ok := s.manager.Get(id)
	if !ok {
		s.storedRun(c, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runId":    id,
		"progress": d.Progress().Snapshot(),
		"state":    d.Snapshot(),
	})
}

// storedRun answers a status request for a run no longer held in memory.
func (s *Server) storedRun(c *gin.Context, id string) {
	st := s.manager.Store()
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	run, err := st.GetRun(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("runId", id).Msg("Failed to read run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": id, "run": run})
}

// batchEvents streams progress events as server-sent events until the run
// is done or the client goes away.
func (s *Server) batchEvents(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	d, ok := s.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not active"})
		return
	}
	agg := d.Progress()
	if agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not active"})
		return
	}
	sub := agg.Subscribe()
	defer agg.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return e.Type != progress.EventDone
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) cancelBatch(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	d, ok := s.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not active"})
		return
	}
	if d.Snapshot().Done() {
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
		return
	}
	s.manager.Cancel(id)
	log.Info().Str("runId", id).Msg("Cancellation requested over HTTP")
	c.JSON(http.StatusAccepted, gin.H{"runId": id, "cancelled": true})
}

func (s *Server) listRuns(c *gin.Context) {
	st := s.manager.Store()
	if st == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []*store.Run{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := st.ListRuns(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	st := s.manager.Store()
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history disabled"})
		return
	}
	run, err := st.GetRun(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("runId", id).Msg("Failed to read run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	items, err := st.ListItems(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("runId", id).Msg("Failed to read item records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read item records"})
		return
	}
	if items == nil {
		items = []*store.ItemRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "items": items})
}

func (s *Server) getReport(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	if rep, ok := s.manager.Report(id); ok {
		c.JSON(http.StatusOK, rep)
		return
	}
	exp := s.manager.Reports()
	if exp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	rep, err := exp.Fetch(c.Request.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("runId", id).Msg("Report fetch failed")
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	c.JSON(http.StatusOK, rep)
}
