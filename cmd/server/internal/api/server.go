// Package api exposes the verification pipeline over HTTP. Handlers stay
// thin: parse the request into domain inputs, call the engine, map coded
// errors to statuses and record the outcome.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voiceid/voiceid/cmd/server/internal/audit"
	"github.com/voiceid/voiceid/cmd/server/internal/config"
	"github.com/voiceid/voiceid/cmd/server/internal/metrics"
	"github.com/voiceid/voiceid/cmd/server/internal/middleware"
	"github.com/voiceid/voiceid/cmd/server/internal/model"
	"github.com/voiceid/voiceid/cmd/server/internal/stats"
	"github.com/voiceid/voiceid/cmd/server/internal/svcerr"
	"github.com/voiceid/voiceid/cmd/server/internal/verify"
)

// Server bundles the dependencies shared by all handlers.
type Server struct {
	cfg     *config.Config
	runtime *config.Runtime
	engine  *verify.Engine
	coord   *model.Coordinator
	stats   *stats.Collector
	audit   *audit.Logger
}

// NewServer creates the handler set. audit may be nil to disable the
// request audit trail.
func NewServer(cfg *config.Config, runtime *config.Runtime, engine *verify.Engine, coord *model.Coordinator, st *stats.Collector, au *audit.Logger) *Server {
	return &Server{
		cfg:     cfg,
		runtime: runtime,
		engine:  engine,
		coord:   coord,
		stats:   st,
		audit:   au,
	}
}

// Router builds the gin engine with middleware and all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.BearerAuth(s.cfg.Server.AuthSecret))

	r.GET("/health", s.handleHealth)
	r.POST("/verify", s.handleVerify)
	r.POST("/verify_batch", s.handleVerifyBatch)
	r.POST("/extract_embedding", s.handleExtractEmbedding)
	r.POST("/compare_embeddings", s.handleCompareEmbeddings)
	r.GET("/config", s.handleConfigGet)
	r.POST("/config", s.handleConfigPost)
	r.GET("/stats", s.handleStats)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// observe records one finished work request in the stats counters, the
// Prometheus metrics and the audit trail.
func (s *Server) observe(c *gin.Context, endpoint string, start time.Time, status int, success bool, errMsg string) {
	duration := time.Since(start)
	s.stats.Record(success, duration)
	metrics.RecordRequest(endpoint, success, duration.Seconds())

	if s.audit != nil {
		s.audit.Log(audit.Record{
			Endpoint:   endpoint,
			Method:     c.Request.Method,
			Status:     status,
			DurationMs: duration.Milliseconds(),
			Success:    success,
			Error:      errMsg,
			ClientID:   middleware.ClientID(c),
			ClientIP:   c.ClientIP(),
			RequestID:  middleware.RequestID(c),
		})
	}
}

// respondErr writes the error envelope and records the failed request.
func (s *Server) respondErr(c *gin.Context, endpoint string, start time.Time, err error) {
	status := svcerr.HTTPStatus(err)
	c.JSON(status, gin.H{
		"success":   false,
		"error":     err.Error(),
		"code":      string(svcerr.CodeOf(err)),
		"retryable": svcerr.Retryable(err),
	})
	s.observe(c, endpoint, start, status, false, err.Error())
}
