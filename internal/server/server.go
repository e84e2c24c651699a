package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"book-rag/internal/helper"
	"book-rag/internal/rag"
)

const (
	appName    = "book-rag"
	appVersion = "1.0.0"

	requestIDHeader = "X-Request-ID"
)

// Engine is the query surface served over HTTP.
type Engine interface {
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
	GenerateQuiz(ctx context.Context, req rag.QuizRequest) (*rag.QuizResponse, error)
	ListBooks(ctx context.Context) []string
}

type Server struct {
	engine  Engine
	metrics http.Handler
	router  *gin.Engine
}

// New builds the router. metricsHandler may be nil to disable /metrics.
func New(engine Engine, metricsHandler http.Handler) *Server {
	s := &Server{engine: engine, metrics: metricsHandler}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger())

	r.GET("/", s.index)
	r.GET("/api/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	api.POST("/query", s.query)
	api.POST("/quiz", s.quiz)
	api.GET("/books", s.books)

	r.POST("/pdf", s.legacyQuery)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Welcome to the " + appName + " API",
		"version": appVersion,
		"status":  "running",
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) query(c *gin.Context) {
	var req rag.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := s.engine.Query(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) quiz(c *gin.Context) {
	var req rag.QuizRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	resp, err := s.engine.GenerateQuiz(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) books(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"available_books": s.engine.ListBooks(c.Request.Context())})
}

type legacyRequest struct {
	Query string `json:"query" binding:"required"`
	Book  string `json:"book"`
}

// legacyQuery keeps the request and response shape of the first release.
func (s *Server) legacyQuery(c *gin.Context) {
	var req legacyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := s.engine.Query(c.Request.Context(), rag.QueryRequest{Question: req.Query, Book: req.Book})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "PDF request processed successfully",
		"result":  resp,
	})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", c.GetString(requestIDHeader)).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": err.Error()})
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch rag.KindOf(err) {
	case rag.KindInvalidRequest:
		return http.StatusBadRequest
	case rag.KindNoRelevantContext:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RequestID tags each request with an id, reusing the caller's when given.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			var err error
			if id, err = helper.GenerateUUID(); err != nil {
				log.Warn().Err(err).Msg("Failed to generate request id")
			}
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("request_id", c.GetString(requestIDHeader)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("error", c.Errors.ByType(gin.ErrorTypePrivate).String()).
			Msg("Request completed")
	}
}
