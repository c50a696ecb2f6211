// Package server is the HTTP face of the judge server: judge logins, file
// links for remote workers, the worker websocket and the record API.
package server

import (
	"fmt"
	"net/http"
	"time"

	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/queue"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const judgeUserKey = "judge_uname"

// Config holds the HTTP facing settings of the judge server.
type Config struct {
	Auth    AuthConfig    `yaml:"auth"`
	Hub     HubConfig     `yaml:"hub"`
	Bucket  string        `yaml:"bucket"`
	LinkTTL time.Duration `yaml:"linkTTL"`
	// SecureCookie marks the session cookie https only.
	SecureCookie bool `yaml:"secureCookie"`
}

// Deps are the components the handlers call into.
type Deps struct {
	Storage   storage.ObjectStorage
	Problems  service.ProblemSource
	Records   *service.RecordService
	Status    *repository.StatusRepository
	Store     repository.RecordStore
	Queue     queue.Queue
	Router    EventRouter
	Languages model.LanguageMap
}

// Server wires the handlers into a gin engine.
type Server struct {
	cfg     Config
	auth    *Authenticator
	hub     *Hub
	files   *FileController
	records *RecordController
	engine  *gin.Engine
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Storage == nil || deps.Problems == nil || deps.Records == nil || deps.Store == nil || deps.Queue == nil || deps.Router == nil {
		return nil, fmt.Errorf("server dependencies are incomplete")
	}
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		auth:    auth,
		hub:     NewHub(cfg.Hub, deps.Queue, deps.Store, deps.Router, deps.Languages),
		files:   NewFileController(deps.Storage, deps.Problems, cfg.Bucket, cfg.LinkTTL),
		records: NewRecordController(deps.Records, deps.Status),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContext())
	router.Use(middleware.RequestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/login", s.login)
	router.GET("/judge/files", s.probe)

	judge := router.Group("/", s.requireJudge())
	judge.POST("/d/:domainId/judge/files", s.files.ProblemFiles)
	judge.POST("/judge/code", s.files.SubmissionFile)
	judge.GET("/judge/conn", s.conn)
	judge.GET("/judge/workers", func(c *gin.Context) { response.Success(c, s.hub.Workers()) })

	router.GET("/records/:id", s.records.GetRecord)
	judge.POST("/records", s.records.CreateRecord)
	judge.POST("/records/:id/rejudge", s.records.Rejudge)
	judge.POST("/records/:id/cancel", s.records.Cancel)
	return router
}

// token reads the session from the bearer header or the session cookie.
func token(c *gin.Context) string {
	if raw := extractBearerToken(c.GetHeader("Authorization")); raw != "" {
		return raw
	}
	if cookie, err := c.Cookie(model.SessionCookie); err == nil {
		return cookie
	}
	return ""
}

func (s *Server) requireJudge() gin.HandlerFunc {
	return func(c *gin.Context) {
		uname, err := s.auth.Authenticate(token(c))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(judgeUserKey, uname)
		c.Next()
	}
}

func (s *Server) login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	signed, err := s.auth.Login(c.Request.Context(), req.Uname, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}
	maxAge := 0
	if req.RememberMe == "on" {
		maxAge = int(s.auth.ttl / time.Second)
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(model.SessionCookie, signed, maxAge, "/", "", s.cfg.SecureCookie, true)
	response.Success(c, gin.H{"uname": req.Uname})
}

// probe tells a worker whether its session is still valid. Unauthenticated
// callers are pointed at the login page.
func (s *Server) probe(c *gin.Context) {
	if _, err := s.auth.Authenticate(token(c)); err != nil {
		c.JSON(http.StatusOK, gin.H{"url": "/login"})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) conn(c *gin.Context) {
	uname := c.GetString(judgeUserKey)
	if err := s.hub.Serve(c.Writer, c.Request, uname); err != nil {
		if appErr.Is(err, appErr.ValidationFailed) {
			response.Error(c, err)
			return
		}
		_ = c.Error(err)
	}
}
