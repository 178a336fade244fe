// Package httpapi exposes the session and dispatch operations over HTTP.
// The surface is deliberately thin: handlers translate between the wire
// envelope and the internal services, nothing more.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"wabridge/internal/dispatch"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	"wabridge/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr        string
	UploadDir   string
	MaxUploadMB int
}

type Server struct {
	log       logx.Logger
	sessions  *session.Registry
	dispatch  *dispatch.Service
	store     storage.Store
	uploadDir string

	httpSrv *http.Server
	started time.Time
}

func New(cfg Config, sessions *session.Registry, disp *dispatch.Service, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "./uploads"
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 32
	}

	s := &Server{
		log:       log,
		sessions:  sessions,
		dispatch:  disp,
		store:     store,
		uploadDir: cfg.UploadDir,
		started:   time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.accessLog())
	r.MaxMultipartMemory = int64(cfg.MaxUploadMB) << 20
	s.register(r)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler (tests drive it via httptest).
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Run() error {
	s.log.Info("http api listening", logx.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) register(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)

	r.POST("/start-session", s.handleStartSession)
	r.GET("/session-status/:userId", s.handleSessionStatus)
	r.GET("/get-qr/:userId", s.handleGetQR)
	r.POST("/close-session", s.handleCloseSession)

	r.POST("/send-messages", s.handleSendMessages)

	r.GET("/groups/:userId", s.handleGroups)
	r.GET("/groups/:userId/:groupId/participants", s.handleGroupParticipants)
	r.GET("/labels/:userId", s.handleLabels)
	r.GET("/labels/:userId/:labelId/chats", s.handleLabelChats)
	r.GET("/reports/:userId", s.handleReports)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

// fail writes the shared error envelope.
func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "message": msg})
}
