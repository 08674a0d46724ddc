package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/handler"
	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	ginEngine *gin.Engine
	app       *App
	logger    *slog.Logger
	host      string
	port      int
}

func NewServer(app *App) *Server {
	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS middleware: allow common localhost origins only.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// If there's no Origin header, it's not a browser CORS request.
		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			} else {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		app:       app,
		logger:    utils.GetLogger(),
		host:      app.cfg.Host(),
		port:      app.cfg.Port(),
	}
	server.SetupRoutes()
	return server
}

func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	// Attempt to listen on port first; if occupied return error immediately
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	// Listen for context cancellation for graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Non-blocking: if startup fails immediately return error; otherwise return nil to let main continue
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	default:
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) SetupRoutes() {
	app := s.app

	s.ginEngine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok"})
	})
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry})))

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	apiGroup.GET("/runtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok", Data: models.RuntimeInfo{
			HTTPBaseURL: fmt.Sprintf("http://%s:%d", s.host, s.port),
			WSBaseURL:   fmt.Sprintf("ws://%s:%d", s.host, s.port),
			Port:        s.port,
		}})
	})

	// Event notifications over WebSocket
	// /api/events/ws
	ws := event.NewWSHandler(app.emitter, s.logger)
	apiGroup.GET("/events/ws", ws.Handle)

	handler.NewConversationHandler(app.conversations).RegisterRoutes(apiGroup)
	handler.NewSummaryHandler(app.summaries).RegisterRoutes(apiGroup)
	handler.NewTaskHandler(app.queue, app.scheduler, app.pool).RegisterRoutes(apiGroup)
	handler.NewSettingsHandler(app.providers, app.settings).RegisterRoutes(apiGroup)
	handler.NewLogbookHandler(app.digest, app.recorder).RegisterRoutes(apiGroup)
}
