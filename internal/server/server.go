// Package server exposes live feeds over HTTP and WebSocket, plus the write actions that
// feed them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sandwichfarm/livefeed/internal/config"
	"github.com/sandwichfarm/livefeed/internal/features"
	"github.com/sandwichfarm/livefeed/internal/feed"
	"github.com/sandwichfarm/livefeed/internal/ops"
)

// ViewerHeader carries the caller's user id. There is no authentication; the id is taken as given.
const ViewerHeader = "X-Viewer"

// Server is the HTTP surface
type Server struct {
	config   *config.Server
	registry *Registry
	writer   *features.Writer
	relay    http.Handler
	logger   *ops.Logger

	echo *echo.Echo

	// initialWait bounds how long a GET waits for the first page
	initialWait time.Duration
}

// New creates a server. relay may be nil when the store is not a local relay.
func New(cfg *config.Server, registry *Registry, writer *features.Writer, relay http.Handler, logger *ops.Logger) *Server {
	if logger == nil {
		logger = ops.Default()
	}
	s := &Server{
		config:      cfg,
		registry:    registry,
		writer:      writer,
		relay:       relay,
		logger:      logger.WithComponent("server"),
		initialWait: 5 * time.Second,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.logger.LogPanic(err, string(stack))
			return err
		},
	}))
	e.Use(s.requestLogger)
	s.RegisterRoutes(e)
	s.echo = e

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// RegisterRoutes mounts every route on e
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)

	e.GET("/feeds/:feature", s.handleFeed)
	e.POST("/feeds/:feature/more", s.handleMore)
	e.POST("/feeds/:feature/refresh", s.handleRefresh)
	e.GET("/feeds/:feature/ws", s.handleStream)
	e.GET("/feeds/:feature/diagnostics", s.handleDiagnostics)

	e.POST("/requests", s.handlePostRequest)
	e.POST("/requests/:id/close", s.handleCloseRequest)
	e.POST("/requests/:id/encouragements", s.handleEncourage)
	e.POST("/requests/:id/encouragements/:eid/approve", s.handleApprove)
	e.PUT("/posts/:id/like", s.handleLike)
	e.DELETE("/posts/:id/like", s.handleUnlike)
	e.POST("/posts/:id/comments", s.handleComment)
	e.PUT("/posts/:id/comments/:cid/like", s.handleLikeComment)
	e.PUT("/blocks/:user", s.handleBlock)
	e.DELETE("/blocks/:user", s.handleUnblock)
	e.POST("/threads", s.handleStartThread)
	e.POST("/threads/:id/messages", s.handleSendMessage)
	e.POST("/threads/:id/read", s.handleMarkRead)
	e.PUT("/settings/urgency", s.handleSetUrgency)

	if s.relay != nil && s.config.MountRelay {
		e.Any("/relay", echo.WrapHandler(s.relay))
	}
}

// Start listens in the background
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info("http server listening", "addr", addr)

	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.LogRequest(c.Request().Method, c.Path(), c.Response().Status, time.Since(start))
		return nil
	}
}

func viewerOf(c echo.Context) string {
	if v := c.Request().Header.Get(ViewerHeader); v != "" {
		return v
	}
	return c.QueryParam("viewer")
}

// feedKey resolves the feed instance addressed by the request
func (s *Server) feedKey(c echo.Context) (Key, error) {
	key := Key{
		Feature: c.Param("feature"),
		Viewer:  viewerOf(c),
		Arg:     c.QueryParam("arg"),
	}
	if key.Viewer == "" {
		return key, fmt.Errorf("missing viewer: set the %s header or the viewer parameter", ViewerHeader)
	}
	if _, err := features.Definition(key.Feature, features.Params{Viewer: key.Viewer, Arg: key.Arg}); err != nil {
		return key, err
	}
	return key, nil
}

func (s *Server) engineFor(c echo.Context) (Key, *feed.Engine, error) {
	key, err := s.feedKey(c)
	if err != nil {
		return key, nil, s.badRequest(c, err.Error())
	}
	engine, err := s.registry.Acquire(key)
	if err != nil {
		return key, nil, s.internalError(c, err)
	}
	return key, engine, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return s.ok(c, echo.Map{
		"status":   "ok",
		"engines":  s.registry.Len(),
		"sessions": s.registry.Sessions(),
	})
}

func (s *Server) handleFeed(c echo.Context) error {
	key, engine, err := s.engineFor(c)
	if engine == nil {
		return err
	}

	view := s.awaitLoaded(c.Request().Context(), engine)
	return s.ok(c, feed.NewPayload(key.Feature, key.Viewer, key.Arg, view))
}

// awaitLoaded waits for the initial page, bounded by initialWait
func (s *Server) awaitLoaded(ctx context.Context, engine *feed.Engine) feed.View {
	updates, cancel := engine.Updates()
	defer cancel()

	timer := time.NewTimer(s.initialWait)
	defer timer.Stop()

	view := engine.Current()
	for {
		select {
		case v, ok := <-updates:
			if !ok {
				return view
			}
			view = v
			if v.State != feed.LoadingInitial && v.State != feed.Idle {
				return v
			}
		case <-timer.C:
			return view
		case <-ctx.Done():
			return view
		}
	}
}

func (s *Server) handleMore(c echo.Context) error {
	key, engine, err := s.engineFor(c)
	if engine == nil {
		return err
	}
	engine.LoadMore()
	return s.accepted(c, feed.NewPayload(key.Feature, key.Viewer, key.Arg, engine.Current()))
}

func (s *Server) handleRefresh(c echo.Context) error {
	key, engine, err := s.engineFor(c)
	if engine == nil {
		return err
	}
	engine.Refresh()
	return s.accepted(c, feed.NewPayload(key.Feature, key.Viewer, key.Arg, engine.Current()))
}

func (s *Server) handleDiagnostics(c echo.Context) error {
	_, engine, err := s.engineFor(c)
	if engine == nil {
		return err
	}
	d, err := engine.Diagnostics()
	if err != nil {
		return s.internalError(c, err)
	}
	return s.ok(c, d)
}
