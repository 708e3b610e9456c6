package server

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sandwichfarm/livefeed/internal/docstore"
	"github.com/sandwichfarm/livefeed/internal/features"
)

type textBody struct {
	Text string `json:"text"`
}

type threadBody struct {
	With string `json:"with"`
}

type messageBody struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type urgencyBody struct {
	Minutes int `json:"minutes"`
}

// actor returns the viewer performing a write
func (s *Server) actor(c echo.Context) (string, bool) {
	viewer := viewerOf(c)
	return viewer, viewer != ""
}

func (s *Server) writeError(c echo.Context, err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return s.notFound(c, err.Error())
	}
	if errors.Is(err, features.ErrNotMember) {
		return s.forbidden(c, err.Error())
	}
	return s.badRequest(c, err.Error())
}

func (s *Server) handlePostRequest(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	var body textBody
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid body")
	}

	doc, err := s.writer.PostRequest(c.Request().Context(), viewer, body.Text)
	if err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"id": doc.ID})
}

func (s *Server) handleCloseRequest(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	if err := s.writer.CloseRequest(c.Request().Context(), viewer, c.Param("id")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleEncourage(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	var body textBody
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid body")
	}

	doc, err := s.writer.Encourage(c.Request().Context(), viewer, c.Param("id"), body.Text)
	if err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"id": doc.ID})
}

func (s *Server) handleApprove(c echo.Context) error {
	if err := s.writer.ApproveEncouragement(c.Request().Context(), c.Param("id"), c.Param("eid")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleLike(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	if err := s.writer.Like(c.Request().Context(), viewer, c.Param("id")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleUnlike(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	if err := s.writer.Unlike(c.Request().Context(), viewer, c.Param("id")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleComment(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	var body textBody
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid body")
	}

	doc, err := s.writer.Comment(c.Request().Context(), viewer, c.Param("id"), body.Text)
	if err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"id": doc.ID})
}

func (s *Server) handleLikeComment(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	if err := s.writer.LikeComment(c.Request().Context(), viewer, c.Param("id"), c.Param("cid")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleBlock(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	if err := s.writer.Block(c.Request().Context(), viewer, c.Param("user")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleUnblock(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	if err := s.writer.Unblock(c.Request().Context(), viewer, c.Param("user")); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"status": "ok"})
}

func (s *Server) handleStartThread(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	var body threadBody
	if err := c.Bind(&body); err != nil || body.With == "" {
		return s.badRequest(c, "invalid body")
	}

	doc, err := s.writer.StartThread(c.Request().Context(), viewer, body.With)
	if err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"id": doc.ID})
}

func (s *Server) handleSendMessage(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	var body messageBody
	if err := c.Bind(&body); err != nil || body.To == "" {
		return s.badRequest(c, "invalid body")
	}

	doc, err := s.writer.SendMessage(c.Request().Context(), viewer, c.Param("id"), body.To, body.Text)
	if err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"id": doc.ID})
}

func (s *Server) handleMarkRead(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	n, err := s.writer.MarkRead(c.Request().Context(), viewer, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"updated": n})
}

func (s *Server) handleSetUrgency(c echo.Context) error {
	viewer, ok := s.actor(c)
	if !ok {
		return s.badRequest(c, "missing viewer")
	}
	var body urgencyBody
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid body")
	}

	if err := s.writer.SetUrgency(c.Request().Context(), viewer, time.Duration(body.Minutes)*time.Minute); err != nil {
		return s.writeError(c, err)
	}
	return s.ok(c, echo.Map{"minutes": body.Minutes})
}
