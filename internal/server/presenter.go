package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) ok(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) accepted(c echo.Context, payload any) error {
	return c.JSON(http.StatusAccepted, payload)
}

func (s *Server) badRequest(c echo.Context, msg string) error {
	s.logger.Debug("bad request", "path", c.Path(), "error", msg)
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) forbidden(c echo.Context, msg string) error {
	return c.JSON(http.StatusForbidden, errorResponse{Error: msg})
}

func (s *Server) notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func (s *Server) internalError(c echo.Context, err error) error {
	s.logger.Error("request failed", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}
