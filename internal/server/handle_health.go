package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(e echo.Context) error {
	ctx, cancel := context.WithTimeout(e.Request().Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "check", "database", "error", err)
		resp.Checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			s.logger.Error("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	if status != http.StatusOK {
		resp.Status = "degraded"
	}

	return e.JSON(status, resp)
}
