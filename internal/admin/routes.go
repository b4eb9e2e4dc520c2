package admin

import (
	"github.com/labstack/echo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Browser-facing views of the camera
	s.echo.GET("/stream.mjpg", s.preview.StreamToEcho)
	s.echo.GET("/ws/video", s.handlePush(s.video))
	s.echo.GET("/ws/motion", s.handlePush(s.motion))
}
