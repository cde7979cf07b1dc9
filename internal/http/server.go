package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

type Server struct {
	log *logger.Logger
	srv *http.Server
}

func NewServer(log *logger.Logger, addr string, engine *gin.Engine) *Server {
	return &Server{
		log: log.With("component", "HTTPServer"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks until the listener stops. A graceful Shutdown is reported as
// a clean exit, not an error.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("HTTP server shutting down")
	return s.srv.Shutdown(ctx)
}
