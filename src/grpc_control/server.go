package grpc_control

import (
	"errors"
	"fmt"
	"net"

	"instrument-gateway/src/logger"

	"google.golang.org/grpc"
)

// Server owns the grpc.Server hosting the control service.
type Server struct {
	srv    *grpc.Server
	log    *logger.Logger
	listen string
}

func NewServer(host string, port int, svc ControlServer, log *logger.Logger) *Server {
	g := grpc.NewServer()
	RegisterControlServer(g, svc)
	return &Server{
		srv:    g,
		log:    log,
		listen: fmt.Sprintf("%s:%d", host, port),
	}
}

// Start blocks until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.log.Info("gRPC control server listening on %s", s.listen)
	return s.Serve(lis)
}

// Serve runs on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.srv.GracefulStop()
}
