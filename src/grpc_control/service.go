package grpc_control

import (
	"context"
	"errors"
	"strings"
	"time"

	"instrument-gateway/src/arbiter"
	"instrument-gateway/src/broadcast"
	"instrument-gateway/src/config"
	"instrument-gateway/src/helpers"
	"instrument-gateway/src/instrument"
	"instrument-gateway/src/logger"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ControlService implements the ControlServer interface
type ControlService struct {
	Config      *config.Config
	Arbiter     *arbiter.Arbiter
	Instrument  *instrument.Manager
	Broadcaster *broadcast.Broadcaster
	Logger      *logger.Logger
}

// NewControlService creates a new instance of ControlService
func NewControlService(
	cfg *config.Config,
	arb *arbiter.Arbiter,
	mgr *instrument.Manager,
	bc *broadcast.Broadcaster,
	log *logger.Logger,
) *ControlService {
	return &ControlService{
		Config:      cfg,
		Arbiter:     arb,
		Instrument:  mgr,
		Broadcaster: bc,
		Logger:      log,
	}
}

// -----------------------------------------------------------------------------

// GetStatus never touches the instrument.
func (s *ControlService) GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	return reply(&StatusResponse{
		Connection:    s.Instrument.Status(),
		Arbiter:       s.Arbiter.Stats(),
		ActiveStreams: s.Broadcaster.Count(),
		PowerStreams:  s.Broadcaster.CountKind(broadcast.KindPower),
		HealthStreams: s.Broadcaster.CountKind(broadcast.KindHealth),
	})
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListSubscribers(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	return reply(&ListSubscribersResponse{Subscribers: s.Broadcaster.Snapshot()})
}

// -----------------------------------------------------------------------------

func (s *ControlService) DisconnectSubscriber(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if !s.Broadcaster.Disconnect(id) {
		return nil, status.Errorf(codes.NotFound, "subscriber %s not found", id)
	}

	s.Logger.Info("gRPC: subscriber %s disconnected", id)
	return reply(&DisconnectSubscriberResponse{
		Success: true,
		Message: "disconnected " + id,
	})
}

// -----------------------------------------------------------------------------

// Exchange passes one raw command through the arbiter. The deadline is the
// earlier of the RPC deadline and timeout_ms (or the configured default).
func (s *ControlService) Exchange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ExchangeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}

	d := s.Config.ArbiterDeadline()
	if req.TimeoutMs > 0 {
		d = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	resp, err := s.Arbiter.Exchange(ctx, "grpc", command)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(&ExchangeResponse{Command: command, Response: resp})
}

// -----------------------------------------------------------------------------

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func toStatus(err error) error {
	var instErr *helpers.InstrumentError

	switch {
	case helpers.IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, helpers.ErrNotConnected),
		errors.Is(err, helpers.ErrQueueFull),
		errors.Is(err, helpers.ErrArbiterClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &instErr):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
