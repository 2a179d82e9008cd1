package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"
)

type Server struct {
	svc    service.LedgerService
	srv    *grpc.Server
	addr   string
	logger *slog.Logger
}

func NewServer(addr string, svc service.LedgerService, logger *slog.Logger) *Server {
	s := &Server{svc: svc, addr: addr, logger: logger}
	s.srv = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logErrors))
	s.srv.RegisterService(&ledgerServiceDesc, s)
	s.srv.RegisterService(&eventServiceDesc, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*model.Balance, error) {
	bal, err := s.svc.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return bal, nil
}

func (s *Server) CheckBalance(ctx context.Context, req *model.CheckRequest) (*CheckResponse, error) {
	ok, err := s.svc.CheckBalance(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CheckResponse{Allowed: ok}, nil
}

func (s *Server) Deduct(ctx context.Context, req *model.DeductRequest) (*model.LedgerEntry, error) {
	entry, err := s.svc.DeductTokens(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return entry, nil
}

func (s *Server) Credit(ctx context.Context, req *model.CreditRequest) (*model.LedgerEntry, error) {
	entry, err := s.svc.AddTokens(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return entry, nil
}

func (s *Server) Refund(ctx context.Context, req *model.RefundRequest) (*model.LedgerEntry, error) {
	entry, err := s.svc.RefundTokens(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return entry, nil
}

func (s *Server) CalculateCost(ctx context.Context, req *CostRequest) (*CostResponse, error) {
	tokens, err := s.svc.CalculateCostByKind(req.Operation, req.Params)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CostResponse{Operation: req.Operation, Tokens: tokens}, nil
}

func (s *Server) GetDailyLimitInfo(ctx context.Context, req *BalanceRequest) (*model.DailyLimitInfo, error) {
	info, err := s.svc.GetDailyLimitInfo(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *Server) ListTransactions(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	entries, err := s.svc.ListTransactions(ctx, req.UserID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Transactions: entries}, nil
}

// Publish receives events from a remote GrpcBus. Entry events are archived;
// other topics are acknowledged and dropped.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if req.Topic != repository.TopicEntryCreated {
		s.logger.Warn("grpc: ignoring event on unknown topic", "topic", req.Topic)
		return &EventResponse{Success: true}, nil
	}
	var event model.EntryEvent
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode entry event: %v", err)
	}
	if err := s.svc.SyncEntry(ctx, event); err != nil {
		s.logger.Error("grpc: failed to sync entry",
			"user_id", event.Entry.UserID,
			"entry_id", event.Entry.ID,
			"error", err,
		)
		return nil, toStatus(err)
	}
	return &EventResponse{Success: true}, nil
}

func (s *Server) logErrors(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		if st, _ := status.FromError(err); st.Code() == codes.Internal || st.Code() == codes.Unavailable {
			s.logger.Error("grpc call failed", "method", info.FullMethod, "error", err)
		}
	}
	return resp, err
}

// toStatus maps ledger errors onto gRPC codes; the stable error code is
// carried as the message prefix.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, model.ErrDailyLimitExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, model.ErrInsufficientBalance):
		code = codes.FailedPrecondition
	case errors.Is(err, model.ErrUnknownOperation),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidUser),
		errors.Is(err, model.ErrInvalidReason),
		errors.Is(err, model.ErrUnknownPlan),
		errors.Is(err, model.ErrNotRefundable):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrAlreadyRefunded):
		code = codes.AlreadyExists
	case errors.Is(err, model.ErrStorage):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", model.ErrorCode(err), err)
}
