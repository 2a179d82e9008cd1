package grpc

import (
	"context"

	"google.golang.org/grpc"

	"tokenledger/internal/model"
)

const (
	ledgerServiceName = "tokenledger.Ledger"
	eventServiceName  = "tokenledger.EventService"
)

type BalanceRequest struct {
	UserID string `json:"user_id"`
}

type CheckResponse struct {
	Allowed bool `json:"allowed"`
}

type CostRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

type CostResponse struct {
	Operation string `json:"operation"`
	Tokens    int64  `json:"tokens"`
}

type HistoryRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

type HistoryResponse struct {
	Transactions []model.LedgerEntry `json:"transactions"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success bool `json:"success"`
}

// LedgerServer is the server side of tokenledger.Ledger.
type LedgerServer interface {
	GetBalance(ctx context.Context, req *BalanceRequest) (*model.Balance, error)
	CheckBalance(ctx context.Context, req *model.CheckRequest) (*CheckResponse, error)
	Deduct(ctx context.Context, req *model.DeductRequest) (*model.LedgerEntry, error)
	Credit(ctx context.Context, req *model.CreditRequest) (*model.LedgerEntry, error)
	Refund(ctx context.Context, req *model.RefundRequest) (*model.LedgerEntry, error)
	CalculateCost(ctx context.Context, req *CostRequest) (*CostResponse, error)
	GetDailyLimitInfo(ctx context.Context, req *BalanceRequest) (*model.DailyLimitInfo, error)
	ListTransactions(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error)
}

// EventServer is the server side of tokenledger.EventService, the sink of
// the gRPC message bus.
type EventServer interface {
	Publish(ctx context.Context, req *EventRequest) (*EventResponse, error)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ledgerServiceName, "GetBalance", func(s LedgerServer, ctx context.Context, r *BalanceRequest) (any, error) {
			return s.GetBalance(ctx, r)
		}),
		unary(ledgerServiceName, "CheckBalance", func(s LedgerServer, ctx context.Context, r *model.CheckRequest) (any, error) {
			return s.CheckBalance(ctx, r)
		}),
		unary(ledgerServiceName, "Deduct", func(s LedgerServer, ctx context.Context, r *model.DeductRequest) (any, error) {
			return s.Deduct(ctx, r)
		}),
		unary(ledgerServiceName, "Credit", func(s LedgerServer, ctx context.Context, r *model.CreditRequest) (any, error) {
			return s.Credit(ctx, r)
		}),
		unary(ledgerServiceName, "Refund", func(s LedgerServer, ctx context.Context, r *model.RefundRequest) (any, error) {
			return s.Refund(ctx, r)
		}),
		unary(ledgerServiceName, "CalculateCost", func(s LedgerServer, ctx context.Context, r *CostRequest) (any, error) {
			return s.CalculateCost(ctx, r)
		}),
		unary(ledgerServiceName, "GetDailyLimitInfo", func(s LedgerServer, ctx context.Context, r *BalanceRequest) (any, error) {
			return s.GetDailyLimitInfo(ctx, r)
		}),
		unary(ledgerServiceName, "ListTransactions", func(s LedgerServer, ctx context.Context, r *HistoryRequest) (any, error) {
			return s.ListTransactions(ctx, r)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenledger/ledger",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(eventServiceName, "Publish", func(s EventServer, ctx context.Context, r *EventRequest) (any, error) {
			return s.Publish(ctx, r)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenledger/events",
}

// unary adapts a typed handler to grpc.MethodDesc, decoding the request and
// running the server's interceptor chain.
func unary[S any, Req any](service, method string, call func(S, context.Context, *Req) (any, error)) grpc.MethodDesc {
	name := fullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(S)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: name}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(s, ctx, r.(*Req))
			})
		},
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}
