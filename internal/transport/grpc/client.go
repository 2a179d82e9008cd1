package grpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"tokenledger/internal/model"
)

// Client calls a remote tokenledger.Ledger service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	var out model.Balance
	if err := c.invoke(ctx, "GetBalance", &BalanceRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckBalance(ctx context.Context, userID string, amount int64) (bool, error) {
	var out CheckResponse
	err := c.invoke(ctx, "CheckBalance", &model.CheckRequest{UserID: userID, Amount: amount}, &out)
	return out.Allowed, err
}

func (c *Client) Deduct(ctx context.Context, req model.DeductRequest) (*model.LedgerEntry, error) {
	var out model.LedgerEntry
	if err := c.invoke(ctx, "Deduct", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Credit(ctx context.Context, req model.CreditRequest) (*model.LedgerEntry, error) {
	var out model.LedgerEntry
	if err := c.invoke(ctx, "Credit", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Refund(ctx context.Context, req model.RefundRequest) (*model.LedgerEntry, error) {
	var out model.LedgerEntry
	if err := c.invoke(ctx, "Refund", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CalculateCost(ctx context.Context, kind string, params map[string]any) (int64, error) {
	var out CostResponse
	err := c.invoke(ctx, "CalculateCost", &CostRequest{Operation: kind, Params: params}, &out)
	return out.Tokens, err
}

func (c *Client) GetDailyLimitInfo(ctx context.Context, userID string) (*model.DailyLimitInfo, error) {
	var out model.DailyLimitInfo
	if err := c.invoke(ctx, "GetDailyLimitInfo", &BalanceRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTransactions(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	var out HistoryResponse
	if err := c.invoke(ctx, "ListTransactions", &HistoryRequest{UserID: userID, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, fullMethod(ledgerServiceName, method), req, resp, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

// statusError is a remote failure that unwraps to the model error the server
// reported, so errors.Is and model.ErrorCode work the same as in process.
type statusError struct {
	st    *status.Status
	cause error
}

func (e *statusError) Error() string              { return e.st.Message() }
func (e *statusError) Unwrap() error              { return e.cause }
func (e *statusError) GRPCStatus() *status.Status { return e.st }

// codeErrors inverts model.ErrorCode. The server prefixes every status
// message with that code.
var codeErrors = map[string]error{
	"DAILY_LIMIT_EXCEEDED": model.ErrDailyLimitExceeded,
	"INSUFFICIENT_TOKENS":  model.ErrInsufficientBalance,
	"UNKNOWN_OPERATION":    model.ErrUnknownOperation,
	"NOT_FOUND":            model.ErrNotFound,
	"ALREADY_REFUNDED":     model.ErrAlreadyRefunded,
	"STORAGE_UNAVAILABLE":  model.ErrStorage,
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code, _, _ := strings.Cut(st.Message(), ":")
	if cause, ok := codeErrors[code]; ok {
		return &statusError{st: st, cause: cause}
	}
	// The server never answered; treat it like any other storage outage.
	if st.Code() == codes.Unavailable {
		return &statusError{st: st, cause: model.ErrStorage}
	}
	return err
}
