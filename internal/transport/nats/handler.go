package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tokenledger/internal/model"
	"tokenledger/internal/service"
)

// Command subjects served over request/reply.
const (
	SubjectDeduct = "ledger.commands.deduct"
	SubjectCredit = "ledger.commands.credit"
	SubjectRefund = "ledger.commands.refund"
	SubjectCheck  = "ledger.commands.check"

	queueGroup = "ledger_group"
)

// Reply is the JSON body sent back to a command's reply inbox.
type Reply struct {
	Entry     *model.LedgerEntry `json:"entry,omitempty"`
	Allowed   *bool              `json:"allowed,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
}

// Handler subscribes to NATS command subjects and delegates to the ledger service.
type Handler struct {
	svc    service.LedgerService
	nc     *nats.Conn
	logger *slog.Logger
	subs   []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, nc: nc, logger: logger}
}

// Start subscribes to command subjects and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	for _, subject := range []string{SubjectDeduct, SubjectCredit, SubjectRefund, SubjectCheck} {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, func(m *nats.Msg) {
			reply := h.handle(ctx, m.Subject, m.Data)
			if m.Reply == "" {
				return
			}
			data, err := json.Marshal(reply)
			if err != nil {
				h.logger.Error("nats: marshal reply", "subject", m.Subject, "error", err)
				return
			}
			if err := m.Respond(data); err != nil {
				h.logger.Error("nats: respond", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("nats: subscribe %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}

	h.logger.Info("nats command handler is running", "queue", queueGroup)

	<-ctx.Done()
	h.logger.Info("nats command handler shutting down, draining subscriptions")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handle(ctx context.Context, subject string, data []byte) Reply {
	var (
		entry *model.LedgerEntry
		err   error
	)
	switch subject {
	case SubjectDeduct:
		var req model.DeductRequest
		if err = decode(data, &req); err == nil {
			entry, err = h.svc.DeductTokens(ctx, req)
		}
	case SubjectCredit:
		var req model.CreditRequest
		if err = decode(data, &req); err == nil {
			entry, err = h.svc.AddTokens(ctx, req)
		}
	case SubjectRefund:
		var req model.RefundRequest
		if err = decode(data, &req); err == nil {
			entry, err = h.svc.RefundTokens(ctx, req)
		}
	case SubjectCheck:
		var req model.CheckRequest
		if err = decode(data, &req); err != nil {
			break
		}
		var ok bool
		if ok, err = h.svc.CheckBalance(ctx, req.UserID, req.Amount); err == nil {
			return Reply{Allowed: &ok}
		}
	default:
		err = fmt.Errorf("unknown subject %q", subject)
	}

	if err != nil {
		h.logger.Warn("nats: command failed", "subject", subject, "error", err)
		return Reply{Error: err.Error(), ErrorCode: model.ErrorCode(err)}
	}
	return Reply{Entry: entry}
}

var errBadPayload = errors.New("malformed command payload")

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}
