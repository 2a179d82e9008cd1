package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure"
	"tokenledger/internal/model"
	"tokenledger/internal/service"
	transportGRPC "tokenledger/internal/transport/grpc"
)

// ledgerClient is the subset of the ledger the CLI drives. Both the gRPC
// client and a locally built service satisfy it.
type ledgerClient interface {
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	GetDailyLimitInfo(ctx context.Context, userID string) (*model.DailyLimitInfo, error)
	CheckBalance(ctx context.Context, userID string, amount int64) (bool, error)
	Deduct(ctx context.Context, req model.DeductRequest) (*model.LedgerEntry, error)
	Credit(ctx context.Context, req model.CreditRequest) (*model.LedgerEntry, error)
	Refund(ctx context.Context, req model.RefundRequest) (*model.LedgerEntry, error)
	CalculateCost(ctx context.Context, kind string, params map[string]any) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}

// localLedger adapts the in-process service to ledgerClient.
type localLedger struct {
	svc *service.TokenLedger
}

func (l localLedger) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return l.svc.GetBalance(ctx, userID)
}

func (l localLedger) GetDailyLimitInfo(ctx context.Context, userID string) (*model.DailyLimitInfo, error) {
	return l.svc.GetDailyLimitInfo(ctx, userID)
}

func (l localLedger) CheckBalance(ctx context.Context, userID string, amount int64) (bool, error) {
	return l.svc.CheckBalance(ctx, userID, amount)
}

func (l localLedger) Deduct(ctx context.Context, req model.DeductRequest) (*model.LedgerEntry, error) {
	return l.svc.DeductTokens(ctx, req)
}

func (l localLedger) Credit(ctx context.Context, req model.CreditRequest) (*model.LedgerEntry, error) {
	return l.svc.AddTokens(ctx, req)
}

func (l localLedger) Refund(ctx context.Context, req model.RefundRequest) (*model.LedgerEntry, error) {
	return l.svc.RefundTokens(ctx, req)
}

func (l localLedger) CalculateCost(_ context.Context, kind string, params map[string]any) (int64, error) {
	return l.svc.CalculateCostByKind(kind, params)
}

func (l localLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return l.svc.ListTransactions(ctx, userID, limit)
}

var (
	storeFlag  string
	remoteFlag string
	verbose    bool

	client  ledgerClient
	closeFn = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and adjust token balances",
	Long: `ledgerctl talks to the token ledger either in-process, using the same
TOKENLEDGER_* environment as the API, or to a running API over gRPC when
--remote is given.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if remoteFlag != "" {
			c, err := transportGRPC.Dial(remoteFlag)
			if err != nil {
				return err
			}
			client, closeFn = c, func() { _ = c.Close() }
			return nil
		}
		return openLocal(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeFn()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "Store to open in-process: postgres, redis or memory (overrides TOKENLEDGER_STORE)")
	rootCmd.PersistentFlags().StringVar(&remoteFlag, "remote", "", "Address of a running ledger gRPC listener")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

func openLocal(ctx context.Context) error {
	if storeFlag != "" {
		if err := os.Setenv("TOKENLEDGER_STORE", storeFlag); err != nil {
			return err
		}
	}
	cfg, err := config.New()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	deps, cleanup, err := infrastructure.Build(ctx, cfg, logger)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return err
	}
	client, closeFn = localLedger{svc: deps.Ledger}, cleanup
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if code := model.ErrorCode(err); code != "INVALID_OPERATION" {
			fmt.Fprintf(os.Stderr, "error code: %s\n", code)
		}
		os.Exit(1)
	}
}
