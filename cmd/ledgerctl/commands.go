package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tokenledger/internal/model"
)

func init() {
	rootCmd.AddCommand(balanceCmd, dailyCmd, checkCmd, costCmd, creditCmd, deductCmd, refundCmd, historyCmd)

	costCmd.Flags().StringToStringP("param", "p", nil, "Operation parameter, e.g. -p engine=kling-2.1 -p duration=10")

	creditCmd.Flags().String("reason", model.ReasonPurchase, "Credit reason")
	creditCmd.Flags().String("plan", "", "Plan for the account if this credit creates it")
	deductCmd.Flags().String("reason", "", "Deduction reason, usually the operation kind")
	deductCmd.Flags().String("idempotency-key", "", "Key that makes a retried deduction apply once")
	_ = deductCmd.MarkFlagRequired("reason")
	refundCmd.Flags().String("note", "", "Note stored on the refund entry")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show the balance of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bal, err := client.GetBalance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), bal)
	},
}

var dailyCmd = &cobra.Command{
	Use:   "daily USER_ID",
	Short: "Show daily limit usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := client.GetDailyLimitInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check USER_ID AMOUNT",
	Short: "Report whether a deduction would be allowed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		ok, err := client.CheckBalance(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]bool{"allowed": ok})
	},
}

var costCmd = &cobra.Command{
	Use:   "cost OPERATION",
	Short: "Price an operation without charging anyone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringToString("param")
		params := make(map[string]any, len(raw))
		for k, v := range raw {
			params[k] = v
		}
		tokens, err := client.CalculateCost(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"operation": args[0], "tokens": tokens})
	},
}

var creditCmd = &cobra.Command{
	Use:   "credit USER_ID AMOUNT",
	Short: "Add tokens to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		plan, _ := cmd.Flags().GetString("plan")
		entry, err := client.Credit(cmd.Context(), model.CreditRequest{
			UserID:   args[0],
			Amount:   amount,
			Reason:   reason,
			Plan:     plan,
			Metadata: map[string]any{"source": "ledgerctl"},
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

var deductCmd = &cobra.Command{
	Use:   "deduct USER_ID AMOUNT",
	Short: "Spend tokens from an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		key, _ := cmd.Flags().GetString("idempotency-key")
		entry, err := client.Deduct(cmd.Context(), model.DeductRequest{
			UserID:         args[0],
			Amount:         amount,
			Reason:         reason,
			Metadata:       map[string]any{"source": "ledgerctl"},
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund USER_ID ENTRY_ID",
	Short: "Refund a debit entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		entry, err := client.Refund(cmd.Context(), model.RefundRequest{UserID: args[0], EntryID: args[1], Note: note})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := client.ListTransactions(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("amount %q: %w", s, model.ErrInvalidAmount)
	}
	return n, nil
}
