package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var baseURL, adminToken string

	root := &cobra.Command{
		Use:   "qactl",
		Short: "Admin CLI for the exchange's /admin/* REST API",
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8080", "exchange admin API base URL")
	root.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("QAX_ADMIN_TOKEN"), "admin bearer token")

	root.AddCommand(instrumentCreateCmd(&baseURL, &adminToken))
	root.AddCommand(settlementExecuteCmd(&baseURL, &adminToken))
	root.AddCommand(diagnosticsCmd(&baseURL, &adminToken))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func instrumentCreateCmd(baseURL, token *string) *cobra.Command {
	var req InstrumentCreateRequest
	cmd := &cobra.Command{
		Use:   "instrument-create",
		Short: "Register a new tradable instrument",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c := NewClient(*baseURL, *token)
			if err := c.CreateInstrument(ctx, req); err != nil {
				return err
			}
			fmt.Println("instrument created:", req.InstrumentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.InstrumentID, "id", "", "instrument ID")
	cmd.Flags().StringVar(&req.Exchange, "exchange", "", "exchange code")
	cmd.Flags().StringVar(&req.PriceTick, "price-tick", "0.2", "minimum price tick")
	cmd.Flags().Int64Var(&req.VolumeMultiple, "volume-multiple", 1, "contract multiplier")
	cmd.Flags().StringVar(&req.MarginRate, "margin-rate", "0.1", "margin rate")
	return cmd
}

func settlementExecuteCmd(baseURL, token *string) *cobra.Command {
	var tradingDay string
	cmd := &cobra.Command{
		Use:   "settlement-execute",
		Short: "Force-run the daily settlement cycle for a trading day",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c := NewClient(*baseURL, *token)
			result, err := c.ExecuteSettlement(ctx, tradingDay)
			if err != nil {
				return err
			}
			fmt.Printf("settled %d accounts for %s, liquidated: %v\n", result.AccountsSettled, result.TradingDay, result.LiquidatedAccounts)
			return nil
		},
	}
	cmd.Flags().StringVar(&tradingDay, "day", "", "trading day (YYYY-MM-DD)")
	return cmd
}

func diagnosticsCmd(baseURL, token *string) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Print node operational diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c := NewClient(*baseURL, *token)
			d, err := c.GetDiagnostics(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("node=%s cpu=%.1f%% mem=%dMB role=%s\n", d.NodeID, d.CPUPercent, d.MemoryUsedBytes/1024/1024, d.ReplicationRole)
			return nil
		},
	}
}
