// stakectl - operator CLI for the tripstake API
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ashureev/tripstake/internal/client"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "stakectl",
	Short: "tripstake operator CLI",
	Long: `stakectl drives a tripstake server: join pools, trigger the agents' negotiation,
execute stakes and withdraw from escrow.
Every command acts as the wallet given by --wallet (or STAKECTL_WALLET).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAKECTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "tripstake server URL")
	rootCmd.PersistentFlags().StringP("wallet", "w", "", "wallet address to act as")
	rootCmd.PersistentFlags().StringP("pool", "p", "", "pool id (server default when empty)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 15*time.Second, "request timeout")
	for _, name := range []string{"server", "wallet", "pool", "json", "timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(negotiateCmd())
	rootCmd.AddCommand(stakeCmd())
	rootCmd.AddCommand(conversationCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(fundCmd())
	rootCmd.AddCommand(healthCmd())
}

func newClient() *client.Client {
	c := client.New(viper.GetString("server"), viper.GetString("wallet"))
	c.Timeout = viper.GetDuration("timeout")
	return c
}

func statusCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			for {
				view, err := c.Status(cmd.Context(), viper.GetString("pool"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(view); err != nil {
						return err
					}
				} else {
					renderPool(os.Stdout, view)
				}
				if watch <= 0 || view.Status.Terminal() {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(watch):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "poll at this interval until the pool is completed or failed")
	return cmd
}

func joinCmd() *cobra.Command {
	var (
		name        string
		budget      string
		destination string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a pool with a declared budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(budget)
			if err != nil {
				return fmt.Errorf("invalid budget %q: %w", budget, err)
			}
			res, err := newClient().Join(cmd.Context(), viper.GetString("pool"), name, amount, destination)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			renderPool(os.Stdout, res.Pool)
			if res.Triggered {
				fmt.Println("Quorum reached; negotiation started.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&budget, "budget", "", "declared trip budget in USD")
	cmd.Flags().StringVar(&destination, "destination", "", "trip destination")
	_ = cmd.MarkFlagRequired("budget")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func negotiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "negotiate",
		Short: "Trigger the agents' negotiation",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Negotiate(cmd.Context(), viper.GetString("pool"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.AlreadyCompleted {
				fmt.Println("Negotiation already completed.")
				renderResult(os.Stdout, res.Result)
				return nil
			}
			fmt.Printf("Negotiation %s. Follow it with: stakectl status --watch 1s\n", res.Status)
			return nil
		},
	}
}

func stakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "Execute stakes for a negotiated pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Stake(cmd.Context(), viper.GetString("pool"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			renderRecords(os.Stdout, res.Records)
			fmt.Printf("%d succeeded, %d failed\n", res.Succeeded, res.Failed)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Retry the wallet's failed stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().Retry(cmd.Context(), viper.GetString("pool"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rec)
			}
			renderRecords(os.Stdout, []domain.ExecutionRecord{rec})
			return nil
		},
	})
	return cmd
}

func conversationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversation",
		Short: "Show the agents' messages for a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			convs, err := newClient().Conversation(cmd.Context(), viper.GetString("pool"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No negotiation yet.")
				return nil
			}
			for requestID, msgs := range convs {
				fmt.Println("Request", requestID)
				renderMessages(os.Stdout, msgs)
			}
			return nil
		},
	}
}

func completeCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Close out a pool's trip",
		Long: `complete records the trip as finished. Stakes stay in escrow for withdrawal,
unless --failed is given, in which case every stake is slashed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := newClient().CompleteTrip(cmd.Context(), viper.GetString("pool"), !failed)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(outcome)
			}
			renderOutcome(os.Stdout, &outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the trip failed; slash the stakes")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop a pool so its id can be reused",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Reset(cmd.Context(), viper.GetString("pool")); err != nil {
				return err
			}
			fmt.Println("Pool reset.")
			return nil
		},
	}
}

func withdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw the wallet's escrow balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := newClient().Withdraw(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(wd)
			}
			fmt.Printf("Withdrew %s base units (tx %s)\n", wd.Amount, wd.TransactionRef)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List past withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().Withdrawals(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(list)
			}
			renderWithdrawals(os.Stdout, list)
			return nil
		},
	})
	return cmd
}

func fundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fund <amount-usd>",
		Short: "Credit the wallet from the dev faucet and approve the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			res, err := newClient().Fund(cmd.Context(), amount)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("%s balance=%s allowance=%s\n", res.ParticipantID, res.Balance, res.Allowance)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server's dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
			defer cancel()
			h, err := newClient().Health(ctx)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(h)
			}
			renderHealth(os.Stdout, h)
			if h.Status != "healthy" {
				return errors.New("server is " + h.Status)
			}
			return nil
		},
	}
}
