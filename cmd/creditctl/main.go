package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/synterhq/creditd/internal/dbconn"
	"github.com/synterhq/creditd/pkg/credits"
)

const (
	flagDatabaseURL = "database-url"
	flagUser        = "user"
	flagAmount      = "amount"
	flagType        = "type"
	flagDescription = "description"
	flagLimit       = "limit"

	configKeyDatabaseURL = "database_url"
	defaultDatabaseURL   = "sqlite:///tmp/creditd.db"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operator tool for the Synter credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or SQLite path")

	root.AddCommand(newGrantCommand())
	root.AddCommand(newRefundCommand())
	root.AddCommand(newBalanceCommand())
	root.AddCommand(newHistoryCommand())
	root.AddCommand(newStatsCommand())
	return root
}

func newGrantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant credits to a user (ADMIN_ADJUST by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, ledger *credits.Service) error {
				userID, err := userIDFlag(cmd)
				if err != nil {
					return err
				}
				rawAmount, _ := cmd.Flags().GetInt64(flagAmount)
				amount, err := credits.NewGrantAmount(rawAmount)
				if err != nil {
					return err
				}
				rawType, _ := cmd.Flags().GetString(flagType)
				transactionType, err := credits.ParseTransactionType(rawType)
				if err != nil {
					return err
				}
				description, _ := cmd.Flags().GetString(flagDescription)
				balance, err := ledger.AddCredits(ctx, userID, amount, transactionType, description, credits.MetadataJSON{})
				if err != nil {
					return err
				}
				fmt.Printf("granted %s credits; balance is now %s\n", credits.FormatAmount(amount), credits.FormatAmount(balance))
				return nil
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id")
	cmd.Flags().Int64(flagAmount, 0, "amount in centicredits (100 = 1 credit)")
	cmd.Flags().String(flagType, credits.TransactionAdminAdjust.String(), "transaction type")
	cmd.Flags().String(flagDescription, "", "ledger description")
	return cmd
}

func newRefundCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Refund credits to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, ledger *credits.Service) error {
				userID, err := userIDFlag(cmd)
				if err != nil {
					return err
				}
				rawAmount, _ := cmd.Flags().GetInt64(flagAmount)
				amount, err := credits.NewGrantAmount(rawAmount)
				if err != nil {
					return err
				}
				description, _ := cmd.Flags().GetString(flagDescription)
				balance, err := ledger.Refund(ctx, userID, amount, description, credits.MetadataJSON{})
				if err != nil {
					return err
				}
				fmt.Printf("refunded %s credits; balance is now %s\n", credits.FormatAmount(amount), credits.FormatAmount(balance))
				return nil
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id")
	cmd.Flags().Int64(flagAmount, 0, "amount in centicredits (100 = 1 credit)")
	cmd.Flags().String(flagDescription, "", "ledger description")
	return cmd
}

func newBalanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's current balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, ledger *credits.Service) error {
				userID, err := userIDFlag(cmd)
				if err != nil {
					return err
				}
				balance, err := ledger.Balance(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Printf("%s credits\n", credits.FormatAmount(balance))
				return nil
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's transactions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, ledger *credits.Service) error {
				userID, err := userIDFlag(cmd)
				if err != nil {
					return err
				}
				limit, _ := cmd.Flags().GetInt(flagLimit)
				transactions, err := ledger.History(ctx, userID, limit)
				if err != nil {
					return err
				}
				for _, transaction := range transactions {
					created := time.Unix(transaction.CreatedUnixUTC, 0).UTC().Format(time.RFC3339)
					fmt.Printf("%s  %-13s %8s  %s\n", created, transaction.Type, credits.FormatAmount(credits.Amount(transaction.Amount)), transaction.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id")
	cmd.Flags().Int(flagLimit, credits.DefaultHistoryLimit, "maximum rows")
	return cmd
}

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a user's balance, lifetime, and 30-day spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, ledger *credits.Service) error {
				userID, err := userIDFlag(cmd)
				if err != nil {
					return err
				}
				stats, err := ledger.Stats(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Printf("balance:      %s credits\n", credits.FormatAmount(stats.Balance))
				fmt.Printf("lifetime:     %s credits\n", credits.FormatAmount(stats.Lifetime))
				fmt.Printf("spent (30d):  %s credits\n", credits.FormatAmount(stats.Spent30Days))
				return nil
			})
		},
	}
	cmd.Flags().String(flagUser, "", "user id")
	return cmd
}

func withLedger(cmd *cobra.Command, fn func(ctx context.Context, ledger *credits.Service) error) error {
	_ = godotenv.Load()
	viper.AutomaticEnv()
	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	databaseURL := viper.GetString(configKeyDatabaseURL)
	if databaseURL == "" {
		databaseURL = defaultDatabaseURL
	}

	ctx := cmd.Context()
	backend, cleanup, err := dbconn.Open(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := credits.NewService(backend.Store, clock)
	if err != nil {
		return err
	}
	return fn(ctx, ledger)
}

func userIDFlag(cmd *cobra.Command) (credits.UserID, error) {
	raw, _ := cmd.Flags().GetString(flagUser)
	return credits.NewUserID(raw)
}
