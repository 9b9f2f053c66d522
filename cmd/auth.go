package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sells-group/ident-sync/internal/redisclient"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the amoCRM OAuth token",
}

var authURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the URL that grants the integration access",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("auth"); err != nil {
			return err
		}
		rdb, err := redisclient.New(cmd.Context(), cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		if state == "" {
			state = uuid.NewString()
		}
		fmt.Fprintln(os.Stdout, initTokens(rdb).AuthCodeURL(state))
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange <code>",
	Short: "Exchange an authorization code for tokens and store them in Redis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("auth"); err != nil {
			return err
		}
		rdb, err := redisclient.New(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close() //nolint:errcheck

		tokens := initTokens(rdb)
		tok, err := tokens.Exchange(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Token stored under %s, access token valid until %s\n",
			tokens.Key(), tok.Expiry.Local().Format(time.RFC3339))
		return nil
	},
}

func init() {
	authURLCmd.Flags().String("state", "", "OAuth state parameter (random when empty)")
	authCmd.AddCommand(authURLCmd, authExchangeCmd)
	rootCmd.AddCommand(authCmd)
}
