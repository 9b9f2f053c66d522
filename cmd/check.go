package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ident-sync/internal/redisclient"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check connectivity to the IDENT database and amoCRM",
}

var checkDBCmd = &cobra.Command{
	Use:   "db",
	Short: "Ping the IDENT database and the state store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("source"); err != nil {
			return err
		}
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		start := time.Now()
		src, closeSource, err := initSource(ctx)
		if err != nil {
			return err
		}
		defer closeSource()
		if err := src.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "IDENT database: ok (%s, schema %s)\n", time.Since(start).Round(time.Millisecond), cfg.Source.Schema)

		start = time.Now()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "State store: ok (%s, driver %s)\n", time.Since(start).Round(time.Millisecond), cfg.Store.Driver)
		return nil
	},
}

var checkCRMCmd = &cobra.Command{
	Use:   "crm",
	Short: "Fetch the amoCRM account with the cached token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("crm"); err != nil {
			return err
		}

		rdb, err := redisclient.New(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close() //nolint:errcheck

		start := time.Now()
		acct, err := initCRM(initTokens(rdb)).Account(ctx)
		if err != nil {
			return eris.Wrap(err, "check crm")
		}
		fmt.Fprintf(os.Stdout, "amoCRM: ok (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(os.Stdout, "  account:   %s (id %d)\n", acct.Name, acct.ID)
		fmt.Fprintf(os.Stdout, "  subdomain: %s\n", acct.Subdomain)
		return nil
	},
}

func init() {
	checkCmd.AddCommand(checkDBCmd, checkCRMCmd)
	rootCmd.AddCommand(checkCmd)
}
