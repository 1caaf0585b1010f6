package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ledgerlift/ledgerlift-core/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgerlift",
		Short: "LedgerLift - POS transaction replication into the warehouse",
		Long: `LedgerLift replicates point-of-sale transaction data into a Postgres
warehouse. The cursor mode drains the rate-limited upstream API in
checkpointed chunks; the partition mode bulk-loads historical ranges
directly from the transactional database.`,
	}

	rootCmd.AddCommand(cli.CursorCmd())
	rootCmd.AddCommand(cli.PartitionCmd())
	rootCmd.AddCommand(cli.StatusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
