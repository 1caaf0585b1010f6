package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerlift/ledgerlift-core/internal/bulkload"
	"github.com/ledgerlift/ledgerlift-core/internal/metrics"
)

// PartitionCmd returns the bulk partitioned-replication command.
func PartitionCmd() *cobra.Command {
	var (
		configPath  string
		sourceTable string
		destTable   string
		timeColumn  string
		columnsArg  string
		fromArg     string
		toArg       string
		granularity string
		resume      bool
	)

	cmd := &cobra.Command{
		Use:   "partition",
		Short: "Bulk-replicate a table by time partitions",
		Long: `Streams a historical time range from the transactional source into the
warehouse, split into day or month partitions processed by a bounded
worker pool. Each partition is delete-then-insert, so replaying any
partition converges. With --resume, partitions whose destination data
already reaches their upper bound are skipped and work continues from
the first incomplete partition.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPartition(cmd, partitionArgs{
				configPath:  configPath,
				sourceTable: sourceTable,
				destTable:   destTable,
				timeColumn:  timeColumn,
				columns:     columnsArg,
				from:        fromArg,
				to:          toArg,
				granularity: granularity,
				resume:      resume,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (env vars win)")
	cmd.Flags().StringVar(&sourceTable, "source-table", "", "qualified source table")
	cmd.Flags().StringVar(&destTable, "dest-table", "", "qualified destination table")
	cmd.Flags().StringVar(&timeColumn, "time-column", "business_date", "partitioning time column")
	cmd.Flags().StringVar(&columnsArg, "columns", "", "comma-separated column list, time column first")
	cmd.Flags().StringVar(&fromArg, "from", "", "range start, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&toArg, "to", "", "range end, YYYY-MM-DD (exclusive)")
	cmd.Flags().StringVar(&granularity, "granularity", "month", "partition granularity: day or month")
	cmd.Flags().BoolVar(&resume, "resume", false, "skip partitions that are already complete")
	for _, f := range []string{"source-table", "dest-table", "columns", "from", "to"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

type partitionArgs struct {
	configPath  string
	sourceTable string
	destTable   string
	timeColumn  string
	columns     string
	from        string
	to          string
	granularity string
	resume      bool
}

func runPartition(cmd *cobra.Command, args partitionArgs) error {
	a, err := newApp(args.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	from, err := parseDay("from", args.from)
	if err != nil {
		return err
	}
	to, err := parseDay("to", args.to)
	if err != nil {
		return err
	}

	columns := strings.Split(args.columns, ",")
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}
	if columns[0] != args.timeColumn {
		return fmt.Errorf("--columns must list the time column %q first", args.timeColumn)
	}

	spec := bulkload.TableSpec{
		Source:     args.sourceTable,
		Dest:       args.destTable,
		TimeColumn: args.timeColumn,
		Columns:    columns,
	}

	parts, err := bulkload.PlanPartitions(from, to, bulkload.Granularity(args.granularity))
	if err != nil {
		return err
	}

	if a.cfg.SourceDSN == "" {
		return fmt.Errorf("source DSN is not configured (LEDGERLIFT_SOURCE_DSN)")
	}
	src, err := bulkload.OpenSQLSource(a.cfg.SourceDSN, a.cfg.WarehouseSessions)
	if err != nil {
		return err
	}
	defer src.Close()

	pool, err := a.warehousePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	emitter := metrics.NewEmitter(a.component("metrics"), nil)

	dst := bulkload.NewPgDest(pool, a.component("bulkload"))
	r := bulkload.NewReplicator(src, dst, a.policy, a.cfg.PartitionWorkers, a.cfg.PartitionBatchSize, a.component("bulkload"))
	r.Observe = func(p *bulkload.Partition, d time.Duration) {
		emitter.Partition(metrics.PartitionSample{
			Partition: p.ID,
			State:     string(p.State),
			Rows:      p.Rows,
			Attempts:  p.Attempts,
			Duration:  d,
		})
	}

	rep, runErr := r.Run(ctx, spec, parts, args.resume)

	fmt.Fprintf(cmd.OutOrStdout(), "partitions=%d done=%d skipped=%d failed=%d rows=%d\n",
		len(rep.Partitions), rep.Done, rep.Skipped, rep.Failed, rep.Rows)
	return runErr
}
