package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerlift/ledgerlift-core/internal/checkpoint"
)

// StatusCmd returns the checkpoint inspection command.
func StatusCmd() *cobra.Command {
	var (
		configPath string
		jobID      int64
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show replication jobs and their checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, jobID)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (env vars win)")
	cmd.Flags().Int64Var(&jobID, "job", 0, "also print the chunk history of this job id")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, jobID int64) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	pool, err := a.warehousePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := checkpoint.NewStore(pool, a.component("checkpoint"))
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRESOURCE\tRANGE\tSTATUS\tROWS\tCURSOR\tUPDATED")
	for _, job := range jobs {
		cursor := job.LastCursor
		if len(cursor) > 24 {
			cursor = cursor[:24] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s..%s\t%s\t%d\t%s\t%s\n",
			job.ID,
			job.Identity.Resource,
			job.Identity.RangeStart.Format("2006-01-02"),
			job.Identity.RangeEnd.Format("2006-01-02"),
			job.Status,
			job.RowsProcessed,
			cursor,
			job.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if jobID > 0 {
		chunks, err := store.ChunkHistory(ctx, jobID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nchunk history for job %d:\n", jobID)
		hw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(hw, "SEQ\tAPI_CALLS\tRETRIES\tROWS\tDURATION")
		for _, c := range chunks {
			fmt.Fprintf(hw, "%d\t%d\t%d\t%d\t%s\n", c.Sequence, c.APICalls, c.Retries, c.Rows, c.Duration)
		}
		if err := hw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
