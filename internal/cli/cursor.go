package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerlift/ledgerlift-core/internal/archive"
	"github.com/ledgerlift/ledgerlift-core/internal/checkpoint"
	"github.com/ledgerlift/ledgerlift-core/internal/merge"
	"github.com/ledgerlift/ledgerlift-core/internal/metrics"
	"github.com/ledgerlift/ledgerlift-core/internal/quality"
	"github.com/ledgerlift/ledgerlift-core/internal/runner"
	"github.com/ledgerlift/ledgerlift-core/internal/source"
	"github.com/ledgerlift/ledgerlift-core/internal/staging"
)

// CursorCmd returns the cursor-mode replication command.
func CursorCmd() *cobra.Command {
	var (
		configPath string
		resources  []string
		fromArg    string
		toArg      string
		chunkMin   int
		chunkMax   int
		resume     bool
	)

	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Replicate a date window through the cursor-paginated API",
		Long: `Replicates one date window per resource through the upstream cursor
API: pages are grouped into adaptive chunks, staged with type coercion,
validated by the quality gate, merged into the warehouse facts, and
checkpointed. Re-running the same window resumes from the last committed
cursor; a succeeded window is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursor(cmd, cursorArgs{
				configPath: configPath,
				resources:  resources,
				from:       fromArg,
				to:         toArg,
				chunkMin:   chunkMin,
				chunkMax:   chunkMax,
				resume:     resume,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (env vars win)")
	cmd.Flags().StringSliceVar(&resources, "resource", source.Resources(), "resources to replicate")
	cmd.Flags().StringVar(&fromArg, "from", "", "window start, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&toArg, "to", "", "window end, YYYY-MM-DD (exclusive)")
	cmd.Flags().IntVar(&chunkMin, "chunk-min", 0, "minimum API calls per chunk (overrides config)")
	cmd.Flags().IntVar(&chunkMax, "chunk-max", 0, "maximum API calls per chunk (overrides config)")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume from the committed checkpoint; --resume=false re-extracts the window")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

type cursorArgs struct {
	configPath string
	resources  []string
	from       string
	to         string
	chunkMin   int
	chunkMax   int
	resume     bool
}

func runCursor(cmd *cobra.Command, args cursorArgs) error {
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
	if !to.After(from) {
		return fmt.Errorf("--to must be after --from")
	}

	pool, err := a.warehousePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := checkpoint.NewStore(pool, a.component("checkpoint"))
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	loader := staging.NewLoader(pool, a.cfg.StagingBatchSize, a.component("staging"))
	for _, res := range args.resources {
		sch, err := source.SchemaFor(res)
		if err != nil {
			return err
		}
		if err := loader.EnsureSchema(ctx, sch); err != nil {
			return err
		}
	}

	var archiver merge.Archiver
	if a.cfg.ArchiveEnabled() {
		s3, err := archive.NewS3Store(archive.S3Config{
			EndpointURL:     a.cfg.ArchiveEndpoint,
			AccessKeyID:     a.cfg.ArchiveAccessKey,
			SecretAccessKey: a.cfg.ArchiveSecretKey,
			Region:          a.cfg.ArchiveRegion,
		})
		if err != nil {
			return err
		}
		archiver = archive.New(s3, a.cfg.ArchiveBucket, a.cfg.ArchivePrefix, a.component("archive"))
	}

	engine := merge.NewEngine(pool, loader, a.cfg.StagingRetention, a.cfg.QualitySumEpsilon, archiver, a.component("merge"))
	if err := engine.EnsureWarehouse(ctx); err != nil {
		return err
	}

	client := source.NewClient(&source.ClientConfig{
		BaseURL:   a.cfg.APIBaseURL,
		APIKey:    a.cfg.APIToken,
		Timeout:   a.cfg.APITimeout,
		RateLimit: a.cfg.APIRateLimit,
	}, a.policy, a.component("source"))

	emitter := metrics.NewEmitter(a.component("metrics"), nil)

	gate := quality.NewGate(a.cfg.QualitySumEpsilon, a.component("quality"))
	r := runner.New(client, loader, gate, engine, store, a.component("runner"))
	r.ChunkMin = a.cfg.ChunkMinCalls
	r.ChunkMax = a.cfg.ChunkMaxCalls
	if args.chunkMin > 0 {
		r.ChunkMin = args.chunkMin
	}
	if args.chunkMax > 0 {
		r.ChunkMax = args.chunkMax
	}
	r.Target = a.cfg.ChunkTargetDur
	r.Fresh = !args.resume
	r.Observe = func(jobKey string, chunk checkpoint.Chunk) {
		emitter.Chunk(metrics.ChunkSample{
			Job:      jobKey,
			Sequence: chunk.Sequence,
			APICalls: chunk.APICalls,
			Rows:     chunk.Rows,
			Retries:  chunk.Retries,
			Duration: chunk.Duration,
		})
	}

	ids := make([]checkpoint.Identity, 0, len(args.resources))
	for _, res := range args.resources {
		ids = append(ids, checkpoint.Identity{Resource: res, RangeStart: from, RangeEnd: to})
	}

	_, err = r.RunMany(ctx, ids, a.cfg.JobWorkers)

	sum := emitter.Summary()
	fmt.Fprintf(cmd.OutOrStdout(), "jobs=%d chunks=%d rows=%d api_calls=%d\n",
		len(ids), sum.Chunks, sum.Rows, sum.APICalls)
	return err
}
