// Command mediamon runs the video analysis pipeline: the ingest API, the two
// stage workers, and the liveness sweep, each as its own subcommand so the
// roles can scale independently.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mediamon/internal/api"
	"mediamon/internal/asr"
	"mediamon/internal/config"
	"mediamon/internal/database"
	"mediamon/internal/media"
	"mediamon/internal/queue"
	"mediamon/internal/repository"
	"mediamon/internal/signing"
	"mediamon/internal/sweep"
	"mediamon/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediamon: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mediamon",
		Short:        "Asynchronous video transcription and frame analysis service",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newAPICmd(),
		newASRWorkerCmd(),
		newVisionWorkerCmd(),
		newSweepCmd(),
	)
	return cmd
}

// deps bundles the backends a subcommand runs against.
type deps struct {
	cfg     *config.Config
	log     *zap.Logger
	jobs    repository.JobStore
	quotas  repository.QuotaStore
	queue   queue.Queue
	cleanup func()
}

// buildDeps connects Postgres and Redis, or builds the in-memory equivalents
// in dev mode.
func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}

	d := &deps{cfg: cfg, log: log, cleanup: func() { _ = log.Sync() }}
	if cfg.DevMode {
		log.Warn("dev mode: in-memory store and queue, single process only")
		d.jobs = repository.NewMemoryJobStore()
		d.quotas = repository.NewMemoryQuotaStore(cfg.QuotaBytesPerUser)
		d.queue = queue.NewMemoryQueue()
		return d, nil
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		_ = log.Sync()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	rq, err := queue.NewRedisQueue(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		pool.Close()
		_ = log.Sync()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	d.jobs = repository.NewPostgresJobStore(pool)
	d.quotas = repository.NewPostgresQuotaStore(pool, cfg.QuotaBytesPerUser)
	d.queue = rq
	d.cleanup = func() {
		_ = rq.Close()
		pool.Close()
		_ = log.Sync()
	}
	return d, nil
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.DevMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the ingest API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.cleanup()

			if d.cfg.DevMode {
				// One process hosts the whole pipeline against the shared
				// in-memory backends.
				startDevPipeline(ctx, d)
			}
			signer := signing.NewSigner(d.cfg.SigningSecret)
			server := api.New(d.cfg, d.jobs, d.quotas, d.queue, signer, d.log.Named("api"))
			return server.Serve(ctx)
		},
	}
}

// startDevPipeline runs both stage workers and the sweep in-process. The ASR
// engine still shells out, so dev mode needs the transcription CLI and
// ffmpeg on PATH.
func startDevPipeline(ctx context.Context, d *deps) {
	tools := media.NewToolchain(d.cfg.FFmpegBin, d.cfg.FFprobeBin)
	engine, err := asr.NewCLIEngine(ctx, asrConfig(d.cfg))
	if err != nil {
		d.log.Warn("dev pipeline: asr engine unavailable, stage 1 disabled", zap.Error(err))
	} else {
		asrStage := worker.NewASRStage(worker.ASRStageConfig{
			Jobs:     d.jobs,
			Queue:    d.queue,
			Engine:   engine,
			Audio:    tools,
			DataRoot: d.cfg.DataRoot,
			Logger:   d.log.Named("asr"),
		})
		go func() { _ = worker.New(d.queue, asrStage, d.cfg.PollTimeout, d.log.Named("asr")).Run(ctx) }()
	}
	visionStage := worker.NewVisionStage(worker.VisionStageConfig{
		Jobs:             d.jobs,
		Quotas:           d.quotas,
		Tools:            tools,
		DataRoot:         d.cfg.DataRoot,
		FrameInterval:    d.cfg.FrameInterval,
		EstBytesPerFrame: d.cfg.EstBytesPerFrame,
		FramesRetention:  d.cfg.FramesRetention,
		Logger:           d.log.Named("vision"),
	})
	go func() { _ = worker.New(d.queue, visionStage, d.cfg.PollTimeout, d.log.Named("vision")).Run(ctx) }()
	go func() {
		_ = sweep.New(d.jobs, d.cfg.StageDeadline, d.cfg.SweepInterval, d.log.Named("sweep")).Run(ctx)
	}()
}

func asrConfig(cfg *config.Config) asr.Config {
	return asr.Config{
		Bin:         cfg.WhisperBin,
		Model:       cfg.ModelName,
		ComputeType: cfg.ComputeType,
		Language:    cfg.Language,
		RequireGPU:  cfg.RequireGPU,
	}
}

func newASRWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "asr-worker",
		Short: "Run the transcription stage worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.cleanup()

			// The engine probe runs before the queue loop: a worker that
			// cannot transcribe must not consume messages.
			engine, err := asr.NewCLIEngine(ctx, asrConfig(d.cfg))
			if err != nil {
				return fmt.Errorf("initialize asr engine: %w", err)
			}
			d.log.Info("asr engine ready",
				zap.String("model", engine.Model()),
				zap.String("device", engine.Device()))

			stage := worker.NewASRStage(worker.ASRStageConfig{
				Jobs:     d.jobs,
				Queue:    d.queue,
				Engine:   engine,
				Audio:    media.NewToolchain(d.cfg.FFmpegBin, d.cfg.FFprobeBin),
				DataRoot: d.cfg.DataRoot,
				Logger:   d.log.Named("asr"),
			})
			return worker.New(d.queue, stage, d.cfg.PollTimeout, d.log.Named("asr")).Run(ctx)
		},
	}
}

func newVisionWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vision-worker",
		Short: "Run the frame sampling stage worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.cleanup()

			stage := worker.NewVisionStage(worker.VisionStageConfig{
				Jobs:             d.jobs,
				Quotas:           d.quotas,
				Tools:            media.NewToolchain(d.cfg.FFmpegBin, d.cfg.FFprobeBin),
				DataRoot:         d.cfg.DataRoot,
				FrameInterval:    d.cfg.FrameInterval,
				EstBytesPerFrame: d.cfg.EstBytesPerFrame,
				FramesRetention:  d.cfg.FramesRetention,
				Logger:           d.log.Named("vision"),
			})
			return worker.New(d.queue, stage, d.cfg.PollTimeout, d.log.Named("vision")).Run(ctx)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail jobs stuck in a processing state past the stage deadline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.cleanup()

			runner := sweep.New(d.jobs, d.cfg.StageDeadline, d.cfg.SweepInterval, d.log.Named("sweep"))
			if once {
				failed, err := runner.Sweep(ctx)
				if err != nil {
					return err
				}
				d.log.Info("sweep complete", zap.Int64("failed", failed))
				return nil
			}
			return runner.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sweep pass and exit")
	return cmd
}
