package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sunrich/adreel/internal/cache"
	"github.com/sunrich/adreel/pipeline"
)

const shutdownTimeout = 10 * time.Second

// runFlags are shared by run, stream and start.
type runFlags struct {
	opts      pipeline.Options
	jsonOut   bool
	showStats bool
	watch     bool
}

var (
	runOpts    runFlags
	streamOpts runFlags
	startOpts  runFlags

	runCmd = &cobra.Command{
		Use:     "run SUBJECT",
		Short:   "Generate an ad and wait for it",
		Long:    paragraph(fmt.Sprintf("\n%s the script, voice-over and lip-sync stages one after another for SUBJECT.", keyword("Run"))),
		Example: paragraph("adreel run sunrich-001\nadreel run sunrich-002 --language fr --emotion excited --json"),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], runOpts, false)
		},
	}

	streamCmd = &cobra.Command{
		Use:     "stream SUBJECT",
		Short:   "Generate an ad with overlapping stages",
		Long:    paragraph(fmt.Sprintf("\nLike run, but %s subject lookup with script generation and starts speech as soon as the script is ready.", keyword("overlaps"))),
		Example: paragraph("adreel stream sunrich-001 --stats"),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], streamOpts, true)
		},
	}

	startCmd = &cobra.Command{
		Use:   "start SUBJECT",
		Short: "Start an ad job and follow its progress",
		Long: paragraph(fmt.Sprintf("\n%s a background job and prints its id. Jobs live in this process, so start waits for the job to finish; "+
			"use --watch to print every stage transition. Interrupt to cancel the job.", keyword("Starts"))),
		Example: paragraph("adreel start sunrich-001 --watch"),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startPipeline(cmd.Context(), args[0], startOpts)
		},
	}
)

func init() {
	addRunFlags(runCmd.Flags(), &runOpts)
	addRunFlags(streamCmd.Flags(), &streamOpts)
	addRunFlags(startCmd.Flags(), &startOpts)
	startCmd.Flags().BoolVarP(&startOpts.watch, "watch", "w", false, "print every stage transition")
}

func addRunFlags(fs *pflag.FlagSet, f *runFlags) {
	fs.StringVarP(&f.opts.Language, "language", "l", "", "script language (BCP 47 tag)")
	fs.StringVarP(&f.opts.Emotion, "emotion", "e", "", fmt.Sprintf("delivery emotion (%s)", strings.Join(pipeline.Emotions, ", ")))
	fs.StringVarP(&f.opts.Tone, "tone", "t", "", "script tone")
	fs.StringVar(&f.opts.Voice, "voice", "", "speech provider voice id")
	fs.StringVarP(&f.opts.Description, "description", "d", "", "extra product description for the script prompt")
	fs.BoolVar(&f.opts.SkipCache, "skip-cache", false, "ignore cached results")
	fs.BoolVar(&f.jsonOut, "json", false, "print the result as JSON")
	fs.BoolVar(&f.showStats, "stats", false, "print performance and cache statistics afterwards")
}

// withApp loads the configuration, runs fn against a fresh app and shuts the
// app down afterwards. SIGINT and SIGTERM cancel ctx.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log.Default(), appOptions{AssetLog: viper.GetString("assets.log")})
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(sctx); err != nil {
		log.Warn("Shutdown incomplete", "err", err)
	}
	return runErr
}

func runPipeline(ctx context.Context, subject string, f runFlags, streaming bool) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		run := a.orch.RunPipeline
		if streaming {
			run = a.orch.RunPipelineStreaming
		}
		res, err := run(ctx, subject, f.opts)
		if err != nil {
			return describeFailure(err)
		}

		if f.jsonOut {
			err = writeJSONResult(os.Stdout, res)
		} else {
			err = renderResult(os.Stdout, res, isTerminal())
		}
		if err != nil {
			return err
		}
		if f.showStats {
			renderStats(os.Stdout, a.orch.Stats())
		}
		return nil
	})
}

func startPipeline(ctx context.Context, subject string, f runFlags) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		id, err := a.orch.StartPipeline(ctx, subject, f.opts)
		if err != nil {
			return describeFailure(err)
		}
		fmt.Fprintln(os.Stderr, "Started job", keyword(id))

		// The job runs on the orchestrator's own context; cancel it
		// explicitly on interrupt.
		updates, err := a.orch.WatchJob(context.WithoutCancel(ctx), id)
		if err != nil {
			return err
		}

		var last pipeline.PipelineJob
		for {
			select {
			case <-ctx.Done():
				if job, err := a.orch.CancelJob(id); err == nil {
					last = job
				}
				fmt.Fprintln(os.Stderr, "Canceled job", id)
				return ctx.Err()
			case job, ok := <-updates:
				if !ok {
					return finishJob(last, f)
				}
				last = job
				if f.watch {
					renderJobUpdate(os.Stderr, job)
				}
			}
		}
	})
}

func finishJob(job pipeline.PipelineJob, f runFlags) error {
	if f.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
	} else if job.Stage == pipeline.JobCompleted {
		styled := isTerminal()
		row(os.Stdout, styled, "job", job.ID)
		row(os.Stdout, styled, "script", job.Script)
		row(os.Stdout, styled, "audio", job.AudioRef)
		row(os.Stdout, styled, "video", job.VideoRef)
	}
	if job.Error != nil {
		return fmt.Errorf("job %s failed at %s: %s", job.ID, job.Error.Stage, job.Error.Message)
	}
	return nil
}

// describeFailure prefixes pipeline errors with the stage that failed.
func describeFailure(err error) error {
	if stage, ok := pipeline.FailedStage(err); ok {
		var exhausted *pipeline.StageExhaustedError
		if errors.As(err, &exhausted) {
			return fmt.Errorf("%s stage: every provider failed: %w", stage, err)
		}
		return fmt.Errorf("%s stage: %w", stage, err)
	}
	return err
}

func writeJSONResult(w io.Writer, res *pipeline.PipelineResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func row(w io.Writer, styled bool, label, value string) {
	if styled {
		fmt.Fprintln(w, labelStyle.Render(label)+valueStyle.Render(value))
		return
	}
	fmt.Fprintf(w, "%-12s%s\n", label, value)
}

func renderResult(w io.Writer, res *pipeline.PipelineResult, styled bool) error {
	row(w, styled, "job", res.Metadata.JobID)
	row(w, styled, "subject", fmt.Sprintf("%s (%s)", res.Metadata.Subject.Name, res.Metadata.SubjectRef))
	row(w, styled, "script", res.Script.Text)
	row(w, styled, "audio", fmt.Sprintf("%s, %.1fs", res.Audio.Ref, res.Audio.DurationSeconds))
	row(w, styled, "video", fmt.Sprintf("%s, %.1fs", res.Video.Ref, res.Video.DurationSeconds))
	row(w, styled, "total", res.Metadata.Total.Round(time.Millisecond).String())

	for _, stage := range pipeline.Stages {
		rep, ok := res.Metadata.Stages[stage]
		if !ok {
			continue
		}
		detail := fmt.Sprintf("%s in %s, %d attempt(s)", rep.Provider, rep.Duration.Round(time.Millisecond), rep.Attempts)
		switch {
		case rep.Cached:
			detail = rep.Provider + " (cached)"
		case rep.Fallback:
			detail += ", fallback"
		}
		row(w, styled, "  "+stage.String(), detail)
	}

	var missed []string
	for dim, met := range res.Metadata.TargetsMet {
		if !met {
			missed = append(missed, dim)
		}
	}
	if len(missed) > 0 {
		sort.Strings(missed)
		msg := "missed " + strings.Join(missed, ", ")
		if styled {
			msg = failStyle.Render(msg)
		}
		row(w, styled, "targets", msg)
	}
	return nil
}

func renderJobUpdate(w io.Writer, job pipeline.PipelineJob) {
	line := fmt.Sprintf("%s  %-10s", job.UpdatedAt.Format("15:04:05.000"), job.Stage)
	if job.Error != nil {
		line += " " + job.Error.Error()
	}
	fmt.Fprintln(w, line)
}

func renderStats(w io.Writer, s pipeline.Stats) {
	fmt.Fprintln(w)
	fmt.Fprint(w, s.Performance.String())
	if s.Cache != nil {
		renderCacheStats(w, *s.Cache)
	}
}

func renderCacheStats(w io.Writer, s cache.ManagerStats) {
	fmt.Fprintf(w, "cache: %s of %s in memory, %s items, %s evictions\n",
		humanize.Bytes(uint64(s.Memory.Size)), //nolint:gosec
		humanize.Bytes(uint64(s.Memory.Capacity)), //nolint:gosec
		humanize.Comma(s.Memory.ItemCount),
		humanize.Comma(s.Memory.Evictions))
	if s.Disk != nil {
		fmt.Fprintf(w, "disk:  %s of %s, %s items\n",
			humanize.Bytes(uint64(s.Disk.Size)), //nolint:gosec
			humanize.Bytes(uint64(s.Disk.Capacity)), //nolint:gosec
			humanize.Comma(s.Disk.ItemCount))
	}
	for _, ns := range s.Namespaces {
		fmt.Fprintf(w, "  %-12s %s hits, %s misses (%s%%)\n", ns.Name,
			humanize.Comma(ns.Hits), humanize.Comma(ns.Misses),
			humanize.FtoaWithDigits(ns.HitRate*100, 1))
	}
}
