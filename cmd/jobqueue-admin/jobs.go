package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/service"
)

type enqueueOptions struct {
	Queue      string
	Priority   int
	MaxRetries int
	Delay      time.Duration
	DependsOn  []string
	Tags       []model.RelatedEntity
	Unique     bool
	Command    string
	Args       []string
}

func parseEnqueueFlags(args []string) (enqueueOptions, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts enqueueOptions
	fs.StringVar(&opts.Queue, "queue", model.DefaultQueue, "Queue to place the job on")
	fs.IntVar(&opts.Priority, "priority", 0, "Higher priorities run first")
	fs.IntVar(&opts.MaxRetries, "max-retries", 0, "Retry attempts allowed after a failure")
	fs.DurationVar(&opts.Delay, "delay", 0, "Do not start the job before now+delay")
	fs.BoolVar(&opts.Unique, "unique", false, "Return the existing job for the same command and args instead of creating one")
	fs.Func("depends-on", "ID of a job that must finish first (repeatable)", func(v string) error {
		if v = strings.TrimSpace(v); v == "" {
			return errors.New("empty job id")
		}
		opts.DependsOn = append(opts.DependsOn, v)
		return nil
	})
	fs.Func("tag", "Related entity as type:id (repeatable)", func(v string) error {
		typ, id, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(typ) == "" || strings.TrimSpace(id) == "" {
			return fmt.Errorf("tag %q must be type:id", v)
		}
		opts.Tags = append(opts.Tags, model.RelatedEntity{Type: strings.TrimSpace(typ), ID: strings.TrimSpace(id)})
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return enqueueOptions{}, err
	}
	if fs.NArg() == 0 {
		return enqueueOptions{}, errors.New("enqueue requires a command")
	}
	opts.Command = fs.Arg(0)
	opts.Args = fs.Args()[1:]

	if opts.MaxRetries < 0 {
		return enqueueOptions{}, errors.New("--max-retries must not be negative")
	}
	if opts.Delay < 0 {
		return enqueueOptions{}, errors.New("--delay must not be negative")
	}
	if opts.Unique && (len(opts.DependsOn) > 0 || len(opts.Tags) > 0) {
		return enqueueOptions{}, errors.New("--unique cannot be combined with --depends-on or --tag")
	}
	return opts, nil
}

func runEnqueue(cmdCtx *commandContext, args []string) error {
	opts, err := parseEnqueueFlags(args)
	if err != nil {
		return err
	}

	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		if opts.Unique {
			job, uerr := deps.Manager.GetOrCreateIfNotExists(ctx, opts.Command, opts.Args...)
			if uerr != nil {
				return uerr
			}
			return writef(cmdCtx.Out, "%s\t%s\n", job.ID, job.State())
		}

		job, berr := buildJob(ctx, deps, opts)
		if berr != nil {
			return berr
		}
		if cerr := deps.Manager.CreateJob(ctx, job); cerr != nil {
			return fmt.Errorf("create job: %w", cerr)
		}
		cmdCtx.Logger.Info("job enqueued", "job_id", job.ID, "command", job.Command, "queue", job.Queue)
		return writef(cmdCtx.Out, "%s\t%s\n", job.ID, job.State())
	})
}

func buildJob(ctx context.Context, deps *jobDeps, opts enqueueOptions) (*model.Job, error) {
	job := model.NewJob(opts.Command, opts.Args...)
	job.Queue = opts.Queue
	job.Priority = opts.Priority
	job.MaxRetries = opts.MaxRetries
	if opts.Delay > 0 {
		at := time.Now().UTC().Add(opts.Delay)
		job.ExecuteAfter = &at
	}

	for _, id := range opts.DependsOn {
		dep, err := deps.Store.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load dependency %s: %w", id, err)
		}
		if err := job.AddDependency(dep); err != nil {
			return nil, err
		}
	}
	for _, tag := range opts.Tags {
		if err := job.AddRelatedEntity(tag); err != nil {
			return nil, err
		}
	}
	return job, nil
}

type showOptions struct {
	JSON bool
	ID   string
}

func parseShowFlags(args []string) (showOptions, error) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts showOptions
	fs.BoolVar(&opts.JSON, "json", false, "Print the job as JSON")
	if err := fs.Parse(args); err != nil {
		return showOptions{}, err
	}
	if fs.NArg() != 1 {
		return showOptions{}, errors.New("show requires exactly one job id")
	}
	opts.ID = fs.Arg(0)
	return opts, nil
}

func runShow(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowFlags(args)
	if err != nil {
		return err
	}

	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		job, gerr := deps.Store.GetByID(ctx, opts.ID)
		if gerr != nil {
			return gerr
		}
		if opts.JSON {
			return printJobJSON(cmdCtx.Out, job)
		}
		return printJob(cmdCtx.Out, job)
	})
}

// jobView is the JSON form of a job including its graph.
type jobView struct {
	*model.Job
	State           model.JobState        `json:"state"`
	Dependencies    []string              `json:"dependencies,omitempty"`
	RetryJobs       []string              `json:"retry_jobs,omitempty"`
	OriginalJob     string                `json:"original_job,omitempty"`
	RelatedEntities []model.RelatedEntity `json:"related_entities,omitempty"`
}

func newJobView(job *model.Job) jobView {
	v := jobView{
		Job:             job,
		State:           job.State(),
		Dependencies:    job.DependencyIDs(),
		RelatedEntities: job.RelatedEntities(),
	}
	for _, r := range job.RetryJobs() {
		v.RetryJobs = append(v.RetryJobs, r.ID)
	}
	if orig := job.OriginalJob(); orig != nil {
		v.OriginalJob = orig.ID
	}
	return v
}

func printJobJSON(w io.Writer, job *model.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newJobView(job))
}

func printJob(w io.Writer, job *model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"ID", job.ID},
		{"Command", job.Command},
		{"Args", strings.Join(job.Args, " ")},
		{"State", string(job.State())},
		{"Queue", job.Queue},
		{"Priority", fmt.Sprint(job.Priority)},
		{"Retries", fmt.Sprintf("%d/%d", len(job.RetryJobs()), job.MaxRetries)},
		{"Worker", job.WorkerName},
		{"Created", formatTime(&job.CreatedAt)},
		{"Execute after", formatTime(job.ExecuteAfter)},
		{"Started", formatTime(job.StartedAt)},
		{"Checked", formatTime(job.CheckedAt)},
		{"Closed", formatTime(job.ClosedAt)},
	}
	if job.ExitCode != nil {
		rows = append(rows, [2]string{"Exit code", fmt.Sprint(*job.ExitCode)})
	}
	if orig := job.OriginalJob(); orig != nil {
		rows = append(rows, [2]string{"Retry of", orig.ID})
	}
	for _, row := range rows {
		if err := writef(tw, "%s:\t%s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	for _, dep := range job.Dependencies() {
		if err := writef(tw, "Depends on:\t%s (%s, %s)\n", dep.ID, dep.Command, dep.State()); err != nil {
			return err
		}
	}
	for i, r := range job.RetryJobs() {
		if err := writef(tw, "Attempt %d:\t%s (%s)\n", i+1, r.ID, r.State()); err != nil {
			return err
		}
	}
	for _, e := range job.RelatedEntities() {
		if err := writef(tw, "Related:\t%s:%s\n", e.Type, e.ID); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if job.Output != "" {
		if err := writef(w, "\n--- output ---\n%s\n", strings.TrimRight(job.Output, "\n")); err != nil {
			return err
		}
	}
	if job.ErrorOutput != "" {
		if err := writef(w, "\n--- error output ---\n%s\n", strings.TrimRight(job.ErrorOutput, "\n")); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func parseListFlags(args []string) (model.JobListOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := model.JobListOptions{Limit: 50}
	var state model.JobState
	fs.Func("state", "Only jobs in this state", func(v string) error {
		return state.UnmarshalText([]byte(v))
	})
	fs.StringVar(&opts.Queue, "queue", "", "Only jobs on this queue")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs to print")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")

	if err := fs.Parse(args); err != nil {
		return model.JobListOptions{}, err
	}
	if opts.Limit <= 0 || opts.Offset < 0 {
		return model.JobListOptions{}, errors.New("--limit must be positive and --offset must not be negative")
	}
	if state != "" {
		opts.State = &state
	}
	return opts, nil
}

func runList(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags(args)
	if err != nil {
		return err
	}

	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		jobs, lerr := deps.Store.List(ctx, opts)
		if lerr != nil {
			return fmt.Errorf("list jobs: %w", lerr)
		}
		if len(jobs) == 0 {
			return writeln(cmdCtx.Out, "(no jobs found)")
		}

		tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
		if werr := writef(tw, "ID\tSTATE\tQUEUE\tPRIORITY\tCOMMAND\tCREATED\n"); werr != nil {
			return werr
		}
		for _, job := range jobs {
			cmdline := strings.TrimSpace(job.Command + " " + strings.Join(job.Args, " "))
			if werr := writef(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				job.ID, job.State(), job.Queue, job.Priority, cmdline, formatTime(&job.CreatedAt),
			); werr != nil {
				return werr
			}
		}
		return tw.Flush()
	})
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	queue := fs.String("queue", "", "Only count jobs on this queue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		stats, serr := deps.Manager.Stats(ctx, *queue)
		if serr != nil {
			return serr
		}
		tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
		total := 0
		for _, state := range model.AllJobStates {
			total += stats[state]
			if werr := writef(tw, "%s\t%d\n", state, stats[state]); werr != nil {
				return werr
			}
		}
		if werr := writef(tw, "total\t%d\n", total); werr != nil {
			return werr
		}
		return tw.Flush()
	})
}

type closeOptions struct {
	State model.JobState
	ID    string
}

func parseCloseFlags(args []string) (closeOptions, error) {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := closeOptions{State: model.JobStateCanceled}
	fs.Func("state", "Final state: canceled (default), finished, failed or terminated", func(v string) error {
		return opts.State.UnmarshalText([]byte(v))
	})
	if err := fs.Parse(args); err != nil {
		return closeOptions{}, err
	}
	if !opts.State.IsFinal() {
		return closeOptions{}, fmt.Errorf("--state %q is not a final state", opts.State)
	}
	if fs.NArg() != 1 {
		return closeOptions{}, errors.New("close requires exactly one job id")
	}
	opts.ID = fs.Arg(0)
	return opts, nil
}

func runClose(cmdCtx *commandContext, args []string) error {
	opts, err := parseCloseFlags(args)
	if err != nil {
		return err
	}

	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		job, gerr := deps.Store.GetByID(ctx, opts.ID)
		if gerr != nil {
			return gerr
		}
		if cerr := deps.Manager.CloseJob(ctx, job, opts.State); cerr != nil {
			return fmt.Errorf("close job %s: %w", job.ID, cerr)
		}
		return writef(cmdCtx.Out, "%s\t%s\n", job.ID, job.State())
	})
}

func runWatchdogOnce(cmdCtx *commandContext, _ []string) error {
	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		svc, err := service.NewWatchdogService(service.WatchdogServiceOptions{
			Repo:   deps.Watchdog,
			Closer: deps.Manager,
			Config: cmdCtx.Config.Watchdog,
			Logger: cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		if rerr := svc.RunOnce(ctx); rerr != nil {
			return rerr
		}
		return writeln(cmdCtx.Out, "watchdog pass complete")
	})
}

func runDetached(cmdCtx *commandContext, _ []string) error {
	return withJobs(cmdCtx, func(ctx context.Context, deps *jobDeps) error {
		ids, err := deps.Detached.IDs(ctx)
		if err != nil {
			return fmt.Errorf("read detached jobs: %w", err)
		}
		if len(ids) == 0 {
			return writeln(cmdCtx.Out, "(no detached jobs)")
		}
		for _, id := range ids {
			if werr := writeln(cmdCtx.Out, id); werr != nil {
				return werr
			}
		}
		return nil
	})
}
