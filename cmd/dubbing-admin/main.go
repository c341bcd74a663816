package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/target/dubbing-api/config"
	"github.com/target/dubbing-api/internal/bootstrap"
	"github.com/target/dubbing-api/internal/domain/model"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
	In     io.Reader
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = time.Minute
	defaultListLimit        = 50
)

func main() {
	logger := bootstrap.InitLogger("info")

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger = bootstrap.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
		In:     os.Stdin,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		stop()
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"requeue": {
			name:        "requeue",
			description: "Put finished jobs back on the queue with a fresh attempt budget",
			run:         runRequeue,
		},
		"purge": {
			name:        "purge",
			description: "Delete finished jobs from the queue and the state store",
			run:         runPurge,
		},
		"stats": {
			name:        "stats",
			description: "Show task counts per status",
			run:         runStats,
		},
		"list": {
			name:        "list",
			description: "List tasks, newest first",
			run:         runList,
		},
		"show": {
			name:        "show",
			description: "Print a job's state and recent logs",
			run:         runShow,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: dubbing-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	names := make([]string, 0, len(commands()))
	for name := range commands() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-10s %s\n", name, commands()[name].description); err != nil {
			return err
		}
	}
	return nil
}

type migrateOptions struct {
	Timeout time.Duration
}

type requeueOptions struct {
	JobIDs    []string
	AllFailed bool
	Limit     int
	DryRun    bool
}

type purgeOptions struct {
	JobIDs []string
	DryRun bool
	Yes    bool
}

type listOptions struct {
	Status *model.TaskStatus
	Since  time.Duration
	Limit  int
	Offset int
	JSON   bool
}

type showOptions struct {
	JobID string
	Logs  int
	JSON  bool
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	opts := migrateOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "maximum time to wait for migrations")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.Timeout <= 0 {
		return opts, errors.New("timeout must be positive")
	}
	return opts, nil
}

func parseRequeueFlags(args []string) (requeueOptions, error) {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	opts := requeueOptions{}
	fs.BoolVar(&opts.AllFailed, "all-failed", false, "requeue every failed task")
	fs.IntVar(&opts.Limit, "limit", 100, "maximum failed tasks to requeue with -all-failed")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "print what would be requeued")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.JobIDs = normalizeIDs(fs.Args())
	switch {
	case opts.AllFailed && len(opts.JobIDs) > 0:
		return opts, errors.New("pass job ids or -all-failed, not both")
	case !opts.AllFailed && len(opts.JobIDs) == 0:
		return opts, errors.New("at least one job id is required")
	case opts.Limit < 1:
		return opts, errors.New("limit must be at least 1")
	}
	return opts, nil
}

func parsePurgeFlags(args []string) (purgeOptions, error) {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	opts := purgeOptions{}
	fs.BoolVar(&opts.DryRun, "dry-run", false, "print what would be purged")
	fs.BoolVar(&opts.Yes, "yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.JobIDs = normalizeIDs(fs.Args())
	if len(opts.JobIDs) == 0 {
		return opts, errors.New("at least one job id is required")
	}
	return opts, nil
}

func parseListFlags(args []string) (listOptions, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	opts := listOptions{}
	var status string
	fs.StringVar(&status, "status", "", "filter by status (pending, running, completed, failed)")
	fs.DurationVar(&opts.Since, "since", 0, "only tasks created within this window (e.g. 24h)")
	fs.IntVar(&opts.Limit, "limit", defaultListLimit, "maximum rows")
	fs.IntVar(&opts.Offset, "offset", 0, "rows to skip")
	fs.BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if status != "" {
		st := model.TaskStatus(strings.ToLower(strings.TrimSpace(status)))
		if !st.Valid() {
			return opts, fmt.Errorf("invalid status %q", status)
		}
		opts.Status = &st
	}
	if opts.Limit < 1 || opts.Limit > 1000 {
		return opts, errors.New("limit must be between 1 and 1000")
	}
	if opts.Offset < 0 {
		return opts, errors.New("offset must be >= 0")
	}
	if opts.Since < 0 {
		return opts, errors.New("since must be positive")
	}
	return opts, nil
}

func parseShowFlags(args []string) (showOptions, error) {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	opts := showOptions{}
	fs.IntVar(&opts.Logs, "logs", 20, "number of recent log lines")
	fs.BoolVar(&opts.JSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	ids := normalizeIDs(fs.Args())
	if len(ids) != 1 {
		return opts, errors.New("exactly one job id is required")
	}
	opts.JobID = ids[0]
	if opts.Logs < 0 {
		return opts, errors.New("logs must be >= 0")
	}
	return opts, nil
}

func normalizeIDs(args []string) []string {
	seen := make(map[string]struct{}, len(args))
	out := make([]string, 0, len(args))
	for _, a := range args {
		id := strings.TrimSpace(a)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")
	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}
	return writeln(cmdCtx.Out, "Migrations applied.")
}

func runRequeue(cmdCtx *commandContext, args []string) error {
	opts, err := parseRequeueFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svc *bootstrap.ServiceContainer) error {
		ids := opts.JobIDs
		if opts.AllFailed {
			ids, err = failedTaskIDs(ctx, svc, opts.Limit)
			if err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			return writeln(cmdCtx.Out, "Nothing to requeue.")
		}
		if opts.DryRun {
			return writef(cmdCtx.Out, "Would requeue %d job(s): %s\n", len(ids), strings.Join(ids, ", "))
		}

		var errs []error
		requeued := 0
		for _, id := range ids {
			if err := svc.Jobs.Retry(ctx, id); err != nil {
				errs = append(errs, err)
				if werr := writef(cmdCtx.Out, "  %s: %v\n", id, err); werr != nil {
					return werr
				}
				continue
			}
			requeued++
			if werr := writef(cmdCtx.Out, "  %s: requeued\n", id); werr != nil {
				return werr
			}
		}
		if err := writef(cmdCtx.Out, "Requeued %d of %d job(s).\n", requeued, len(ids)); err != nil {
			return err
		}
		return errors.Join(errs...)
	})
}

func failedTaskIDs(ctx context.Context, svc *bootstrap.ServiceContainer, limit int) ([]string, error) {
	failed := model.TaskStatusFailed
	tasks, err := svc.Tasks.List(ctx, &model.TaskListOptions{Status: &failed, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func runPurge(cmdCtx *commandContext, args []string) error {
	opts, err := parsePurgeFlags(args)
	if err != nil {
		return err
	}
	if opts.DryRun {
		return writef(cmdCtx.Out, "Would purge %d job(s): %s\n", len(opts.JobIDs), strings.Join(opts.JobIDs, ", "))
	}
	if !opts.Yes {
		prompt := fmt.Sprintf("About to delete %d job(s) and their state.", len(opts.JobIDs))
		if err := confirm(cmdCtx.In, cmdCtx.Out, prompt); err != nil {
			return err
		}
	}
	return withServices(cmdCtx, func(ctx context.Context, svc *bootstrap.ServiceContainer) error {
		var errs []error
		for _, id := range opts.JobIDs {
			if err := svc.Jobs.Purge(ctx, id); err != nil {
				errs = append(errs, err)
				if werr := writef(cmdCtx.Out, "  %s: %v\n", id, err); werr != nil {
					return werr
				}
				continue
			}
			if werr := writef(cmdCtx.Out, "  %s: purged\n", id); werr != nil {
				return werr
			}
		}
		return errors.Join(errs...)
	})
}

func runStats(cmdCtx *commandContext, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("stats takes no arguments, got %q", args)
	}
	return withServices(cmdCtx, func(ctx context.Context, svc *bootstrap.ServiceContainer) error {
		stats, err := svc.Tasks.Stats(ctx, model.TaskTypeTranslateVideo)
		if err != nil {
			return fmt.Errorf("task stats: %w", err)
		}
		return renderStats(cmdCtx.Out, stats)
	})
}

func runList(cmdCtx *commandContext, args []string) error {
	opts, err := parseListFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svc *bootstrap.ServiceContainer) error {
		listOpts := &model.TaskListOptions{
			Status: opts.Status,
			Limit:  opts.Limit,
			Offset: opts.Offset,
		}
		if opts.Since > 0 {
			after := time.Now().Add(-opts.Since)
			listOpts.CreatedAfter = &after
		}
		tasks, err := svc.Tasks.List(ctx, listOpts)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if opts.JSON {
			return writeJSON(cmdCtx.Out, tasks)
		}
		return renderTaskTable(cmdCtx.Out, tasks)
	})
}

func runShow(cmdCtx *commandContext, args []string) error {
	opts, err := parseShowFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svc *bootstrap.ServiceContainer) error {
		details, err := svc.Jobs.Get(ctx, opts.JobID, max(opts.Logs, 1))
		if err != nil {
			return err
		}
		if opts.Logs == 0 {
			details.Logs = nil
		}
		if opts.JSON {
			return writeJSON(cmdCtx.Out, details)
		}
		return renderJob(cmdCtx.Out, details)
	})
}

// confirm asks for a y/yes answer on in and fails otherwise.
func confirm(in io.Reader, out io.Writer, prompt string) error {
	if err := writef(out, "%s\nContinue? [y/N]: ", prompt); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}
