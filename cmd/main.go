package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ksred/schemaflow/internal/app"
	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/mcp"
	"github.com/ksred/schemaflow/internal/migrations"
	"github.com/ksred/schemaflow/internal/services"
	"github.com/ksred/schemaflow/internal/utils"
)

const version = "v0.1.0"

const usage = `usage: schemaflow [flags] <command>

commands:
  detect     show the migrations the declared models call for
  write      write those migrations as definition files
  plan       preview the steps toward -target
  migrate    apply or unapply migrations up to -target
  status     list applied and pending migrations per app
  serve-mcp  serve the inspection tools over MCP on stdio

flags:
`

// errFailed marks a run whose outcome was already reported
var errFailed = errors.New("command failed")

type options struct {
	configPath string
	app        string
	target     string
	fake       bool
	planOnly   bool
	offline    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "schemaflow: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("schemaflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.app, "app", "", "Restrict the target to one app")
	fs.StringVar(&opts.target, "target", "", "Target: zero, latest, a migration name, or app.name")
	fs.BoolVar(&opts.fake, "fake", false, "Record migrations as applied without running their SQL")
	fs.BoolVar(&opts.planOnly, "plan-only", false, "Print the SQL migrate would run and stop")
	fs.BoolVar(&opts.offline, "offline", false, "Do not connect; history reads as empty")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected exactly one command")
	}
	command := fs.Arg(0)

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg, stderr)
	logger.Debug().Str("version", version).Str("command", command).Msg("Starting schemaflow")

	if command == "migrate" && opts.offline && !opts.planOnly {
		return fmt.Errorf("migrate needs a database; use -plan-only with -offline")
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Offline: opts.offline})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close database connection")
		}
	}()

	target := services.ResolveTarget(opts.app, opts.target)
	switch command {
	case "detect":
		return detect(ctx, a, stdout)
	case "write":
		return write(ctx, a, stdout)
	case "plan":
		return plan(ctx, a, target, stdout)
	case "migrate":
		return migrate(ctx, a, target, migrations.Options{Fake: opts.fake, PlanOnly: opts.planOnly}, stdout)
	case "status":
		return status(ctx, a, stdout)
	case "serve-mcp":
		return serveMCP(ctx, a, logger)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// setupLogging sends logs to stderr, or LOG_FILE when set, so stdout stays
// free for command output and the MCP stdio transport
func setupLogging(cfg *config.Config, stderr io.Writer) zerolog.Logger {
	logConfig := utils.ConfigFor(cfg.Server.LogLevel, cfg.Server.Debug)
	logConfig.LogFile = os.Getenv("LOG_FILE")
	if logConfig.LogFile == "" {
		logConfig.Output = stderr
	}
	utils.SetupGlobalLogger(logConfig)
	return utils.NewLogger(logConfig)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireModels(a *app.App) error {
	if !a.ModelsLoaded {
		return fmt.Errorf("no models file at %q; detection would drop every model", a.Config.Migrations.ModelsFile)
	}
	return nil
}

func detect(ctx context.Context, a *app.App, stdout io.Writer) error {
	if err := requireModels(a); err != nil {
		return err
	}
	changes, err := a.Service.DetectChanges(ctx)
	if err != nil {
		return err
	}
	return printJSON(stdout, services.NewChangesView(changes))
}

func write(ctx context.Context, a *app.App, stdout io.Writer) error {
	if err := requireModels(a); err != nil {
		return err
	}
	paths, changes, err := a.Service.WriteMigration(ctx)
	for _, p := range paths {
		fmt.Fprintf(stdout, "wrote %s\n", p)
	}
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintln(stdout, "no changes detected")
	}
	for _, r := range changes.Detected.Reviews {
		fmt.Fprintf(stdout, "review: %s\n", r)
	}
	return nil
}

func plan(ctx context.Context, a *app.App, target string, stdout io.Writer) error {
	p, err := a.Service.BuildPlan(ctx, target)
	if err != nil {
		return err
	}
	return printJSON(stdout, services.NewPlanView(p))
}

func migrate(ctx context.Context, a *app.App, target string, opts migrations.Options, stdout io.Writer) error {
	result, err := a.Service.Execute(ctx, target, opts)
	if result != nil {
		if perr := printJSON(stdout, result); perr != nil {
			return perr
		}
	}
	if err != nil {
		if result != nil && result.Failed != nil {
			a.Logger.Error().
				Err(err).
				Str("migration", result.Failed.Key.String()).
				Int("remaining", len(result.Remaining)).
				Msg("Migration failed")
			return errFailed
		}
		return err
	}
	return nil
}

func status(ctx context.Context, a *app.App, stdout io.Writer) error {
	st, err := a.Service.Status(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, st); err != nil {
		return err
	}
	if st.Inconsistency != "" {
		return errors.New(st.Inconsistency)
	}
	return nil
}

func serveMCP(ctx context.Context, a *app.App, logger zerolog.Logger) error {
	server, err := mcp.NewServer(a.Service, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
		return nil
	case err := <-errCh:
		return err
	}
}
