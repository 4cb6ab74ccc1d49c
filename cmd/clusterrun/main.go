package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/config"
	"github.com/guseggert/clusterrun/run"
	"github.com/guseggert/clusterrun/task"
	"github.com/guseggert/clusterrun/teardown"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	backendFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "backend",
			Usage: "Cluster backend. One of [aws,docker,local].",
		},
	}

	return &cli.App{
		Name:  "clusterrun",
		Usage: "run a task on an ephemeral cluster and tear down every cluster afterwards",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level.",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a task, print its metrics as JSON, and tear down all clusters",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "task",
						Usage: fmt.Sprintf("Path to the task definition. Defaults to $%s, then the nearest %s.", config.TaskFileVar, task.DefaultFileName),
					},
					&cli.StringFlag{
						Name:  "run-id",
						Usage: fmt.Sprintf("Run ID. Defaults to $%s, then a random UUID.", config.RunIDVar),
					},
					&cli.StringFlag{
						Name:  "cluster-name",
						Usage: "Cluster name. Defaults to a name derived from the run ID.",
					},
					&cli.StringFlag{
						Name:  "results-bucket",
						Usage: fmt.Sprintf("Results location. Defaults to $%s.", config.ResultsBucketVar),
					},
					&cli.BoolFlag{
						Name:  "spot",
						Usage: "Launch as a managed spot job.",
					},
					&cli.IntFlag{
						Name:  "max-steps",
						Usage: "Number of training steps, passed to the task as MAX_STEPS.",
					},
				}, backendFlags...),
				Action: runCommand,
			},
			{
				Name:   "status",
				Usage:  "list every cluster visible to the backend",
				Flags:  backendFlags,
				Action: statusCommand,
			},
			{
				Name:      "down",
				Usage:     "tear down the named clusters, or all of them with --all",
				ArgsUsage: "[cluster...]",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Tear down every visible cluster.",
					},
				}, backendFlags...),
				Action: downCommand,
			},
		},
	}
}

func newLogger(c *cli.Context) (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// setup reads the config from the environment, applies flag overrides, and builds the backend.
func setup(c *cli.Context) (*config.Config, cluster.Backend, *zap.SugaredLogger, error) {
	log, err := newLogger(c)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.FromEnv(config.Environ(os.Environ()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
		if err := cfg.Validate(); err != nil {
			return nil, nil, nil, err
		}
	}
	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, backend, log, nil
}

func runCommand(c *cli.Context) error {
	cfg, backend, log, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if c.IsSet("run-id") {
		cfg.RunID = c.String("run-id")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if c.IsSet("cluster-name") {
		cfg.ClusterName = c.String("cluster-name")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if c.IsSet("results-bucket") {
		cfg.ResultsBucket = c.String("results-bucket")
	}
	if c.IsSet("spot") {
		cfg.SpotLaunch = c.Bool("spot")
	}
	if c.IsSet("max-steps") {
		if c.Int("max-steps") <= 0 {
			return fmt.Errorf("--max-steps must be positive")
		}
		cfg.MaxSteps = c.Int("max-steps")
	}
	if c.IsSet("task") {
		cfg.TaskFile = c.String("task")
	}
	if cfg.TaskFile == "" {
		p, err := task.Find("", task.DefaultFileName)
		if err != nil {
			return err
		}
		cfg.TaskFile = p
	}

	inv, err := run.New(cfg, backend, log)
	if err != nil {
		return err
	}
	// stdout is reserved for the metrics
	inv.Launcher.Stdout = os.Stderr

	result, err := inv.Run(c.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func statusCommand(c *cli.Context) error {
	_, backend, _, err := setup(c)
	if err != nil {
		return err
	}
	handles, err := backend.Status(c.Context)
	if err != nil {
		return fmt.Errorf("listing clusters: %w", err)
	}
	for _, h := range handles {
		fmt.Fprintf(c.App.Writer, "%s\t%s\n", h.Name, h.State)
	}
	return nil
}

func downCommand(c *cli.Context) error {
	cfg, backend, log, err := setup(c)
	if err != nil {
		return err
	}
	if c.Bool("all") {
		if c.Args().Present() {
			return fmt.Errorf("--all does not take cluster names")
		}
		report := teardown.NewCoordinator(backend, log).WithTimeout(cfg.TeardownTimeout).Sweep(c.Context)
		if report.ListErr != nil {
			return report.ListErr
		}
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d clusters failed to tear down", len(failed), len(report.Results))
		}
		return nil
	}
	if !c.Args().Present() {
		return fmt.Errorf("name at least one cluster or pass --all")
	}
	names := c.Args().Slice()
	for _, name := range names {
		if err := cluster.ValidateName(name); err != nil {
			return err
		}
	}
	for _, name := range names {
		if err := backend.Down(c.Context, name); err != nil {
			return fmt.Errorf("tearing down %q: %w", name, err)
		}
		log.Infow("cluster torn down", "cluster", name)
	}
	return nil
}
