// Package run drives one invocation: provision credentials, assemble the task, launch it,
// fetch its metrics, and sweep every visible cluster on the way out.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/config"
	"github.com/guseggert/clusterrun/credentials"
	"github.com/guseggert/clusterrun/metrics"
	"github.com/guseggert/clusterrun/task"
	"github.com/guseggert/clusterrun/teardown"
	"go.uber.org/zap"
)

// Invocation is a single run. It is not reusable.
type Invocation struct {
	Config      *config.Config
	Provisioner *credentials.Provisioner
	Launcher    *cluster.Launcher
	Fetcher     *metrics.Fetcher
	Teardown    *teardown.Coordinator
	Log         *zap.SugaredLogger

	// Task overrides loading Config.TaskFile.
	Task *task.Document
	// OnPhase is called on every phase transition.
	OnPhase func(Phase)

	mut   sync.Mutex
	phase Phase
}

// New wires an invocation to backend using the defaults for every component.
func New(cfg *config.Config, backend cluster.Backend, log *zap.SugaredLogger) (*Invocation, error) {
	prov, err := credentials.NewProvisioner(log)
	if err != nil {
		return nil, err
	}
	fetcher, err := NewFetcher(cfg, log)
	if err != nil {
		return nil, err
	}
	launcher := cluster.NewLauncher(backend, log)
	launcher.IdleMinutesToAutostop = cfg.IdleMinutes

	return &Invocation{
		Config:      cfg,
		Provisioner: prov,
		Launcher:    launcher,
		Fetcher:     fetcher,
		Teardown:    teardown.NewCoordinator(backend, log).WithTimeout(cfg.TeardownTimeout),
		Log:         log.Named("run"),
	}, nil
}

// NewFetcher returns a metrics fetcher for the configured results store.
// s3:// locations are read through the S3-compatible endpoint when one is configured, and from AWS otherwise.
func NewFetcher(cfg *config.Config, log *zap.SugaredLogger) (*metrics.Fetcher, error) {
	f := metrics.NewFetcher(log)
	if cfg.ResultsS3Endpoint != "" {
		store, err := metrics.NewMinIOStore(metrics.MinIOConfig{
			Endpoint:  cfg.ResultsS3Endpoint,
			AccessKey: cfg.Secrets[credentials.AWSAccessKeyIDVar],
			SecretKey: cfg.Secrets[credentials.AWSSecretAccessKeyVar],
		})
		if err != nil {
			return nil, fmt.Errorf("creating results store: %w", err)
		}
		return f.WithStore("s3", store), nil
	}
	store, err := metrics.NewS3Store()
	if err != nil {
		return nil, fmt.Errorf("creating results store: %w", err)
	}
	return f.WithStore("s3", store), nil
}

func (inv *Invocation) Phase() Phase {
	inv.mut.Lock()
	defer inv.mut.Unlock()
	return inv.phase
}

func (inv *Invocation) transition(to Phase) {
	inv.mut.Lock()
	from := inv.phase
	inv.phase = to
	inv.mut.Unlock()

	inv.Log.Debugw("phase transition", "from", from.String(), "to", to.String())
	if inv.OnPhase != nil {
		inv.OnPhase(to)
	}
}

// Run executes the invocation and returns the run's metrics.
// Every visible cluster is swept before Run returns, and errors other than teardown failures
// are returned unmodified, so callers can inspect them with errors.As.
func (inv *Invocation) Run(ctx context.Context) (map[string]any, error) {
	cfg := inv.Config

	inv.transition(Classifying)
	inv.Log.Infow("classified deployment environment", "environment", cfg.Environment.String(), "runID", cfg.RunID)

	result, err := inv.Teardown.Run(ctx, func(ctx context.Context) (map[string]any, error) {
		defer inv.transition(TearingDown)
		return inv.body(ctx)
	})
	inv.transition(Done)

	if err != nil {
		inv.Log.Errorw("invocation failed", "runID", cfg.RunID, "error", err)
	} else {
		inv.Log.Infow("invocation succeeded", "runID", cfg.RunID)
	}
	return result, err
}

func (inv *Invocation) body(ctx context.Context) (map[string]any, error) {
	cfg := inv.Config

	inv.transition(ProvisioningCredentials)
	if _, err := inv.Provisioner.Provision(cfg.Environment, cfg.Secrets); err != nil {
		return nil, err
	}

	inv.transition(AssemblingSpec)
	spec, err := inv.assemble()
	if err != nil {
		return nil, err
	}

	inv.transition(Launching)
	name := cfg.Cluster()
	inv.Log.Infow("using cluster", "cluster", name, "task", spec.Name)
	launchErr := inv.Launcher.Launch(ctx, spec, name, cfg.LaunchMode())

	var le *cluster.LaunchError
	switch {
	case errors.As(launchErr, &le):
		inv.transition(LaunchFailed)
		return nil, launchErr
	case launchErr != nil:
		inv.transition(TaskFailed)
	default:
		inv.transition(LaunchSucceeded)
	}

	inv.transition(FetchingMetrics)
	if cfg.ResultsBucket == "" {
		inv.Log.Warnw("no results bucket configured, skipping metrics", "runID", cfg.RunID)
		return map[string]any{}, launchErr
	}
	m, err := inv.Fetcher.Fetch(ctx, cfg.ResultsBucket, cfg.RunID)
	if launchErr != nil {
		// metrics are best-effort once the task has failed
		if err != nil {
			inv.Log.Infow("no metrics from failed task", "runID", cfg.RunID, "error", err)
		}
		return m, launchErr
	}
	return m, err
}

func (inv *Invocation) assemble() (*task.Spec, error) {
	doc := inv.Task
	if doc == nil {
		if inv.Config.TaskFile == "" {
			return nil, &task.ConfigError{Err: errors.New("no task file configured")}
		}
		var err error
		doc, err = task.Load(inv.Config.TaskFile)
		if err != nil {
			return nil, err
		}
	}
	return task.Assemble(doc, inv.Config.Overrides(), task.RunContext{
		RunID:         inv.Config.RunID,
		ResultsBucket: inv.Config.ResultsBucket,
	})
}
