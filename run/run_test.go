package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/cluster/fake"
	"github.com/guseggert/clusterrun/cluster/local"
	"github.com/guseggert/clusterrun/config"
	"github.com/guseggert/clusterrun/credentials"
	"github.com/guseggert/clusterrun/metrics"
	"github.com/guseggert/clusterrun/task"
	"github.com/guseggert/clusterrun/teardown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const writeMetricsTask = `
name: finetune
envs:
  MAX_STEPS: "1"
run: |
  mkdir -p "$RESULTS_BUCKET/$RUN_ID"
  echo "{\"loss\": 0.5, \"steps\": $MAX_STEPS}" > "$RESULTS_BUCKET/$RUN_ID/train_results.json"
`

type harness struct {
	inv     *Invocation
	home    string
	results string
	logs    *observer.ObservedLogs

	mut    sync.Mutex
	phases []Phase
	sweeps []teardown.Report
}

func (h *harness) Phases() []Phase {
	h.mut.Lock()
	defer h.mut.Unlock()
	return append([]Phase(nil), h.phases...)
}

func prodEnv() map[string]string {
	return map[string]string{
		"DAGSTER_CLOUD_DEPLOYMENT_NAME":   "prod",
		credentials.AWSAccessKeyIDVar:     "AKIDPROD",
		credentials.AWSSecretAccessKeyVar: "prodsecret",
		credentials.LambdaAPIKeyVar:       "lambdaprod",
	}
}

func newHarness(t *testing.T, env map[string]string, backend cluster.Backend, taskYAML string) *harness {
	h := &harness{home: t.TempDir(), results: t.TempDir()}

	full := map[string]string{
		config.RunIDVar:         "3b2f9c1e-run",
		config.ResultsBucketVar: h.results,
	}
	for k, v := range env {
		full[k] = v
	}
	cfg, err := config.FromEnv(full)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	log := zap.New(core).Sugar()

	workdir := t.TempDir()
	doc, err := task.Parse([]byte(taskYAML), workdir)
	require.NoError(t, err)

	launcher := cluster.NewLauncher(backend, log)
	launcher.IdleMinutesToAutostop = cfg.IdleMinutes
	launcher.Stdout = io.Discard
	launcher.Stderr = io.Discard

	coord := teardown.NewCoordinator(backend, log).WithTimeout(cfg.TeardownTimeout)
	coord.OnSweep = func(r teardown.Report) {
		h.mut.Lock()
		defer h.mut.Unlock()
		h.sweeps = append(h.sweeps, r)
	}

	h.inv = &Invocation{
		Config:      cfg,
		Provisioner: &credentials.Provisioner{Home: h.home, Providers: credentials.DefaultProviders, Log: log.Named("credentials")},
		Launcher:    launcher,
		Fetcher:     metrics.NewFetcher(log),
		Teardown:    coord,
		Log:         log.Named("run"),
		Task:        doc,
		OnPhase: func(p Phase) {
			h.mut.Lock()
			defer h.mut.Unlock()
			h.phases = append(h.phases, p)
		},
	}
	return h
}

func newLocalBackend(t *testing.T) *local.Cluster {
	c, err := local.NewCluster(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

// writeMetrics returns a fake launch that writes the metrics artifact like a real workload would.
func writeMetrics(content string) func(context.Context, cluster.LaunchRequest) error {
	return func(ctx context.Context, req cluster.LaunchRequest) error {
		dir := filepath.Join(req.Task.Envs[task.ResultsBucketEnv], req.Task.Envs[task.RunIDEnv])
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, metrics.DefaultFilename), []byte(content), 0644)
	}
}

func TestLocalEnvironmentSucceeds(t *testing.T) {
	backend := newLocalBackend(t)
	h := newHarness(t, map[string]string{
		credentials.AWSAccessKeyIDVar:     "AKIDLOCAL",
		credentials.AWSSecretAccessKeyVar: "localsecret",
	}, backend, writeMetricsTask)

	awsPath := filepath.Join(h.home, ".aws", "credentials")
	require.NoError(t, os.MkdirAll(filepath.Dir(awsPath), 0700))
	require.NoError(t, os.WriteFile(awsPath, []byte("[default]\naws_access_key_id = mine\n"), 0600))

	result, err := h.inv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"loss": 0.5, "steps": float64(10)}, result)

	b, err := os.ReadFile(awsPath)
	require.NoError(t, err)
	assert.Equal(t, "[default]\naws_access_key_id = mine\n", string(b))
	assert.NoFileExists(t, filepath.Join(h.home, ".lambda_cloud", "lambda_keys"))

	handles, err := backend.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)

	assert.Equal(t, []Phase{
		Classifying, ProvisioningCredentials, AssemblingSpec, Launching,
		LaunchSucceeded, FetchingMetrics, TearingDown, Done,
	}, h.Phases())

	classified := h.logs.FilterMessage("classified deployment environment").All()
	require.Len(t, classified, 1)
	assert.Equal(t, "LOCAL", classified[0].ContextMap()["environment"])
	tornDown := h.logs.FilterMessage("cluster torn down").All()
	require.Len(t, tornDown, 1)
	assert.Equal(t, "run-3b2f9c1e-run", tornDown[0].ContextMap()["cluster"])
}

func TestProdTaskFailureStillSweeps(t *testing.T) {
	backend := fake.New(cluster.Handle{Name: "orphan", State: cluster.Running})
	backend.LaunchFunc = func(ctx context.Context, req cluster.LaunchRequest) error {
		return &cluster.TaskExecutionError{Cluster: req.Cluster, ExitCode: 3}
	}
	h := newHarness(t, prodEnv(), backend, writeMetricsTask)

	_, err := h.inv.Run(context.Background())

	var execErr *cluster.TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)

	b, err := os.ReadFile(filepath.Join(h.home, ".aws", "credentials"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "AKIDPROD")
	assert.Contains(t, string(b), "prodsecret")
	b, err = os.ReadFile(filepath.Join(h.home, ".lambda_cloud", "lambda_keys"))
	require.NoError(t, err)
	assert.Equal(t, "api_key = lambdaprod\n", string(b))

	assert.Equal(t, []string{"orphan", "run-3b2f9c1e-run"}, backend.Downs)
	assert.Empty(t, backend.Clusters())
	assert.Contains(t, h.Phases(), TaskFailed)
	assert.Contains(t, h.Phases(), FetchingMetrics)
}

func TestTaskFailureReturnsPartialMetrics(t *testing.T) {
	backend := fake.New()
	backend.LaunchFunc = func(ctx context.Context, req cluster.LaunchRequest) error {
		if err := writeMetrics(`{"loss": 9.5}`)(ctx, req); err != nil {
			return err
		}
		return &cluster.TaskExecutionError{Cluster: req.Cluster, ExitCode: 1}
	}
	h := newHarness(t, nil, backend, writeMetricsTask)

	result, err := h.inv.Run(context.Background())

	var execErr *cluster.TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, map[string]any{"loss": 9.5}, result)
}

func TestTeardownFailureDoesNotReplaceTaskError(t *testing.T) {
	backend := fake.New(cluster.Handle{Name: "stuck", State: cluster.Running}, cluster.Handle{Name: "zz-orphan", State: cluster.Running})
	backend.DownErrs = map[string]error{"stuck": errors.New("API throttled")}
	backend.LaunchFunc = func(ctx context.Context, req cluster.LaunchRequest) error {
		return &cluster.TaskExecutionError{Cluster: req.Cluster, ExitCode: 137}
	}
	h := newHarness(t, prodEnv(), backend, writeMetricsTask)

	_, err := h.inv.Run(context.Background())

	var execErr *cluster.TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	var tdErr *teardown.Error
	assert.False(t, errors.As(err, &tdErr))
	assert.Equal(t, []string{"run-3b2f9c1e-run", "stuck", "zz-orphan"}, backend.Downs)
	assert.Equal(t, []string{"stuck"}, backend.Clusters())

	require.Len(t, h.sweeps, 1)
	require.Len(t, h.sweeps[0].Failed(), 1)
	assert.Equal(t, "stuck", h.sweeps[0].Failed()[0].Cluster)
}

func TestProdMissingSecretSkipsProvider(t *testing.T) {
	env := prodEnv()
	delete(env, credentials.AWSAccessKeyIDVar)
	backend := fake.New()
	backend.LaunchFunc = writeMetrics(`{"loss": 1}`)
	h := newHarness(t, env, backend, writeMetricsTask)

	_, err := h.inv.Run(context.Background())
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(h.home, ".aws", "credentials"))
	assert.FileExists(t, filepath.Join(h.home, ".lambda_cloud", "lambda_keys"))
}

func TestSweepReclaimsOrphans(t *testing.T) {
	backend := fake.New(
		cluster.Handle{Name: "crashed-1", State: cluster.Running},
		cluster.Handle{Name: "crashed-2", State: cluster.Running},
	)
	backend.LaunchFunc = writeMetrics(`{"loss": 0.1}`)
	h := newHarness(t, prodEnv(), backend, writeMetricsTask)

	result, err := h.inv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"loss": 0.1}, result)

	assert.Equal(t, []string{"crashed-1", "crashed-2", "run-3b2f9c1e-run"}, backend.Downs)
	assert.Empty(t, backend.Clusters())
	require.Len(t, h.sweeps, 1)
	assert.Len(t, h.sweeps[0].Results, 3)
}

func TestMissingMetricsAfterTeardown(t *testing.T) {
	backend := newLocalBackend(t)
	h := newHarness(t, nil, backend, "name: noop\nrun: \"true\"\n")

	_, err := h.inv.Run(context.Background())

	var notFound *metrics.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, notFound.URI, filepath.Join("3b2f9c1e-run", metrics.DefaultFilename))

	require.Len(t, h.sweeps, 1)
	handles, err := backend.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)
	phases := h.Phases()
	assert.Equal(t, []Phase{TearingDown, Done}, phases[len(phases)-2:])
}

func TestLaunchFailureSkipsMetrics(t *testing.T) {
	backend := fake.New(cluster.Handle{Name: "orphan", State: cluster.Stopped})
	backend.LaunchFunc = func(ctx context.Context, req cluster.LaunchRequest) error {
		return &cluster.LaunchError{Cluster: req.Cluster, Err: errors.New("InsufficientInstanceCapacity")}
	}
	h := newHarness(t, nil, backend, writeMetricsTask)

	_, err := h.inv.Run(context.Background())

	var launchErr *cluster.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Contains(t, h.Phases(), LaunchFailed)
	assert.NotContains(t, h.Phases(), FetchingMetrics)
	assert.Contains(t, backend.Downs, "orphan")
}

func TestEarlyFailuresStillSweep(t *testing.T) {
	t.Run("config error", func(t *testing.T) {
		backend := fake.New(cluster.Handle{Name: "orphan", State: cluster.Running})
		h := newHarness(t, nil, backend, writeMetricsTask)
		h.inv.Task = nil
		h.inv.Config.TaskFile = filepath.Join(t.TempDir(), "missing.yaml")

		_, err := h.inv.Run(context.Background())

		var cfgErr *task.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Empty(t, backend.Launches)
		assert.Equal(t, 1, backend.StatusCalls)
		assert.Equal(t, []string{"orphan"}, backend.Downs)
	})

	t.Run("invalid task", func(t *testing.T) {
		backend := fake.New()
		h := newHarness(t, nil, backend, "name: no-run\n")

		_, err := h.inv.Run(context.Background())

		var cfgErr *task.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Empty(t, backend.Launches)
		assert.Equal(t, 1, backend.StatusCalls)
	})

	t.Run("credential error", func(t *testing.T) {
		backend := fake.New()
		h := newHarness(t, prodEnv(), backend, writeMetricsTask)
		home := filepath.Join(t.TempDir(), "home")
		require.NoError(t, os.WriteFile(home, []byte("not a dir"), 0644))
		h.inv.Provisioner.Home = home

		_, err := h.inv.Run(context.Background())

		var credErr *credentials.CredentialError
		require.ErrorAs(t, err, &credErr)
		assert.Empty(t, backend.Launches)
		assert.Equal(t, 1, backend.StatusCalls)
	})
}

func TestCanceledInvocationSweeps(t *testing.T) {
	backend := newLocalBackend(t)
	h := newHarness(t, nil, backend, "name: sleeper\nrun: sleep 60\n")
	ctx, cancel := context.WithCancel(context.Background())
	h.inv.OnPhase = func(p Phase) {
		if p == Launching {
			cancel()
		}
	}

	_, err := h.inv.Run(ctx)

	var execErr *cluster.TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, context.Canceled)
	handles, err := backend.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestLaunchRequest(t *testing.T) {
	backend := fake.New()
	backend.LaunchFunc = writeMetrics(`{}`)
	h := newHarness(t, map[string]string{
		config.SpotLaunchVar:  "true",
		config.MaxStepsVar:    "25",
		config.HFTokenVar:     "hf_token",
		config.IdleMinutesVar: "5",
	}, backend, writeMetricsTask)

	_, err := h.inv.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, backend.Launches, 1)
	req := backend.Launches[0]
	assert.Equal(t, "run-3b2f9c1e-run", req.Cluster)
	assert.Equal(t, cluster.ManagedSpot, req.Mode)
	assert.Equal(t, 5, req.IdleMinutesToAutostop)
	assert.Equal(t, map[string]string{
		"MAX_STEPS":      "25",
		"HF_TOKEN":       "hf_token",
		"DAGSTER_RUN_ID": "3b2f9c1e-run",
		"RUN_ID":         "3b2f9c1e-run",
		"RESULTS_BUCKET": h.results,
	}, req.Task.Envs)
}

func TestConcurrentInvocationsUseDistinctClusters(t *testing.T) {
	backend := fake.New()
	backend.LaunchFunc = writeMetrics(`{"ok": true}`)
	results := t.TempDir()

	var group errgroup.Group
	for i := 0; i < 5; i++ {
		runID := fmt.Sprintf("run-%d", i)
		h := newHarness(t, map[string]string{config.RunIDVar: runID, config.ResultsBucketVar: results}, backend, writeMetricsTask)
		group.Go(func() error {
			result, err := h.inv.Run(context.Background())
			if err != nil {
				return err
			}
			if result["ok"] != true {
				return fmt.Errorf("unexpected result for %s: %v", runID, result)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	names := map[string]bool{}
	for _, req := range backend.Launches {
		names[req.Cluster] = true
	}
	assert.Len(t, names, 5)
	assert.Empty(t, backend.Clusters())
}
