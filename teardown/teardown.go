// Package teardown sweeps every cluster a backend can see once an invocation finishes.
package teardown

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/clusterrun/cluster"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Minute

// Error is a failure to take down one cluster. It never replaces the error of the wrapped body.
type Error struct {
	Cluster string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tearing down cluster %q: %s", e.Cluster, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the outcome of taking down one cluster. Err is nil on success.
type Result struct {
	Cluster string
	State   cluster.State
	Err     *Error
}

type Report struct {
	Results []Result
	// ListErr is set when the clusters could not be listed, in which case Results is empty.
	ListErr error
}

// Failed returns the per-cluster failures.
func (r Report) Failed() []*Error {
	var errs []*Error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

// Coordinator wraps an invocation in a scope that sweeps every visible cluster on exit.
type Coordinator struct {
	Backend cluster.Backend
	Log     *zap.SugaredLogger
	// Timeout bounds a sweep, which runs even if the invocation's context is canceled.
	Timeout time.Duration
	// OnSweep is called with the report of every sweep.
	OnSweep func(Report)
}

func NewCoordinator(b cluster.Backend, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		Backend: b,
		Log:     log.Named("teardown"),
		Timeout: DefaultTimeout,
	}
}

func (c *Coordinator) WithTimeout(d time.Duration) *Coordinator {
	c.Timeout = d
	return c
}

// Sweep lists every cluster visible to the backend and takes each one down.
// Failures are recorded in the report and do not stop the sweep.
func (c *Coordinator) Sweep(ctx context.Context) Report {
	var report Report
	handles, err := c.Backend.Status(ctx)
	if err != nil {
		c.Log.Errorw("listing clusters for teardown", "error", err)
		report.ListErr = fmt.Errorf("listing clusters: %w", err)
		return report
	}
	c.Log.Infow("sweeping clusters", "count", len(handles))

	for _, h := range handles {
		res := Result{Cluster: h.Name, State: h.State}
		if err := c.Backend.Down(ctx, h.Name); err != nil {
			res.Err = &Error{Cluster: h.Name, Err: err}
			c.Log.Errorw("cluster teardown failed", "cluster", h.Name, "state", h.State.String(), "error", err)
		} else {
			c.Log.Infow("cluster torn down", "cluster", h.Name, "state", h.State.String())
		}
		report.Results = append(report.Results, res)
	}
	return report
}

// Run runs body and then sweeps exactly once, whether body returns, fails, panics, or ctx is canceled.
// The sweep uses a context detached from ctx's cancellation. Body's result and error are returned unmodified.
func (c *Coordinator) Run(ctx context.Context, body func(context.Context) (map[string]any, error)) (result map[string]any, err error) {
	defer func() {
		r := recover()
		if r != nil {
			c.Log.Errorw("invocation panicked, sweeping before re-panicking", "panic", r)
		}
		c.sweepDetached(ctx)
		if r != nil {
			panic(r)
		}
	}()
	return body(ctx)
}

func (c *Coordinator) sweepDetached(ctx context.Context) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	report := c.Sweep(sweepCtx)
	c.Log.Infow("teardown complete", "clusters", len(report.Results), "failed", len(report.Failed()), "duration", time.Since(start))
	if c.OnSweep != nil {
		c.OnSweep(report)
	}
}
