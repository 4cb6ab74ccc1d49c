package cluster

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/guseggert/clusterrun/task"
	"go.uber.org/zap"
)

// DefaultIdleMinutesToAutostop is used when a Launcher has no autostop configured.
const DefaultIdleMinutesToAutostop = 10

// Launcher submits tasks to a Backend.
type Launcher struct {
	Backend Backend
	Log     *zap.SugaredLogger

	IdleMinutesToAutostop int
	Stdout                io.Writer
	Stderr                io.Writer
}

func NewLauncher(b Backend, log *zap.SugaredLogger) *Launcher {
	return &Launcher{
		Backend:               b,
		Log:                   log.Named("launcher"),
		IdleMinutesToAutostop: DefaultIdleMinutesToAutostop,
		Stdout:                os.Stdout,
		Stderr:                os.Stderr,
	}
}

// Launch runs spec on the named cluster and blocks until the task exits.
// The returned error is always a *LaunchError or a *TaskExecutionError.
func (l *Launcher) Launch(ctx context.Context, spec *task.Spec, name string, mode LaunchMode) error {
	if err := ValidateName(name); err != nil {
		return &LaunchError{Cluster: name, Err: err}
	}
	idle := l.IdleMinutesToAutostop
	if idle <= 0 {
		idle = DefaultIdleMinutesToAutostop
	}
	if spec.Resources.UseSpot {
		mode = ManagedSpot
	}

	l.Log.Infow("launching task", "cluster", name, "task", spec.Name, "mode", mode.String(), "idleMinutesToAutostop", idle)
	start := time.Now()

	err := l.Backend.Launch(ctx, LaunchRequest{
		Cluster:               name,
		Task:                  spec,
		Mode:                  mode,
		IdleMinutesToAutostop: idle,
		Stdout:                l.Stdout,
		Stderr:                l.Stderr,
	})
	if err == nil {
		l.Log.Infow("task completed", "cluster", name, "duration", time.Since(start))
		return nil
	}

	var launchErr *LaunchError
	var execErr *TaskExecutionError
	switch {
	case errors.As(err, &launchErr), errors.As(err, &execErr):
	default:
		err = &LaunchError{Cluster: name, Err: err}
	}
	l.Log.Errorw("task failed", "cluster", name, "duration", time.Since(start), "error", err)
	return err
}
