package cluster

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/guseggert/clusterrun/task"
)

// Backend allocates, runs, and destroys remote clusters.
// A backend's namespace is shared: Status returns clusters created by any invocation.
type Backend interface {
	// Launch provisions the cluster and runs the task on it, blocking until the task's process exits.
	Launch(ctx context.Context, req LaunchRequest) error

	// Status returns a fresh listing of every cluster visible to the backend.
	Status(ctx context.Context) ([]Handle, error)

	// Down destroys the named cluster. Destroying a cluster that is stopped or gone is not an error.
	Down(ctx context.Context, name string) error
}

type State int

const (
	Unknown State = iota
	Pending
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Handle is a live or formerly-live cluster.
type Handle struct {
	Name  string
	State State
}

type LaunchMode int

const (
	OnDemand LaunchMode = iota
	ManagedSpot
)

func (m LaunchMode) String() string {
	if m == ManagedSpot {
		return "managed-spot"
	}
	return "on-demand"
}

func ParseLaunchMode(s string) (LaunchMode, error) {
	switch strings.ToLower(s) {
	case "", "on-demand", "ondemand":
		return OnDemand, nil
	case "managed-spot", "spot":
		return ManagedSpot, nil
	default:
		return OnDemand, fmt.Errorf("unknown launch mode %q", s)
	}
}

type LaunchRequest struct {
	Cluster string
	Task    *task.Spec
	Mode    LaunchMode

	// IdleMinutesToAutostop stops the cluster after it has been idle this long.
	IdleMinutesToAutostop int

	Stdout io.Writer
	Stderr io.Writer
}

// LaunchError means the backend could not allocate the cluster. Nothing ran remotely.
type LaunchError struct {
	Cluster string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching cluster %q: %s", e.Cluster, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TaskExecutionError means the workload ran and failed.
type TaskExecutionError struct {
	Cluster  string
	ExitCode int
	Err      error
}

func (e *TaskExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task on cluster %q failed: %s", e.Cluster, e.Err)
	}
	return fmt.Sprintf("task on cluster %q exited with code %d", e.Cluster, e.ExitCode)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }
