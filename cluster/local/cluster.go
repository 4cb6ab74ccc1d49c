package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	clusteriface "github.com/guseggert/clusterrun/cluster"
	"go.uber.org/zap"
)

// Cluster is a Backend that runs tasks as processes directly on the underlying host.
// These processes are not sandboxed, so they can see each other and everything else on the host.
// Each cluster is a directory under Root holding its state file, script, log, and mounts,
// so clusters orphaned by a crashed invocation are still visible to later ones.
// Mount destinations are placed under <Root>/<name>/mounts.
type Cluster struct {
	Root string
	Log  *zap.SugaredLogger
}

// NewCluster returns a local backend rooted at root, or at ~/.clusterrun/local if root is empty.
func NewCluster(root string, log *zap.SugaredLogger) (*Cluster, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home dir: %w", err)
		}
		root = filepath.Join(home, ".clusterrun", "local")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating root dir: %w", err)
	}
	return &Cluster{Root: root, Log: log.Named("local_cluster")}, nil
}

// dir returns the cluster's directory, which must be a direct child of Root.
func (c *Cluster) dir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid cluster name %q", name)
	}
	return filepath.Join(c.Root, name), nil
}

func (c *Cluster) Launch(ctx context.Context, req clusteriface.LaunchRequest) error {
	dir, err := c.dir(req.Cluster)
	if err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: err}
	}

	if s, err := readState(dir); err == nil && s.handleState() == clusteriface.Running {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: fmt.Errorf("cluster is already running as pid %d", s.PID)}
	}
	if err := os.RemoveAll(dir); err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: fmt.Errorf("removing stale cluster dir: %w", err)}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: fmt.Errorf("creating cluster dir: %w", err)}
	}

	if req.Mode == clusteriface.ManagedSpot {
		c.Log.Warnw("local clusters have no spot market, launching on-demand", "cluster", req.Cluster)
	}

	script := &clusteriface.Script{Task: req.Task, MountRoot: filepath.Join(dir, "mounts")}
	text, err := script.Render()
	if err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: err}
	}
	scriptPath := filepath.Join(dir, "task.sh")
	if err := os.WriteFile(scriptPath, []byte(text), 0755); err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: fmt.Errorf("writing script: %w", err)}
	}

	logFile, err := os.Create(filepath.Join(dir, "run.log"))
	if err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: fmt.Errorf("creating log file: %w", err)}
	}
	defer logFile.Close()

	cmd := exec.Command("bash", scriptPath)
	cmd.Dir = dir
	cmd.Stdout = withLog(req.Stdout, logFile)
	cmd.Stderr = withLog(req.Stderr, logFile)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return &clusteriface.LaunchError{Cluster: req.Cluster, Err: fmt.Errorf("running command: %w", err)}
	}

	st := &state{
		Name:                  req.Cluster,
		State:                 clusteriface.Running.String(),
		PID:                   cmd.Process.Pid,
		LaunchedAt:            time.Now().UTC(),
		IdleMinutesToAutostop: req.IdleMinutesToAutostop,
	}
	if err := writeState(dir, st); err != nil {
		c.Log.Warnw("unable to record cluster state", "cluster", req.Cluster, "error", err)
	}
	c.Log.Infow("started task process", "cluster", req.Cluster, "pid", st.PID, "dir", dir)

	// wait on the process, killing its process group if the context is canceled
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	canceled := false
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		canceled = true
		if err := killGroup(cmd.Process.Pid); err != nil {
			c.Log.Warnw("unable to kill task process", "cluster", req.Cluster, "error", err)
		}
		runErr = <-waitErr
	}

	exitCode := 0
	if runErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	// the process has exited, so the cluster is idle and stops immediately
	st.State = clusteriface.Stopped.String()
	st.ExitCode = &exitCode
	if err := writeState(dir, st); err != nil {
		c.Log.Warnw("unable to record cluster state", "cluster", req.Cluster, "error", err)
	}

	if canceled {
		return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: exitCode, Err: ctx.Err()}
	}
	if exitCode != 0 {
		return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: exitCode}
	}
	return nil
}

func (c *Cluster) Status(ctx context.Context) ([]clusteriface.Handle, error) {
	entries, err := os.ReadDir(c.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	var handles []clusteriface.Handle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		h := clusteriface.Handle{Name: e.Name(), State: clusteriface.Unknown}
		s, err := readState(filepath.Join(c.Root, e.Name()))
		if err != nil {
			c.Log.Debugw("unreadable cluster state", "cluster", e.Name(), "error", err)
		} else {
			h.State = s.handleState()
		}
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles, nil
}

func (c *Cluster) Down(ctx context.Context, name string) error {
	dir, err := c.dir(name)
	if err != nil {
		return err
	}
	s, err := readState(dir)
	if err == nil && s.handleState() == clusteriface.Running {
		if err := killGroup(s.PID); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing cluster dir: %w", err)
	}
	return nil
}

func withLog(w io.Writer, log io.Writer) io.Writer {
	if w == nil {
		return log
	}
	return io.MultiWriter(w, log)
}
