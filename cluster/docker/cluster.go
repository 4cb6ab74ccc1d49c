package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	clusteriface "github.com/guseggert/clusterrun/cluster"
	"github.com/guseggert/clusterrun/internal/net"
	"github.com/guseggert/clusterrun/task"
	"go.uber.org/zap"
)

const (
	labelCluster     = "clusterrun.cluster"
	labelIdleMinutes = "clusterrun.idle-minutes"
	containerWorkdir = "/workdir"
)

// Cluster is a Backend that runs each cluster as a Docker container.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
// Containers run the task as their entrypoint, so a container stops as soon as its task exits.
type Cluster struct {
	Log          *zap.SugaredLogger
	BaseImage    string
	DockerClient *client.Client

	pulledMut sync.Mutex
	pulled    map[string]bool
}

func (c *Cluster) WithLogger(l *zap.SugaredLogger) *Cluster {
	c.Log = l.Named("docker_cluster")
	return c
}

func (c *Cluster) WithBaseImage(img string) *Cluster {
	c.BaseImage = img
	return c
}

// NewCluster creates a Docker backend.
func NewCluster() (*Cluster, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	c := &Cluster{
		BaseImage:    "fedora", // default to fedora b/c it includes bash and curl
		DockerClient: dockerClient,
		pulled:       map[string]bool{},
	}
	return c.WithLogger(log.Sugar()), nil
}

func containerName(cluster string) string {
	return "clusterrun-" + cluster
}

func (c *Cluster) image(spec *task.Spec) string {
	if img := strings.TrimPrefix(spec.Resources.Image, "docker:"); img != "" {
		return img
	}
	return c.BaseImage
}

func (c *Cluster) ensureImagePulled(ctx context.Context, img string) error {
	c.pulledMut.Lock()
	defer c.pulledMut.Unlock()
	if c.pulled[img] {
		return nil
	}
	out, err := c.DockerClient.ImagePull(ctx, img, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	if c.pulled == nil {
		c.pulled = map[string]bool{}
	}
	c.pulled[img] = true
	return nil
}

func (c *Cluster) listContainers(ctx context.Context, labelFilter string) ([]types.Container, error) {
	return c.DockerClient.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelFilter)),
	})
}

// removeStale removes a previous container for the cluster, refusing to touch one that is still running.
func (c *Cluster) removeStale(ctx context.Context, cluster string) error {
	containers, err := c.listContainers(ctx, labelCluster+"="+cluster)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, ctr := range containers {
		if ctr.State == "running" {
			return fmt.Errorf("cluster is already running as container %s", ctr.ID)
		}
		c.Log.Infow("removing stale container", "cluster", cluster, "containerID", ctr.ID)
		if err := c.removeContainer(ctx, ctr.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) createConfig(req clusteriface.LaunchRequest) (*container.Config, *container.HostConfig, error) {
	spec := req.Task

	binds := []string{fmt.Sprintf("%s:%s", spec.Workdir, containerWorkdir)}
	for dst, src := range spec.FileMounts {
		if !task.IsRemote(src) {
			binds = append(binds, fmt.Sprintf("%s:%s", src, dst))
		}
	}

	script := &clusteriface.Script{
		Task:      spec,
		Workdir:   containerWorkdir,
		SkipMount: func(dst, src string) bool { return !task.IsRemote(src) },
	}
	text, err := script.Render()
	if err != nil {
		return nil, nil, err
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	hostPorts, err := net.EphemeralTCPPorts(len(spec.Resources.Ports))
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring ephemeral ports: %w", err)
	}
	for i, p := range spec.Resources.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("parsing port %d: %w", p, err)
		}
		hostPort := hostPorts[i]
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}
		c.Log.Infow("publishing port", "cluster", req.Cluster, "port", p, "hostPort", hostPort)
	}

	cfg := &container.Config{
		Image:        c.image(spec),
		Entrypoint:   []string{"/bin/bash", "-c", text},
		WorkingDir:   containerWorkdir,
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelCluster:     req.Cluster,
			labelIdleMinutes: strconv.Itoa(req.IdleMinutesToAutostop),
		},
	}
	hostCfg := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
	}
	return cfg, hostCfg, nil
}

func (c *Cluster) Launch(ctx context.Context, req clusteriface.LaunchRequest) error {
	launchErr := func(err error) error { return &clusteriface.LaunchError{Cluster: req.Cluster, Err: err} }

	if req.Mode == clusteriface.ManagedSpot {
		c.Log.Warnw("Docker clusters have no spot market, launching on-demand", "cluster", req.Cluster)
	}

	cfg, hostCfg, err := c.createConfig(req)
	if err != nil {
		return launchErr(err)
	}
	if err := c.ensureImagePulled(ctx, cfg.Image); err != nil {
		return launchErr(fmt.Errorf("pulling image: %w", err))
	}
	if err := c.removeStale(ctx, req.Cluster); err != nil {
		return launchErr(err)
	}

	createResp, err := c.DockerClient.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(req.Cluster))
	if err != nil {
		return launchErr(fmt.Errorf("creating Docker container: %w", err))
	}
	containerID := createResp.ID

	err = c.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		return launchErr(fmt.Errorf("starting container %q: %w", containerID, err))
	}
	c.Log.Infow("started container", "cluster", req.Cluster, "containerID", containerID, "image", cfg.Image)

	logsDone := c.streamLogs(ctx, containerID, req.Stdout, req.Stderr)

	statusCh, errCh := c.DockerClient.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		<-logsDone
		return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: -1, Err: fmt.Errorf("waiting for container: %w", err)}
	case status := <-statusCh:
		<-logsDone
		if status.Error != nil {
			return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: int(status.StatusCode), Err: fmt.Errorf("waiting for container: %s", status.Error.Message)}
		}
		if status.StatusCode != 0 {
			return &clusteriface.TaskExecutionError{Cluster: req.Cluster, ExitCode: int(status.StatusCode)}
		}
		return nil
	}
}

// streamLogs copies the container's output until it stops. The returned channel is closed when copying is done.
func (c *Cluster) streamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) <-chan struct{} {
	done := make(chan struct{})
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	go func() {
		defer close(done)
		rc, err := c.DockerClient.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			c.Log.Warnw("unable to stream container logs", "containerID", containerID, "error", err)
			return
		}
		defer rc.Close()
		if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && ctx.Err() == nil {
			c.Log.Warnw("error streaming container logs", "containerID", containerID, "error", err)
		}
	}()
	return done
}

func containerState(s string) clusteriface.State {
	switch s {
	case "created":
		return clusteriface.Pending
	case "running", "restarting", "paused":
		return clusteriface.Running
	case "exited", "dead", "removing":
		return clusteriface.Stopped
	default:
		return clusteriface.Unknown
	}
}

func (c *Cluster) Status(ctx context.Context) ([]clusteriface.Handle, error) {
	containers, err := c.listContainers(ctx, labelCluster)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var handles []clusteriface.Handle
	for _, ctr := range containers {
		handles = append(handles, clusteriface.Handle{
			Name:  ctr.Labels[labelCluster],
			State: containerState(ctr.State),
		})
	}
	return handles, nil
}

func (c *Cluster) Down(ctx context.Context, name string) error {
	containers, err := c.listContainers(ctx, labelCluster+"="+name)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, ctr := range containers {
		if err := c.removeContainer(ctx, ctr.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) removeContainer(ctx context.Context, id string) error {
	err := c.DockerClient.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %q: %w", id, err)
	}
	return nil
}
