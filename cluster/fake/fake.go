// Package fake provides an in-memory cluster.Backend for tests.
package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/guseggert/clusterrun/cluster"
)

// Backend records every call and keeps clusters in memory.
// Launch adds the cluster as Running, runs LaunchFunc if set, and marks it Stopped once LaunchFunc returns.
type Backend struct {
	LaunchFunc func(ctx context.Context, req cluster.LaunchRequest) error
	// DownErrs makes Down fail for the named clusters.
	DownErrs  map[string]error
	StatusErr error

	mut         sync.Mutex
	clusters    map[string]cluster.State
	Launches    []cluster.LaunchRequest
	Downs       []string
	StatusCalls int
}

func New(existing ...cluster.Handle) *Backend {
	b := &Backend{clusters: map[string]cluster.State{}}
	for _, h := range existing {
		b.clusters[h.Name] = h.State
	}
	return b
}

func (b *Backend) Launch(ctx context.Context, req cluster.LaunchRequest) error {
	b.mut.Lock()
	b.Launches = append(b.Launches, req)
	b.clusters[req.Cluster] = cluster.Running
	b.mut.Unlock()

	var err error
	if b.LaunchFunc != nil {
		err = b.LaunchFunc(ctx, req)
	}

	b.mut.Lock()
	if _, ok := b.clusters[req.Cluster]; ok {
		b.clusters[req.Cluster] = cluster.Stopped
	}
	b.mut.Unlock()
	return err
}

func (b *Backend) Status(ctx context.Context) ([]cluster.Handle, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.StatusCalls++
	if b.StatusErr != nil {
		return nil, b.StatusErr
	}
	var handles []cluster.Handle
	for name, state := range b.clusters {
		handles = append(handles, cluster.Handle{Name: name, State: state})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles, nil
}

func (b *Backend) Down(ctx context.Context, name string) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.Downs = append(b.Downs, name)
	if err := b.DownErrs[name]; err != nil {
		return err
	}
	delete(b.clusters, name)
	return nil
}

// Clusters returns the names of the clusters that have not been downed.
func (b *Backend) Clusters() []string {
	b.mut.Lock()
	defer b.mut.Unlock()
	var names []string
	for name := range b.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
