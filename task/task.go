// Package task loads task definitions and assembles them into run-specific task specs.
package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables injected into every assembled task.
const (
	RunIDEnv         = "RUN_ID"
	ResultsBucketEnv = "RESULTS_BUCKET"
)

type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid task spec: %s", e.Err)
	}
	return fmt.Sprintf("invalid task spec %q: %s", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Spec is the declarative description of one workload.
type Spec struct {
	Name    string `yaml:"name"`
	Setup   string `yaml:"setup,omitempty"`
	Run     string `yaml:"run"`
	Workdir string `yaml:"workdir,omitempty"`

	Resources Resources `yaml:"resources,omitempty"`

	// FileMounts maps a destination path on the cluster to a source URI or local path.
	FileMounts map[string]string `yaml:"file_mounts,omitempty"`
	Envs       map[string]string `yaml:"envs,omitempty"`
}

// Resources is the resource request. Backends interpret the fields they understand and ignore the rest.
type Resources struct {
	Cloud        string `yaml:"cloud,omitempty"`
	Region       string `yaml:"region,omitempty"`
	InstanceType string `yaml:"instance_type,omitempty"`
	Accelerators string `yaml:"accelerators,omitempty"`
	Image        string `yaml:"image_id,omitempty"`
	UseSpot      bool   `yaml:"use_spot,omitempty"`
	DiskSizeGB   int    `yaml:"disk_size,omitempty"`
	Ports        []int  `yaml:"ports,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// Document is a loaded task definition and the directory it was loaded from.
type Document struct {
	Spec Spec
	Path string
	Dir  string
}

// RunContext identifies the run a task is assembled for.
type RunContext struct {
	RunID         string
	ResultsBucket string
}

// Load reads the task definition at path.
func Load(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, &ConfigError{Path: abs, Err: err}
	}
	doc, err := Parse(b, filepath.Dir(abs))
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = abs
		}
		return nil, err
	}
	doc.Path = abs
	return doc, nil
}

// Parse decodes a task definition whose relative paths are relative to dir.
func Parse(b []byte, dir string) (*Document, error) {
	var spec Spec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decoding YAML: %w", err)}
	}
	return &Document{Spec: spec, Dir: dir}, nil
}

func (s *Spec) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(s.Run) == "" {
		missing = append(missing, "run")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	for _, p := range s.Resources.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	return nil
}

// Assemble returns a new Spec built from doc with overrides merged into its envs.
// Overrides win over the document's envs, and the run context wins over both.
// Workdir and relative local mount sources are resolved against the document's directory.
func Assemble(doc *Document, overrides map[string]string, rc RunContext) (*Spec, error) {
	if doc == nil {
		return nil, &ConfigError{Err: errors.New("no task definition")}
	}
	if err := doc.Spec.Validate(); err != nil {
		return nil, &ConfigError{Path: doc.Path, Err: err}
	}

	spec := doc.Spec.clone()

	spec.Envs = Merge(doc.Spec.Envs, overrides)
	if rc.RunID != "" {
		spec.Envs[RunIDEnv] = rc.RunID
	}
	if rc.ResultsBucket != "" {
		spec.Envs[ResultsBucketEnv] = rc.ResultsBucket
	}

	spec.Workdir = resolve(doc.Dir, spec.Workdir)
	for dst, src := range spec.FileMounts {
		if !IsRemote(src) {
			spec.FileMounts[dst] = resolve(doc.Dir, strings.TrimPrefix(src, "file://"))
		}
	}
	return spec, nil
}

// Merge returns a new map with the entries of base overlaid by overrides.
func Merge(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// IsRemote reports whether a mount source is a URI rather than a local path.
func IsRemote(src string) bool {
	return strings.Contains(src, "://") && !strings.HasPrefix(src, "file://")
}

func resolve(dir, p string) string {
	if p == "" {
		return dir
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

func (s Spec) clone() *Spec {
	c := s
	c.Envs = Merge(s.Envs, nil)
	if s.FileMounts != nil {
		c.FileMounts = Merge(s.FileMounts, nil)
	}
	if s.Resources.Ports != nil {
		c.Resources.Ports = append([]int(nil), s.Resources.Ports...)
	}
	if s.Resources.Extra != nil {
		c.Resources.Extra = copyValue(s.Resources.Extra).(map[string]any)
	}
	return &c
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}
