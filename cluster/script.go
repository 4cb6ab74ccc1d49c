package cluster

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/guseggert/clusterrun/task"
)

const scriptTemplate = `#!/bin/bash
{{- range .Envs}}
export {{.Key}}={{q .Value}}
{{- end}}
{{- range .Mounts}}
{{- if .Remote}}
mkdir -p {{q .Dst}} && aws s3 sync --only-show-errors {{q .Src}} {{q .Dst}} || exit 1
{{- else}}
if [ -d {{q .Src}} ]; then mkdir -p {{q .Dst}} && cp -R {{q .Src}}/. {{q .Dst}} || exit 1; else mkdir -p "$(dirname {{q .Dst}})" && cp {{q .Src}} {{q .Dst}} || exit 1; fi
{{- end}}
{{- end}}
cd {{q .Workdir}} || exit 1
{{- if .Setup}}
bash -e -c {{q .Setup}} || exit $?
{{- end}}
{{.Run}}
`

var (
	envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	scriptTmpl   = template.Must(template.New("script").Funcs(template.FuncMap{"q": shellQuote}).Parse(scriptTemplate))
)

type scriptEnv struct{ Key, Value string }

type scriptMount struct {
	Src, Dst string
	Remote   bool
}

// Script is the bash entrypoint that runs a task on a cluster node.
type Script struct {
	Task *task.Spec

	// Workdir overrides the task's workdir, for backends that stage it elsewhere.
	Workdir string
	// MountRoot is prepended to every mount destination.
	MountRoot string
	// SkipMount excludes mounts the backend provides itself, e.g. as bind mounts.
	SkipMount func(dst, src string) bool
}

// Render returns the script text.
func (s *Script) Render() (string, error) {
	var envs []scriptEnv
	for k, v := range s.Task.Envs {
		if !envKeyRegexp.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		envs = append(envs, scriptEnv{Key: k, Value: v})
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Key < envs[j].Key })

	var mounts []scriptMount
	for dst, src := range s.Task.FileMounts {
		if s.SkipMount != nil && s.SkipMount(dst, src) {
			continue
		}
		remote := task.IsRemote(src)
		if remote && !strings.HasPrefix(src, "s3://") {
			return "", fmt.Errorf("unsupported mount source %q", src)
		}
		if s.MountRoot != "" {
			dst = filepath.Join(s.MountRoot, dst)
		}
		mounts = append(mounts, scriptMount{Src: src, Dst: dst, Remote: remote})
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Dst < mounts[j].Dst })

	workdir := s.Workdir
	if workdir == "" {
		workdir = s.Task.Workdir
	}

	buf := &bytes.Buffer{}
	err := scriptTmpl.Execute(buf, map[string]any{
		"Envs":    envs,
		"Mounts":  mounts,
		"Workdir": workdir,
		"Setup":   strings.TrimSpace(s.Task.Setup),
		"Run":     strings.TrimSpace(s.Task.Run),
	})
	if err != nil {
		return "", fmt.Errorf("executing script template: %w", err)
	}
	return buf.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
