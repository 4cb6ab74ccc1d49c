package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	clusteriface "github.com/guseggert/clusterrun/cluster"
)

const stateFileName = "cluster.json"

type state struct {
	Name                  string    `json:"name"`
	State                 string    `json:"state"`
	PID                   int       `json:"pid,omitempty"`
	LaunchedAt            time.Time `json:"launched_at"`
	IdleMinutesToAutostop int       `json:"idle_minutes_to_autostop"`
	ExitCode              *int      `json:"exit_code,omitempty"`
}

func readState(dir string) (*state, error) {
	b, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, err
	}
	s := &state{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("decoding cluster state: %w", err)
	}
	return s, nil
}

func writeState(dir string, s *state) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("writing cluster state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, stateFileName))
}

// handleState reports a Running cluster whose process has died as Stopped.
func (s *state) handleState() clusteriface.State {
	switch s.State {
	case clusteriface.Running.String():
		if processAlive(s.PID) {
			return clusteriface.Running
		}
		return clusteriface.Stopped
	case clusteriface.Pending.String():
		return clusteriface.Pending
	case clusteriface.Stopped.String():
		return clusteriface.Stopped
	default:
		return clusteriface.Unknown
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// killGroup kills the process group led by pid.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", pid, err)
	}
	return nil
}
