package task

import (
	"fmt"
	"os"

	"github.com/guseggert/clusterrun/internal/files"
)

// DefaultFileName is the task definition searched for when none is given.
const DefaultFileName = "clusterrun.yaml"

// Find returns the path of the task definition named name in start or one of its parents.
func Find(start, name string) (string, error) {
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting wd: %w", err)
		}
		start = wd
	}
	p := files.FindUp(name, start)
	if p == "" {
		return "", &ConfigError{Path: name, Err: fmt.Errorf("not found in %s or any parent directory", start)}
	}
	return p, nil
}
