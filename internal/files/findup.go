package files

import (
	"os"
	"path/filepath"
)

// FindUp returns the path of the first regular file named name in dir or its ancestors,
// or "" if there is none.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
