package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	maxNameLen    = 40
	nameHashBytes = 4
)

// NameForRun derives a cluster name from a run ID, so concurrent runs never share a cluster.
// The result is lowercase, DNS-safe, and stable for a given run ID.
// IDs that are already valid name bodies are used as-is. Any other ID gets a short hash
// of the raw ID appended, so IDs that only differ in case, punctuation, or past the
// length limit still map to different names.
func NameForRun(runID string) string {
	body := sanitizeName(runID)
	name := "run-" + body
	if body == runID && len(name) <= maxNameLen {
		if body == "" {
			return "run-default"
		}
		return name
	}

	sum := sha256.Sum256([]byte(runID))
	suffix := hex.EncodeToString(sum[:nameHashBytes])
	if max := maxNameLen - len(suffix) - 1; len(name) > max {
		name = name[:max]
	}
	return strings.TrimRight(name, "-") + "-" + suffix
}

// sanitizeName lowercases s and collapses every run of characters outside [a-z0-9] into one dash.
func sanitizeName(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ValidateName reports whether name is usable as a cluster name: a DNS label of at most
// 40 lowercase letters, digits or dashes that starts and ends with a letter or digit.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("cluster name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("cluster name %q is longer than %d characters", name, maxNameLen)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' && i != 0 && i != len(name)-1:
		default:
			return fmt.Errorf("cluster name %q must be a lowercase DNS label", name)
		}
	}
	return nil
}
