// Package credentials writes provider credential files from secrets.
// Cluster backends only read credentials from key files, so secrets supplied through
// the environment have to be materialized on disk before launching.
package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/guseggert/clusterrun/deploy"
	"go.uber.org/zap"
)

type CredentialError struct {
	Provider string
	Path     string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("writing %s credentials to %q: %s", e.Provider, e.Path, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Written describes the outcome for one provider's file.
type Written struct {
	Provider string
	Path     string
	// Unchanged is true when the file already had the rendered content.
	Unchanged bool
}

type Provisioner struct {
	Home      string
	Providers []Provider
	Log       *zap.SugaredLogger
}

// NewProvisioner returns a Provisioner for the current user's home directory and the default providers.
func NewProvisioner(log *zap.SugaredLogger) (*Provisioner, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("finding home dir: %w", err)
	}
	return &Provisioner{
		Home:      home,
		Providers: DefaultProviders,
		Log:       log.Named("credentials"),
	}, nil
}

// Provision writes a credential file for every provider whose secrets are all present.
// In the Local environment it does nothing, so developer credentials are never overwritten.
// Providers with missing secrets are skipped rather than written with placeholder values.
func (p *Provisioner) Provision(env deploy.Environment, secrets map[string]string) ([]Written, error) {
	if env == deploy.Local {
		p.Log.Infow("local environment, leaving credential files untouched")
		return nil, nil
	}

	var written []Written
	for _, prov := range p.Providers {
		path := filepath.Join(p.Home, prov.Path)

		values, missing := lookup(prov.Required, secrets)
		if len(missing) > 0 {
			p.Log.Warnw("secrets missing, skipping provider", "provider", prov.Name, "missing", missing)
			continue
		}
		for k, v := range values {
			if err := checkSecret(v); err != nil {
				return written, &CredentialError{Provider: prov.Name, Path: path, Err: fmt.Errorf("secret %s %w", k, err)}
			}
		}

		content, err := prov.Render(values)
		if err != nil {
			return written, &CredentialError{Provider: prov.Name, Path: path, Err: err}
		}

		unchanged, err := writeFileAtomic(path, content)
		if err != nil {
			return written, &CredentialError{Provider: prov.Name, Path: path, Err: err}
		}
		p.Log.Infow("provisioned credentials", "provider", prov.Name, "path", path, "unchanged", unchanged)
		written = append(written, Written{Provider: prov.Name, Path: path, Unchanged: unchanged})
	}
	return written, nil
}

func lookup(keys []string, secrets map[string]string) (map[string]string, []string) {
	values := map[string]string{}
	var missing []string
	for _, k := range keys {
		v := secrets[k]
		if v == "" {
			missing = append(missing, k)
			continue
		}
		values[k] = v
	}
	return values, missing
}

// writeFileAtomic replaces path with content via a temp file and rename,
// so readers never observe a partially written file.
func writeFileAtomic(path string, content []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, content) {
		return true, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("reading existing file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false, fmt.Errorf("making intermediate dirs: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Chmod(0600); err != nil {
		f.Close()
		return false, fmt.Errorf("setting permissions: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return false, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("renaming temp file: %w", err)
	}
	return false, nil
}

// checkSecret rejects values that would not be written verbatim into a credential file.
func checkSecret(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return errors.New("contains a line break")
	}
	if strings.ContainsAny(v, "#;`\"'") {
		return errors.New("contains a quote or comment character")
	}
	if strings.TrimSpace(v) != v {
		return errors.New("has leading or trailing whitespace")
	}
	return nil
}
