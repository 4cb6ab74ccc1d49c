// Package metrics reads the results artifact a workload writes at the end of a run.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultFilename is the artifact a workload writes under <bucket>/<run id>/.
const DefaultFilename = "train_results.json"

// ErrNotExist is wrapped by Store errors for missing objects.
var ErrNotExist = errors.New("object does not exist")

type NotFoundError struct {
	URI string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("metrics not found at %s", e.URI)
}

func (e *NotFoundError) Unwrap() error { return ErrNotExist }

type FormatError struct {
	URI string
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("metrics at %s are malformed: %s", e.URI, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Location addresses one object in a results store.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

func (l Location) String() string {
	if l.Scheme == "file" {
		return "file://" + l.Key
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// Join returns the location with elems appended to its key.
func (l Location) Join(elems ...string) Location {
	if l.Scheme == "file" {
		l.Key = filepath.Join(append([]string{l.Key}, elems...)...)
		return l
	}
	l.Key = strings.TrimPrefix(path.Join(append([]string{l.Key}, elems...)...), "/")
	return l
}

// ParseLocation parses a bucket URI such as s3://bucket/prefix. Bare paths and file:// URIs address the local filesystem.
func ParseLocation(uri string) (Location, error) {
	if uri == "" {
		return Location{}, errors.New("empty results location")
	}
	if !strings.Contains(uri, "://") {
		return Location{Scheme: "file", Key: uri}, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("parsing results location %q: %w", uri, err)
	}
	if u.Scheme == "file" {
		return Location{Scheme: "file", Key: u.Path}, nil
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("results location %q has no bucket", uri)
	}
	return Location{
		Scheme: u.Scheme,
		Bucket: u.Host,
		Key:    strings.Trim(u.Path, "/"),
	}, nil
}

// Store reads objects from one kind of results store.
type Store interface {
	Get(ctx context.Context, loc Location) (io.ReadCloser, error)
}

// Fetcher reads the results artifact of a run.
type Fetcher struct {
	// Stores maps a location scheme to the store serving it.
	Stores   map[string]Store
	Filename string
	Log      *zap.SugaredLogger
}

func NewFetcher(log *zap.SugaredLogger) *Fetcher {
	return &Fetcher{
		Stores:   map[string]Store{"file": &FileStore{}},
		Filename: DefaultFilename,
		Log:      log.Named("metrics"),
	}
}

// WithStore registers the store for a location scheme.
func (f *Fetcher) WithStore(scheme string, s Store) *Fetcher {
	if f.Stores == nil {
		f.Stores = map[string]Store{}
	}
	f.Stores[scheme] = s
	return f
}

// Fetch reads <bucketURI>/<runID>/<Filename> once and decodes it as a JSON object.
func (f *Fetcher) Fetch(ctx context.Context, bucketURI, runID string) (map[string]any, error) {
	base, err := ParseLocation(bucketURI)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, errors.New("empty run ID")
	}
	filename := f.Filename
	if filename == "" {
		filename = DefaultFilename
	}
	loc := base.Join(runID, filename)

	store, ok := f.Stores[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no results store for scheme %q", loc.Scheme)
	}

	f.Log.Debugw("fetching metrics", "location", loc.String())
	rc, err := store.Get(ctx, loc)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, &NotFoundError{URI: loc.String()}
		}
		return nil, fmt.Errorf("reading metrics from %s: %w", loc, err)
	}
	defer rc.Close()

	metrics, err := decode(rc)
	if err != nil {
		return nil, &FormatError{URI: loc.String(), Err: err}
	}
	f.Log.Infow("fetched metrics", "location", loc.String(), "keys", len(metrics))
	return metrics, nil
}

func decode(r io.Reader) (map[string]any, error) {
	var v any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON document")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object but got %T", v)
	}
	return m, nil
}
