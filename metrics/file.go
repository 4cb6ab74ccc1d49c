package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// FileStore reads results from the local filesystem.
type FileStore struct{}

func (s *FileStore) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	f, err := os.Open(loc.Key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", loc.Key, ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}
