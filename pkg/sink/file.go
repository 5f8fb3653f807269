package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSink writes archives into a directory.
type FileSink struct {
	Dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

// Store writes data to Dir/name. Directory components in name are dropped.
func (s *FileSink) Store(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := filepath.Base(name)
	if name == "" || base == "." || base == string(filepath.Separator) {
		return "", ErrNoName
	}
	path := filepath.Join(s.Dir, base)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return path, nil
}
