// Package artifacts archives diagnostic screenshots taken when login or
// booking fails.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Sink stores a PNG under a descriptive name and returns where it went.
type Sink interface {
	Save(ctx context.Context, name string, png []byte) (string, error)
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func fileName(name string, at time.Time) string {
	clean := unsafeName.ReplaceAllString(name, "-")
	if clean == "" {
		clean = "screenshot"
	}
	return fmt.Sprintf("%s-%s.png", clean, at.UTC().Format("20060102T150405Z"))
}

// DirSink writes screenshots to a local directory.
type DirSink struct {
	dir string
	now func() time.Time
}

// NewDirSink creates a DirSink rooted at dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir, now: time.Now}
}

func (d *DirSink) Save(_ context.Context, name string, png []byte) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create dir: %w", err)
	}
	path := filepath.Join(d.dir, fileName(name, d.now()))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", path, err)
	}
	return path, nil
}
