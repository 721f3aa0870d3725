package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DirCamera replays image files from a directory as camera frames, cycling
// through them in name order.
type DirCamera struct {
	mu    sync.Mutex
	paths []string
	next  int
}

// NewDirCamera returns a camera over every PNG or JPEG file in dir.
func NewDirCamera(dir string) (*DirCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read camera dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || formatFromName(e.Name()) == "" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	sort.Strings(paths)
	return &DirCamera{paths: paths}, nil
}

// Len returns the number of images the camera cycles through.
func (c *DirCamera) Len() int { return len(c.paths) }

// Capture implements Camera.
func (c *DirCamera) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	c.mu.Lock()
	path := c.paths[c.next]
	c.next = (c.next + 1) % len(c.paths)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	f := Frame{
		Data:       data,
		Format:     formatFromName(path),
		CapturedAt: time.Now(),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width = cfg.Width
		f.Height = cfg.Height
	}
	return f, nil
}

func formatFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "png"
	case ".jpg", ".jpeg":
		return "jpeg"
	default:
		return ""
	}
}
