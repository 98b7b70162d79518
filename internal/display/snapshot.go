package display

import (
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/draw"
)

// Snapshot is a Target that periodically writes the latest decoded picture
// to a PNG file, downscaled to at most MaxWidth pixels wide. It is meant for
// monitoring a headless decoder, not for playback.
type Snapshot struct {
	log      *slog.Logger
	path     string
	every    int
	maxWidth int

	mu     sync.Mutex
	frames int
	writes int
}

// SnapshotConfig configures a Snapshot target.
type SnapshotConfig struct {
	Dir      string
	Name     string // file name without extension
	Every    int    // write one frame out of Every; <=0 means every frame
	MaxWidth int    // <=0 keeps the decoded width
}

// NewSnapshot creates a Snapshot writing to cfg.Dir/cfg.Name.png. The
// directory is created if needed. If log is nil, slog.Default() is used.
func NewSnapshot(cfg SnapshotConfig, log *slog.Logger) (*Snapshot, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "latest"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if cfg.Every <= 0 {
		cfg.Every = 1
	}
	return &Snapshot{
		log:      log.With("component", "snapshot", "name", cfg.Name),
		path:     filepath.Join(cfg.Dir, cfg.Name+".png"),
		every:    cfg.Every,
		maxWidth: cfg.MaxWidth,
	}, nil
}

// Path returns the file the snapshot is written to.
func (s *Snapshot) Path() string {
	return s.path
}

// Writes returns how many snapshots have been written.
func (s *Snapshot) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Present writes f if it is due. Frames without pixel data are counted but
// never written.
func (s *Snapshot) Present(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	if f.Image == nil || (s.frames-1)%s.every != 0 {
		return nil
	}
	if err := s.write(f.Image); err != nil {
		s.log.Warn("snapshot write failed", "error", err)
		return err
	}
	s.writes++
	return nil
}

func (s *Snapshot) write(src *image.YCbCr) error {
	var img image.Image = src
	b := src.Bounds()
	if s.maxWidth > 0 && b.Dx() > s.maxWidth {
		h := b.Dy() * s.maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, s.maxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		img = dst
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.png")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
