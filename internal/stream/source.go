package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// DefaultMaxWidth bounds captured frames, keeping payloads small.
const DefaultMaxWidth = 640

// ErrNoFrames is returned when a directory holds no usable images.
var ErrNoFrames = errors.New("no jpeg or png frames found")

// DirSourceOptions controls frame preparation.
type DirSourceOptions struct {
	// Mirror flips frames horizontally, like a selfie camera preview.
	Mirror bool

	// MaxWidth downsizes wider frames (0 uses DefaultMaxWidth, negative disables).
	MaxWidth int

	// Quality is the JPEG quality (0 uses 80).
	Quality int

	// Interval is the minimum time between captured frames; zero captures as fast as replies arrive.
	Interval time.Duration
}

// DirSource replays the still images of a directory as a camera feed, looping forever.
type DirSource struct {
	files []string
	opts  DirSourceOptions

	mu   sync.Mutex
	next int
	last time.Time
}

// NewDirSource lists the JPEG and PNG files in dir in name order.
func NewDirSource(dir string, opts DirSourceOptions) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoFrames)
	}
	slices.Sort(files)

	if opts.MaxWidth == 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	return &DirSource{files: files, opts: opts}, nil
}

// Len returns the number of frames in one loop.
func (d *DirSource) Len() int {
	return len(d.files)
}

// Next returns the next frame as JPEG, waiting out Interval if needed.
func (d *DirSource) Next(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	path := d.files[d.next%len(d.files)]
	d.next++
	wait := time.Duration(0)
	if d.opts.Interval > 0 && !d.last.IsZero() {
		wait = d.opts.Interval - time.Since(d.last)
	}
	d.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	data, err := d.load(path)

	d.mu.Lock()
	d.last = time.Now()
	d.mu.Unlock()
	return data, err
}

func (d *DirSource) load(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return EncodeFrame(img, d.opts.Mirror, d.opts.MaxWidth, d.opts.Quality)
}

// EncodeFrame optionally mirrors and downsizes img, then encodes it as JPEG.
func EncodeFrame(img image.Image, mirror bool, maxWidth, quality int) ([]byte, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = max(h*maxWidth/w, 1)
		w = maxWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	}
	if mirror {
		mirrorRGBA(dst)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// mirrorRGBA flips img horizontally in place.
func mirrorRGBA(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for l, r := 0, len(row)-4; l < r; l, r = l+4, r-4 {
			for i := range 4 {
				row[l+i], row[r+i] = row[r+i], row[l+i]
			}
		}
	}
}
