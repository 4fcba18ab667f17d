package media

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"
	"sync"

	// Still-image codecs the source decodes natively.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"

	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/logger"
)

// Source is the media contract the script runner consumes.
type Source interface {
	// FileInfo probes one file under the media root. Returns ErrNotFound
	// for absent media.
	FileInfo(path string) (Info, error)

	// Frame returns a decoded frame for the media item, ready for the
	// display driver. Frames are cached and shared; callers must treat
	// them as immutable.
	Frame(path string) (*display.Frame, error)

	// Close releases every cached frame.
	Close() error
}

// StillSource serves frames decoded from still images under a root
// directory. Each file is decoded once; the cache holds one reference
// per frame until Close.
type StillSource struct {
	root string

	mu     sync.Mutex
	frames map[string]*display.Frame
}

// NewStillSource returns a Source rooted at dir.
func NewStillSource(dir string) (*StillSource, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("media root %q is not a directory", dir)
	}
	return &StillSource{root: dir, frames: make(map[string]*display.Frame)}, nil
}

// FileInfo probes a file: container from its extension, codec, pixel
// format and size from the image header for decodable stills. Stat only
// decides whether the file exists; bit rate, frame rate and duration are
// left unset.
func (s *StillSource) FileInfo(path string) (Info, error) {
	full, err := resolve(s.root, path)
	if err != nil {
		return Info{}, err
	}

	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		return Info{}, fmt.Errorf("stat %q: %w", path, err)
	}
	if st.IsDir() {
		return Info{}, fmt.Errorf("%q: %w", path, ErrNotFound)
	}

	info := Info{
		Filename:      full,
		ContainerType: containerByExt[extOf(full)],
	}

	f, err := os.Open(full)
	if err != nil {
		return Info{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	if cfg, format, err := image.DecodeConfig(f); err == nil {
		info.CodecName = format
		info.PixelFormat = pixelFormat(cfg.ColorModel)
		info.Size = &[2]int{cfg.Width, cfg.Height}
	}

	return info, nil
}

// Frame decodes a still image into an RGBA frame, caching the result.
func (s *StillSource) Frame(path string) (*display.Frame, error) {
	full, err := resolve(s.root, path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if f, ok := s.frames[full]; ok {
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	fh, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer fh.Close()

	img, format, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(b)
		draw.Draw(rgba, b, img, b.Min, draw.Src)
	}
	frame := display.NewFrame(rgba, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.frames[full]; ok {
		// Lost a decode race; keep the first frame.
		frame.Release()
		return existing, nil
	}
	s.frames[full] = frame

	w, h := frame.Size()
	logger.WithComponent("media").Debug().
		Str("path", path).
		Str("codec", format).
		Int("width", w).
		Int("height", h).
		Msg("Decoded frame")
	return frame, nil
}

// Close drops the cache's frame references.
func (s *StillSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		f.Release()
	}
	s.frames = make(map[string]*display.Frame)
	return nil
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func pixelFormat(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return "pal8"
	}
	switch m {
	case color.YCbCrModel:
		return "yuv444p"
	case color.GrayModel:
		return "gray"
	default:
		return "rgba"
	}
}
