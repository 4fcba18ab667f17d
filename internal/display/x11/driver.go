// Package x11 implements the display driver contract on an X11 server.
// Each connector is realized as a borderless window; atoms are composited
// into an RGBA canvas and pushed with PutImage. A background sync models
// the in-flight page flip: UpdateDoneYet reports pending until the X
// server has consumed the previous batch.
//
// This is the preview backend. A DRM/KMS device behind the same contract
// is the production scan-out path and lives outside this repository.
package x11

import (
	"fmt"
	"image"
	"image/color"
	sdraw "image/draw"
	"math"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	xdraw "golang.org/x/image/draw"

	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/logger"
)

// Options sizes the preview windows.
type Options struct {
	Width  int
	Height int
	Hz     int
}

// connectorID is the single preview connector; X11 exposes no real
// connectors to enumerate.
const connectorID = 1

// Driver drives preview windows on one X11 connection.
type Driver struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	opts   Options

	mu      sync.Mutex
	outputs map[uint32]*output
	closed  bool
}

type output struct {
	window  xproto.Window
	gc      xproto.Gcontext
	mode    display.Mode
	pending atomic.Bool
}

// New connects to the X server.
func New(opts Options) (*Driver, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if opts.Hz <= 0 {
		opts.Hz = 60
	}

	return &Driver{
		conn:    conn,
		screen:  screen,
		opts:    opts,
		outputs: make(map[uint32]*output),
	}, nil
}

// ScanScreens reports the preview connector with its configured mode and
// the root screen's dimensions as an alternative.
func (d *Driver) ScanScreens() ([]display.Screen, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("driver closed")
	}

	active := display.Mode{Width: d.opts.Width, Height: d.opts.Height, Hz: d.opts.Hz}
	root := display.Mode{
		Width:  int(d.screen.WidthInPixels),
		Height: int(d.screen.HeightInPixels),
		Hz:     d.opts.Hz,
	}
	modes := []display.Mode{active}
	if root != active {
		modes = append(modes, root)
	}

	return []display.Screen{{
		ID:         connectorID,
		Connector:  "X11-1",
		Detected:   true,
		ActiveMode: active,
		Modes:      modes,
	}}, nil
}

// Update composites the atom and pushes it to the connector's window.
// The submitted frames stay referenced until the server consumes the
// batch.
func (d *Driver) Update(connector uint32, mode display.Mode, atom display.Atom) error {
	o, err := d.ensureOutput(connector, mode)
	if err != nil {
		return err
	}

	canvas := compose(mode, atom)

	for _, l := range atom.Layers {
		l.Frame.Retain()
	}
	o.pending.Store(true)

	if err := d.putImage(o, canvas); err != nil {
		o.pending.Store(false)
		for _, l := range atom.Layers {
			l.Frame.Release()
		}
		return err
	}

	// The flip retires once the server has processed everything up to
	// and including the PutImage.
	go func(layers []display.Layer) {
		d.conn.Sync()
		for _, l := range layers {
			l.Frame.Release()
		}
		o.pending.Store(false)
	}(atom.Layers)

	return nil
}

// UpdateDoneYet reports whether the connector's previous flip retired.
func (d *Driver) UpdateDoneYet(connector uint32) (bool, error) {
	d.mu.Lock()
	o := d.outputs[connector]
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return false, fmt.Errorf("driver closed")
	}
	if o == nil {
		return true, nil
	}
	return !o.pending.Load(), nil
}

// Close destroys the windows and drops the connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	for _, o := range d.outputs {
		xproto.FreeGC(d.conn, o.gc)
		xproto.DestroyWindow(d.conn, o.window)
	}
	d.conn.Sync()
	d.conn.Close()
	return nil
}

// ensureOutput creates the connector's window on first use.
func (d *Driver) ensureOutput(connector uint32, mode display.Mode) (*output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("driver closed")
	}
	if o, ok := d.outputs[connector]; ok {
		return o, nil
	}

	windowID, err := xproto.NewWindowId(d.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		d.conn,
		d.screen.RootDepth,
		windowID,
		d.screen.Root,
		0, 0,
		uint16(mode.Width), uint16(mode.Height),
		0,
		xproto.WindowClassInputOutput,
		d.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}

	title := fmt.Sprintf("framecast %d", connector)
	if err := d.setWindowTitle(windowID, title); err != nil {
		logger.WithComponent("x11").Warn().Err(err).Msg("Failed to set window title")
	}

	if err := xproto.MapWindowChecked(d.conn, windowID).Check(); err != nil {
		return nil, fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(d.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(d.conn, gc, xproto.Drawable(windowID), 0, nil).Check(); err != nil {
		return nil, fmt.Errorf("failed to create GC: %w", err)
	}
	d.conn.Sync()

	o := &output{window: windowID, gc: gc, mode: mode}
	d.outputs[connector] = o
	logger.WithComponent("x11").Info().
		Uint32("connector", connector).
		Str("mode", mode.String()).
		Msg("Preview window created")
	return o, nil
}

// compose flattens an atom's layers onto a black canvas.
func compose(mode display.Mode, atom display.Atom) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, mode.Width, mode.Height))
	sdraw.Draw(canvas, canvas.Bounds(), image.Black, image.Point{}, sdraw.Src)

	for _, l := range atom.Layers {
		src := l.Frame.Image()
		from := rectToPixels(l.From).Intersect(src.Bounds())
		to := rectToPixels(l.To).Intersect(canvas.Bounds())
		if from.Empty() || to.Empty() {
			continue
		}

		if l.Opacity >= 1 {
			xdraw.NearestNeighbor.Scale(canvas, to, src, from, xdraw.Over, nil)
			continue
		}

		scaled := image.NewRGBA(to)
		xdraw.NearestNeighbor.Scale(scaled, to, src, from, xdraw.Src, nil)
		alpha := image.NewUniform(color.Alpha{A: uint8(l.Opacity * 255)})
		sdraw.DrawMask(canvas, to, scaled, to.Min, alpha, image.Point{}, sdraw.Over)
	}
	return canvas
}

func rectToPixels(r display.Rect) image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)),
		int(math.Round(r.Y)),
		int(math.Round(r.X+r.W)),
		int(math.Round(r.Y+r.H)),
	)
}

// putImage sends the canvas to the window in the root visual's BGRx
// layout.
func (d *Driver) putImage(o *output, img *image.RGBA) error {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	depth := d.screen.RootDepth
	data := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := img.PixOffset(x, y)
			di := (y*w + x) * 4
			data[di] = img.Pix[si+2]
			data[di+1] = img.Pix[si+1]
			data[di+2] = img.Pix[si]
			if depth == 32 {
				data[di+3] = img.Pix[si+3]
			}
		}
	}

	err := xproto.PutImageChecked(
		d.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(o.window),
		o.gc,
		uint16(w), uint16(h),
		0, 0,
		0,
		depth,
		data,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	return nil
}

func (d *Driver) setWindowTitle(window xproto.Window, title string) error {
	titleAtom, err := d.internAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := d.internAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		d.conn,
		xproto.PropModeReplace,
		window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (d *Driver) internAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(d.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
