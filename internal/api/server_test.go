package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/media"
	"github.com/framecast/framecast/internal/script"
)

type fakeEngine struct {
	mu        sync.Mutex
	installed []*script.Script
	shutdowns int
}

func (e *fakeEngine) InstallScript(s *script.Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installed = append(e.installed, s)
}

func (e *fakeEngine) RequestShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdowns++
}

func (e *fakeEngine) Period() time.Duration { return 10 * time.Millisecond }

func (e *fakeEngine) installs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.installed)
}

type fakeRunner struct {
	infos  map[string]media.Info
	status map[string]script.ScreenStatus
}

func (r *fakeRunner) FileInfo(path string) (media.Info, error) {
	info, ok := r.infos[path]
	if !ok {
		return media.Info{}, media.ErrNotFound
	}
	return info, nil
}

func (r *fakeRunner) Status() map[string]script.ScreenStatus {
	return r.status
}

type scanDriver struct {
	screens []display.Screen
}

func (d *scanDriver) ScanScreens() ([]display.Screen, error) { return d.screens, nil }
func (d *scanDriver) Update(uint32, display.Mode, display.Atom) error {
	return nil
}
func (d *scanDriver) UpdateDoneYet(uint32) (bool, error) { return true, nil }
func (d *scanDriver) Close() error                       { return nil }

func newTestServer(t *testing.T) (*fakeEngine, *fakeRunner, http.Handler) {
	t.Helper()
	engine := &fakeEngine{}
	runner := &fakeRunner{
		infos: map[string]media.Info{
			"loop.png": {Filename: "loop.png", ContainerType: "png"},
		},
		status: map[string]script.ScreenStatus{
			"HDMI-1": {LastShown: 12.5, Skips: 3},
		},
	}
	driver := &scanDriver{screens: []display.Screen{{
		ID:         1,
		Connector:  "HDMI-1",
		Detected:   true,
		ActiveMode: display.Mode{Width: 1920, Height: 1080, Hz: 60},
		Modes: []display.Mode{
			{Width: 1920, Height: 1080, Hz: 60},
			{Width: 1920, Height: 1080, Hz: 60}, // duplicate: must dedupe
			{Width: 1280, Height: 720, Hz: 60},
		},
	}}}
	s := NewServer(engine, runner, driver, 1700000000)
	return engine, runner, s.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: bad JSON response %q", method, path, rec.Body.String())
	}
	return rec, out
}

func TestPlayInstallsScript(t *testing.T) {
	engine, _, h := newTestServer(t)

	body := `{"main_loop_hz": 10, "screens": {"HDMI-1": {"layers": [{"media": "loop.png"}]}}}`
	rec, out := doJSON(t, h, "POST", "/play", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if out["ok"] != true {
		t.Errorf("ok = %v", out["ok"])
	}
	if engine.installs() != 1 {
		t.Fatalf("installed %d scripts", engine.installs())
	}
	if got := engine.installed[0].MainLoopHz; got != 10 {
		t.Errorf("installed hz = %g", got)
	}
}

func TestPlayDefaultsZeroTime(t *testing.T) {
	engine, _, h := newTestServer(t)

	rec, _ := doJSON(t, h, "POST", "/play", `{"main_loop_hz": 10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := engine.installed[0].ZeroTime; got != 1700000000 {
		t.Errorf("zero_time = %g, want server default", got)
	}
}

func TestPlayRejectsBadScript(t *testing.T) {
	engine, _, h := newTestServer(t)

	for _, body := range []string{
		`{"main_loop_hz": 0}`,
		`not json`,
		`{"bogus": 1}`,
	} {
		rec, out := doJSON(t, h, "POST", "/play", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if _, ok := out["error"]; !ok {
			t.Errorf("body %q: no error field", body)
		}
	}
	if engine.installs() != 0 {
		t.Errorf("invalid scripts were installed: %d", engine.installs())
	}
}

func TestQuitRequestsShutdown(t *testing.T) {
	engine, _, h := newTestServer(t)

	rec, out := doJSON(t, h, "POST", "/quit", "")
	if rec.Code != http.StatusOK || out["ok"] != true {
		t.Fatalf("status = %d, body %v", rec.Code, out)
	}
	if engine.shutdowns != 1 {
		t.Errorf("shutdowns = %d", engine.shutdowns)
	}
}

func TestScreensScan(t *testing.T) {
	_, _, h := newTestServer(t)

	rec, out := doJSON(t, h, "GET", "/screens", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	screens, ok := out["screens"].(map[string]any)
	if !ok {
		t.Fatalf("screens missing: %v", out)
	}
	entry, ok := screens["HDMI-1"].(map[string]any)
	if !ok {
		t.Fatalf("HDMI-1 missing: %v", screens)
	}
	if entry["detected"] != true {
		t.Error("detected not reported")
	}
	if modes, ok := entry["modes"].([]any); !ok || len(modes) != 2 {
		t.Errorf("modes = %v, want 2 after dedupe", entry["modes"])
	}
}

func TestMediaProbe(t *testing.T) {
	_, _, h := newTestServer(t)

	rec, out := doJSON(t, h, "GET", "/media/loop.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m, ok := out["media"].(map[string]any)
	if !ok || m["container_type"] != "png" {
		t.Errorf("media = %v", out["media"])
	}
}

func TestMediaNotFound(t *testing.T) {
	_, _, h := newTestServer(t)

	rec, out := doJSON(t, h, "GET", "/media/absent.png", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if _, ok := out["error"]; !ok {
		t.Error("no error field in 404 body")
	}
}

func TestHealth(t *testing.T) {
	_, _, h := newTestServer(t)

	rec, out := doJSON(t, h, "GET", "/api/health", "")
	if rec.Code != http.StatusOK || out["status"] != "healthy" {
		t.Errorf("health = %d %v", rec.Code, out)
	}
}

func TestStatus(t *testing.T) {
	_, _, h := newTestServer(t)

	rec, out := doJSON(t, h, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	screens, ok := out["screens"].(map[string]any)
	if !ok {
		t.Fatalf("screens missing: %v", out)
	}
	hdmi, ok := screens["HDMI-1"].(map[string]any)
	if !ok || hdmi["last_shown"] != 12.5 {
		t.Errorf("HDMI-1 status = %v", screens["HDMI-1"])
	}
}

func TestStatusStream(t *testing.T) {
	_, _, h := newTestServer(t)

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status map[string]script.ScreenStatus
	for i := 0; i < 2; i++ { // the feed keeps ticking
		if err := conn.ReadJSON(&status); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if got := status["HDMI-1"].Skips; got != 3 {
		t.Errorf("streamed skips = %d", got)
	}
}
