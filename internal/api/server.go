package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/logger"
	"github.com/framecast/framecast/internal/media"
	"github.com/framecast/framecast/internal/script"
)

// maxScriptBytes bounds a /play request body.
const maxScriptBytes = 4 << 20

// Engine is what the adapter needs from the main loop.
type Engine interface {
	InstallScript(s *script.Script)
	RequestShutdown()
	Period() time.Duration
}

// Runner is what the adapter needs from the script runner.
type Runner interface {
	FileInfo(path string) (media.Info, error)
	Status() map[string]script.ScreenStatus
}

// Server maps the HTTP control plane onto the engine: script
// installation, shutdown, screen and media inspection, and a live
// status feed.
type Server struct {
	router   *mux.Router
	engine   Engine
	runner   Runner
	driver   display.Driver
	zeroTime float64
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer builds the control-plane server. zeroTime is the default
// zero_time for scripts that omit one (normally server start, in real
// epoch seconds).
func NewServer(engine Engine, runner Runner, driver display.Driver, zeroTime float64) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		engine:   engine,
		runner:   runner,
		driver:   driver,
		zeroTime: zeroTime,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Playback control
	s.router.HandleFunc("/play", s.handlePlay).Methods("POST")
	s.router.HandleFunc("/quit", s.handleQuit).Methods("POST")
	s.router.HandleFunc("/screens", s.handleScreens).Methods("GET")
	s.router.PathPrefix("/media/").HandlerFunc(s.handleMedia).Methods("GET")

	// Introspection
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/status/stream", s.handleStatusStream)
}

// Handler returns the routing stack, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.logRequests(s.router))
}

// Start serves HTTP until Shutdown. Listens on localhost unless
// trustNetwork allows the whole network in.
func (s *Server) Start(port int, trustNetwork bool) error {
	addr := fmt.Sprintf("localhost:%d", port)
	if trustNetwork {
		logger.WithComponent("api").Info().Int("port", port).Msg("Listening to WHOLE NETWORK")
		addr = fmt.Sprintf(":%d", port)
	} else {
		logger.WithComponent("api").Info().Int("port", port).Msg("Listening to localhost")
	}

	s.http = &http.Server{Addr: addr, Handler: s.Handler()}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// logRequests logs one line per request with the response status.
func (s *Server) logRequests(next http.Handler) http.Handler {
	log := logger.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info().
			Int("status", sw.status).
			Str("remote", r.RemoteAddr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// HTTP Handlers

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScriptBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"req": r.URL.Path, "error": err.Error()})
		return
	}

	sc, err := script.Parse(body, s.zeroTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"req": r.URL.Path, "error": err.Error()})
		return
	}

	layers := 0
	for _, screen := range sc.Screens {
		layers += len(screen.Layers)
	}
	logger.WithComponent("api").Debug().
		Int("screens", len(sc.Screens)).
		Int("layers", layers).
		Float64("zero_time", sc.ZeroTime).
		Msg("PLAY")

	s.engine.InstallScript(sc)
	writeJSON(w, http.StatusOK, map[string]any{"req": r.URL.Path, "ok": true})
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	logger.WithComponent("api").Debug().Msg("STOP")
	s.engine.RequestShutdown()
	writeJSON(w, http.StatusOK, map[string]any{"req": r.URL.Path, "ok": true})
}

func (s *Server) handleScreens(w http.ResponseWriter, r *http.Request) {
	scanned, err := s.driver.ScanScreens()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"req": r.URL.Path, "error": err.Error()})
		return
	}

	screens := make(map[string]any, len(scanned))
	for _, screen := range scanned {
		entry := map[string]any{"detected": screen.Detected}
		if screen.ActiveMode.Hz != 0 {
			entry["active_mode"] = screen.ActiveMode
		}
		modes := make([]display.Mode, 0, len(screen.Modes))
		seen := make(map[display.Mode]bool)
		for _, m := range screen.Modes {
			if !seen[m] {
				seen[m] = true
				modes = append(modes, m)
			}
		}
		entry["modes"] = modes
		screens[screen.Connector] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{"req": r.URL.Path, "ok": true, "screens": screens})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/media/"):]

	info, err := s.runner.FileInfo(path)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"req": r.URL.Path, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"req": r.URL.Path, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"req": r.URL.Path, "ok": true, "media": info})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"req":     r.URL.Path,
		"ok":      true,
		"screens": s.runner.Status(),
	})
}

// handleStatusStream feeds the status document over a websocket at the
// main loop's cadence.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		interval := s.engine.Period()
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}

		if err := conn.WriteJSON(s.runner.Status()); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(interval):
		}
	}
}
