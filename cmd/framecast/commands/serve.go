package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/framecast/framecast/internal/api"
	"github.com/framecast/framecast/internal/clock"
	"github.com/framecast/framecast/internal/config"
	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/display/x11"
	"github.com/framecast/framecast/internal/engine"
	"github.com/framecast/framecast/internal/logger"
	"github.com/framecast/framecast/internal/media"
	"github.com/framecast/framecast/internal/script"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the framecast playback server",
	Long: `Start the framecast HTTP server and bind the display device.

The server accepts play scripts on POST /play, reports connectors on
GET /screens, probes media on GET /media/<path> and streams playback
status on GET /api/status/stream.`,
	Example: `  # Serve media from a directory on the default port (31415)
  framecast serve --media-root /srv/media

  # Custom port, verbose logs
  framecast serve --media-root /srv/media --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// openDriver binds the configured display device.
func openDriver(cfg config.Config) (display.Driver, error) {
	switch cfg.Device {
	case "", "x11":
		return x11.New(x11.Options{
			Width:  cfg.Preview.Width,
			Height: cfg.Preview.Height,
			Hz:     cfg.Preview.Hz,
		})
	default:
		return nil, fmt.Errorf("unknown display device %q", cfg.Device)
	}
}

func loadConfig() (*config.Manager, config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	// Flag overrides
	if port := viper.GetInt("server_port"); port > 0 {
		configMgr.SetPort(port)
	}
	if level := viper.GetString("log_level"); level != "" {
		configMgr.SetLogLevel(level)
	}
	if dev := viper.GetString("device"); dev != "" {
		configMgr.SetDevice(dev)
	}
	if root := viper.GetString("media_root"); root != "" {
		configMgr.SetMediaRoot(root)
	}
	if viper.GetBool("trust_network") {
		configMgr.SetTrustNetwork(true)
	}

	return configMgr, configMgr.Get(), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, viper.GetBool("pretty"))
	log := logger.WithComponent("serve")
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	if cfg.MediaRoot == "" {
		return fmt.Errorf("media root is required (--media-root or config)")
	}

	clk := clock.NewSystemClock()

	driver, err := openDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to open display device: %w", err)
	}
	defer driver.Close()

	source, err := media.NewStillSource(cfg.MediaRoot)
	if err != nil {
		return fmt.Errorf("failed to open media root: %w", err)
	}
	defer source.Close()
	log.Info().Str("media_root", cfg.MediaRoot).Msg("Media root bound")

	runner, err := script.NewRunner(clk, driver, source)
	if err != nil {
		return fmt.Errorf("failed to scan screens: %w", err)
	}

	loop := engine.New(clk, runner)
	loop.Start()

	zeroTime := float64(clk.Real().UnixNano()) / 1e9
	server := api.NewServer(loop, runner, driver, zeroTime)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(cfg.ServerPort, cfg.TrustNetwork)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info().Int("port", cfg.ServerPort).Msg("framecast is running")

	var fatal error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		loop.RequestShutdown()
	case <-loop.Done():
		// /quit or an internal stop; proceed to teardown.
	case fatal = <-runner.Fatal():
		log.Error().Err(fatal).Msg("Display driver failed")
		loop.RequestShutdown()
	case fatal = <-serveErr:
		if fatal != nil {
			log.Error().Err(fatal).Msg("HTTP server failed")
		}
		loop.RequestShutdown()
	}

	<-loop.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	// Players join their threads here; no driver calls follow.
	runner.Close()

	if fatal != nil {
		return fatal
	}
	log.Info().Msg("Stopped")
	return nil
}
