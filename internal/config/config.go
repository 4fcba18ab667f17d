package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/framecast/framecast/internal/logger"
)

// PreviewConfig sizes the X11 preview driver's windows.
type PreviewConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	Hz     int `json:"hz" yaml:"hz"`
}

// Config is the server configuration.
type Config struct {
	ServerPort   int           `json:"server_port" yaml:"server_port"`
	LogLevel     string        `json:"log_level" yaml:"log_level"`
	TrustNetwork bool          `json:"trust_network" yaml:"trust_network"`
	Device       string        `json:"device" yaml:"device"`
	MediaRoot    string        `json:"media_root" yaml:"media_root"`
	Preview      PreviewConfig `json:"preview" yaml:"preview"`
}

// Manager handles configuration persistence
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager loads the configuration, creating a default file on first
// run. An empty configFile means $HOME/.config/framecast/config.yaml.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir := filepath.Join(homeDir, ".config", "framecast")
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		actualConfigPath = filepath.Join(configDir, "config.yaml")
	}

	m := &Manager{configPath: actualConfigPath}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = getDefaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config loaded")
	return m, nil
}

func getDefaults() *Config {
	return &Config{
		ServerPort: 31415,
		LogLevel:   "info",
		Preview: PreviewConfig{
			Width:  1280,
			Height: 720,
			Hz:     60,
		},
	}
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := getDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.config = cfg
	return nil
}

// Save writes the configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// GetConfigPath returns the config file path.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// SetPort overrides the server port.
func (m *Manager) SetPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ServerPort = port
}

// SetLogLevel overrides the log level.
func (m *Manager) SetLogLevel(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.LogLevel = level
}

// SetDevice overrides the display device selector.
func (m *Manager) SetDevice(dev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Device = dev
}

// SetMediaRoot overrides the media root directory.
func (m *Manager) SetMediaRoot(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.MediaRoot = root
}

// SetTrustNetwork overrides whether non-localhost connections are
// accepted.
func (m *Manager) SetTrustNetwork(trust bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.TrustNetwork = trust
}
