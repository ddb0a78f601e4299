package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "camlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CAMLINK_DATA_DIR"
	// DefaultListeningPort is the command-channel port used when no user override exists.
	DefaultListeningPort = 7420
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultPresenceInterval is how often the presence monitor re-evaluates peers.
	DefaultPresenceInterval = 2 * time.Second
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Device models a node can run as.
const (
	ModelCapture    = "capture"
	ModelDirector   = "director"
	ModelAggregator = "aggregator"
)

// StreamPorts are transport endpoint hints handed to peers during pairing.
type StreamPorts struct {
	VideoTCP  int `json:"video_tcp"`
	VideoQUIC int `json:"video_quic"`
	AudioTCP  int `json:"audio_tcp"`
	AudioQUIC int `json:"audio_quic"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID            string      `json:"device_id"`
	DeviceName          string      `json:"device_name"`
	Model               string      `json:"model"`
	PortMode            string      `json:"port_mode"`
	ListeningPort       int         `json:"listening_port"`
	SigningKeyPath      string      `json:"signing_key_path"`
	AgreementKeyPath    string      `json:"agreement_key_path"`
	KeyFingerprint      string      `json:"key_fingerprint"`
	MediaRoot           string      `json:"media_root"`
	DownloadsDir        string      `json:"downloads_dir"`
	StreamPorts         StreamPorts `json:"stream_ports"`
	PresenceIntervalSec int         `json:"presence_interval_sec"`
}

// PresenceInterval returns the configured presence tick as a duration.
func (c *DeviceConfig) PresenceInterval() time.Duration {
	if c.PresenceIntervalSec <= 0 {
		return DefaultPresenceInterval
	}
	return time.Duration(c.PresenceIntervalSec) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CAMLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "media"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "camlink device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.SigningKeyPath, filepath.Join(keysDir, "signing_private.pem"))
	setString(&cfg.AgreementKeyPath, filepath.Join(keysDir, "agreement_private.pem"))
	setString(&cfg.MediaRoot, filepath.Join(dataDir, "media"))
	setString(&cfg.DownloadsDir, filepath.Join(dataDir, "downloads"))

	if model := NormalizeModel(cfg.Model); model != cfg.Model {
		cfg.Model = model
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.PresenceIntervalSec < 0 {
		cfg.PresenceIntervalSec = 0
		updated = true
	}

	return updated
}

// NormalizeModel maps unknown model names to the capture model.
func NormalizeModel(model string) string {
	switch model {
	case ModelCapture, ModelDirector, ModelAggregator:
		return model
	default:
		return ModelCapture
	}
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
