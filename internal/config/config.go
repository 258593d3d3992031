package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/btchat/internal/bt/protocol"
)

// Config holds all application configuration.
type Config struct {
	DeviceName string          `yaml:"device_name"` // sender label on outgoing frames
	LogLevel   string          `yaml:"log_level"`
	Bluetooth  BluetoothConfig `yaml:"bluetooth"`
	Chat       ChatConfig      `yaml:"chat"`
	Daemon     DaemonConfig    `yaml:"daemon"`
}

// BluetoothConfig selects and tunes the platform backends.
type BluetoothConfig struct {
	Adapter       string `yaml:"adapter"`   // BlueZ adapter, e.g. "hci0"
	Transport     string `yaml:"transport"` // "bluez", "rfcomm" or "serial"
	Discovery     string `yaml:"discovery"` // "bluez" or "le"
	// LEServiceUUID filters le discovery by advertised service. Empty
	// reports every advertiser.
	LEServiceUUID string `yaml:"le_service_uuid"`
	ServiceUUID   string `yaml:"service_uuid"`
	ESPUUID       string `yaml:"esp_uuid"`
	ServiceName   string `yaml:"service_name"`
	RFCOMMChannel int    `yaml:"rfcomm_channel"` // 0: BlueZ picks, rfcomm uses 1
	SerialPort    string `yaml:"serial_port"`    // serial transport only
	BaudRate      int    `yaml:"baud_rate"`
}

// ChatConfig holds session settings.
type ChatConfig struct {
	Malformed     string `yaml:"malformed"` // "drop", "close" or "raw"
	MaxFrameBytes int    `yaml:"max_frame_bytes"`
	EventBuffer   int    `yaml:"event_buffer"`
}

// DaemonConfig holds settings for the background daemon.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btchat")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultSocketPath returns the daemon's control socket path, preferring
// $XDG_RUNTIME_DIR.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "btchat.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("btchat-%d.sock", os.Getuid()))
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceName: "Phone",
		LogLevel:   "info",
		Bluetooth: BluetoothConfig{
			Adapter:       "hci0",
			Transport:     "bluez",
			Discovery:     "bluez",
			ServiceUUID:   "27b7d1da-08c7-4505-a6d1-2459987e5e2d",
			ESPUUID:       "00001101-0000-1000-8000-00805f9b34fb",
			ServiceName:   "btchat",
			RFCOMMChannel: 0,
			SerialPort:    "/dev/rfcomm0",
			BaudRate:      115200,
		},
		Chat: ChatConfig{
			Malformed:     "drop",
			MaxFrameBytes: protocol.DefaultMaxFrameBytes,
			EventBuffer:   16,
		},
		Daemon: DaemonConfig{
			SocketPath: DefaultSocketPath(),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Bluetooth.SerialPort = expandTilde(cfg.Bluetooth.SerialPort)
	cfg.Daemon.SocketPath = expandTilde(cfg.Daemon.SocketPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := protocol.ValidateSender(c.DeviceName); err != nil {
		return fmt.Errorf("device_name: %w", err)
	}

	b := c.Bluetooth
	switch b.Transport {
	case "bluez", "rfcomm", "serial":
	default:
		return fmt.Errorf("bluetooth.transport must be bluez, rfcomm, or serial, got %q", b.Transport)
	}

	switch b.Discovery {
	case "bluez", "le":
	default:
		return fmt.Errorf("bluetooth.discovery must be \"bluez\" or \"le\", got %q", b.Discovery)
	}

	if _, _, err := b.UUIDs(); err != nil {
		return err
	}
	if _, err := b.LEFilter(); err != nil {
		return err
	}

	if b.Transport == "bluez" && b.ServiceName == "" {
		return fmt.Errorf("bluetooth.service_name must not be empty")
	}

	if b.RFCOMMChannel < 0 || b.RFCOMMChannel > 30 {
		return fmt.Errorf("bluetooth.rfcomm_channel must be 0-30, got %d", b.RFCOMMChannel)
	}

	if b.Transport == "serial" {
		if b.SerialPort == "" {
			return fmt.Errorf("bluetooth.serial_port must not be empty for serial transport")
		}
		if b.BaudRate <= 0 {
			return fmt.Errorf("bluetooth.baud_rate must be > 0")
		}
	}

	switch c.Chat.Malformed {
	case "drop", "close", "raw":
	default:
		return fmt.Errorf("chat.malformed must be drop, close, or raw, got %q", c.Chat.Malformed)
	}

	if c.Chat.MaxFrameBytes < 16 {
		return fmt.Errorf("chat.max_frame_bytes must be >= 16, got %d", c.Chat.MaxFrameBytes)
	}

	if c.Chat.EventBuffer <= 0 {
		return fmt.Errorf("chat.event_buffer must be > 0")
	}

	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// UUIDs parses the chat and ESP32 service identifiers.
func (b BluetoothConfig) UUIDs() (chat, esp uuid.UUID, err error) {
	chat, err = uuid.Parse(b.ServiceUUID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("bluetooth.service_uuid: %w", err)
	}
	esp, err = uuid.Parse(b.ESPUUID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("bluetooth.esp_uuid: %w", err)
	}
	return chat, esp, nil
}

// LEFilter parses the advertised service that LE discovery filters on.
// It returns uuid.Nil when none is configured.
func (b BluetoothConfig) LEFilter() (uuid.UUID, error) {
	if b.LEServiceUUID == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(b.LEServiceUUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bluetooth.le_service_uuid: %w", err)
	}
	return id, nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# btchat configuration
#
# bluetooth.transport: bluez (profile via D-Bus), rfcomm (raw socket on
# rfcomm_channel) or serial (a bound /dev/rfcomm* or COM port).
# bluetooth.rfcomm_channel: 0 lets BlueZ pick; the rfcomm transport then
# uses channel 1.
# bluetooth.discovery: bluez (classic inquiry) or le (advertisements).
# bluetooth.le_service_uuid: with le discovery, only report advertisers of
# this service. Classic SPP boards do not advertise one, so leave it empty
# for them.
# chat.malformed: drop, close or raw.

`

// WriteDefault writes a commented default config to DefaultConfigPath. If
// a file is already there it returns ("", nil) and leaves it alone.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
