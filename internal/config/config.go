// Package config loads the node configuration file. A missing file is created with
// defaults on first use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	overlay "github.com/bsv-blockchain/go-overlay"
)

// ErrConfig is wrapped by every configuration error.
var ErrConfig = errors.New("invalid configuration")

// DefaultPath is the file used when no path is given.
const DefaultPath = "config.toml"

// Config is the content of the configuration file.
type Config struct {
	HTMLDir     string           `toml:"html_dir"`
	HTTPAddress string           `toml:"http_address"`
	Network     NetworkConfig    `toml:"network"`
	Throttling  ThrottlingConfig `toml:"throttling"`
	P2P         P2PConfig        `toml:"p2p"`
}

// NetworkConfig holds bandwidth limits as rate strings such as "1Mbps" or "2MB/s".
type NetworkConfig struct {
	MaxDownloadSpeed string `toml:"max_download_speed"`
	MaxUploadSpeed   string `toml:"max_upload_speed"`
}

// ThrottlingConfig enables the limits and sizes the burst allowance.
type ThrottlingConfig struct {
	Enabled       bool   `toml:"enabled"`
	BurstLimit    string `toml:"burst_limit"`
	BurstDuration string `toml:"burst_duration"`
}

// P2PConfig holds the overlay node settings.
type P2PConfig struct {
	Port               int      `toml:"port"`
	ListenAddresses    []string `toml:"listen_addresses"`
	AdvertiseAddresses []string `toml:"advertise_addresses"`
	PrivateKey         string   `toml:"private_key"`
	SharedKey          string   `toml:"shared_key"`
	StaticPeers        []string `toml:"static_peers"`
	EnableDiscovery    bool     `toml:"enable_discovery"`
	DiscoveryAddress   string   `toml:"discovery_address"`
	DiscoveryInterval  string   `toml:"discovery_interval"`
	Topics             []string `toml:"topics"`
	PeerCacheFile      string   `toml:"peer_cache_file"`
	BlockedSubnets     []string `toml:"blocked_subnets"`
}

// Default returns the configuration written on first use.
func Default() *Config {
	return &Config{
		HTMLDir:     "./html",
		HTTPAddress: "127.0.0.1:8080",
		Network: NetworkConfig{
			MaxDownloadSpeed: "1Mbps",
			MaxUploadSpeed:   "512kbps",
		},
		Throttling: ThrottlingConfig{
			Enabled:       true,
			BurstLimit:    "200kbps",
			BurstDuration: "5s",
		},
		P2P: P2PConfig{
			Port:              4001,
			ListenAddresses:   []string{"0.0.0.0"},
			EnableDiscovery:   true,
			DiscoveryAddress:  overlay.DefaultDiscoveryAddress,
			DiscoveryInterval: "5s",
			Topics:            []string{"overlay"},
		},
	}
}

// Load reads the file at path, writing the defaults there first when it does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Default().Save(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	_ = toml.NewEncoder(&buf).Encode(c)

	return buf.String()
}

// Validate checks rate strings and durations.
func (c *Config) Validate() error {
	for name, s := range map[string]string{
		"network.max_download_speed": c.Network.MaxDownloadSpeed,
		"network.max_upload_speed":   c.Network.MaxUploadSpeed,
		"throttling.burst_limit":     c.Throttling.BurstLimit,
	} {
		if s == "" {
			continue
		}

		if _, err := ParseRate(s); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
		}
	}

	for name, s := range map[string]string{
		"throttling.burst_duration": c.Throttling.BurstDuration,
		"p2p.discovery_interval":    c.P2P.DiscoveryInterval,
	} {
		if s == "" {
			continue
		}

		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfig, name, err)
		}
	}

	return nil
}

// UploadRate returns the upload limit in bytes per second, 0 when throttling is off.
func (c *Config) UploadRate() int {
	return c.rate(c.Network.MaxUploadSpeed)
}

// DownloadRate returns the download limit in bytes per second, 0 when throttling is off.
func (c *Config) DownloadRate() int {
	return c.rate(c.Network.MaxDownloadSpeed)
}

// BurstBytes is the burst limit sustained for the burst duration.
func (c *Config) BurstBytes() int {
	limit := c.rate(c.Throttling.BurstLimit)
	if limit == 0 {
		return 0
	}

	d, err := time.ParseDuration(c.Throttling.BurstDuration)
	if err != nil || d < time.Second {
		return limit
	}

	return int(int64(limit) * int64(d/time.Second))
}

func (c *Config) rate(s string) int {
	if !c.Throttling.Enabled || s == "" {
		return 0
	}

	r, err := ParseRate(s)
	if err != nil {
		return 0
	}

	return int(r)
}

// NodeConfig maps the file onto the overlay node configuration.
func (c *Config) NodeConfig(processName string) overlay.Config {
	nc := overlay.Config{
		ProcessName:        processName,
		ListenAddresses:    c.P2P.ListenAddresses,
		AdvertiseAddresses: c.P2P.AdvertiseAddresses,
		Port:               c.P2P.Port,
		PrivateKey:         c.P2P.PrivateKey,
		SharedKey:          c.P2P.SharedKey,
		StaticPeers:        c.P2P.StaticPeers,
		EnableDiscovery:    c.P2P.EnableDiscovery,
		DiscoveryAddress:   c.P2P.DiscoveryAddress,
		MaxUploadRate:      c.UploadRate(),
		MaxDownloadRate:    c.DownloadRate(),
		BurstBytes:         c.BurstBytes(),
		BlockedSubnets:     c.P2P.BlockedSubnets,
	}

	if d, err := time.ParseDuration(c.P2P.DiscoveryInterval); err == nil {
		nc.DiscoveryInterval = d
	}

	if c.P2P.PeerCacheFile != "" {
		nc.EnablePeerCache = true
		nc.PeerCacheFile = c.P2P.PeerCacheFile
	}

	return nc
}
