package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport names for device.transport.
const (
	TransportQRTR = "qrtr"
	TransportUDP  = "udp"
)

// Link modes for wds.link_mode.
const (
	LinkModeNetlink = "netlink"
	LinkModeStatic  = "static"
)

// Config holds all configuration for imsd.
type Config struct {
	Device   DeviceConfig   `yaml:"device"    mapstructure:"device"`
	DCM      DCMConfig      `yaml:"dcm"       mapstructure:"dcm"`
	SIM      SIMConfig      `yaml:"sim"       mapstructure:"sim"`
	WDS      WDSConfig      `yaml:"wds"       mapstructure:"wds"`
	Services ServicesConfig `yaml:"services"  mapstructure:"services"`
	Profiles ProfilesConfig `yaml:"profiles"  mapstructure:"profiles"`
	Store    StoreConfig    `yaml:"store"     mapstructure:"store"`
	Capture  CaptureConfig  `yaml:"capture"   mapstructure:"capture"`
	Logging  LoggingConfig  `yaml:"logging"   mapstructure:"logging"`
	Stats    StatsConfig    `yaml:"stats"     mapstructure:"stats"`
	API      APIConfig      `yaml:"api"       mapstructure:"api"`
	LockFile string         `yaml:"lock_file" mapstructure:"lock_file"`
}

type DeviceConfig struct {
	Transport   string `yaml:"transport"    mapstructure:"transport"`
	Node        uint32 `yaml:"node"         mapstructure:"node"`
	UDPBaseband string `yaml:"udp_baseband" mapstructure:"udp_baseband"`
	UDPLocal    string `yaml:"udp_local"    mapstructure:"udp_local"`
}

type DCMConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

type SIMConfig struct {
	Slots int `yaml:"slots" mapstructure:"slots"`
}

type WDSConfig struct {
	APN                   string `yaml:"apn"                      mapstructure:"apn"`
	TickIntervalMs        int    `yaml:"tick_interval_ms"         mapstructure:"tick_interval_ms"`
	EndpointType          uint32 `yaml:"endpoint_type"            mapstructure:"endpoint_type"`
	EndpointIfnum         uint32 `yaml:"endpoint_ifnum"           mapstructure:"endpoint_ifnum"`
	LinkMode              string `yaml:"link_mode"                mapstructure:"link_mode"`
	LinkParent            string `yaml:"link_parent"              mapstructure:"link_parent"`
	LinkPrefix            string `yaml:"link_prefix"              mapstructure:"link_prefix"`
	RequestTimeoutMs      int    `yaml:"request_timeout_ms"       mapstructure:"request_timeout_ms"`
	StartNetworkTimeoutMs int    `yaml:"start_network_timeout_ms" mapstructure:"start_network_timeout_ms"`
	MaxRetries            int    `yaml:"max_retries"              mapstructure:"max_retries"`
	MaxStepFailures       int    `yaml:"max_step_failures"        mapstructure:"max_step_failures"`
}

// RequestTimeout returns the default baseband request deadline.
func (w WDSConfig) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutMs) * time.Millisecond
}

// StartNetworkTimeout returns the StartNetwork deadline.
func (w WDSConfig) StartNetworkTimeout() time.Duration {
	return time.Duration(w.StartNetworkTimeoutMs) * time.Millisecond
}

// TickInterval returns the state machine tick.
func (w WDSConfig) TickInterval() time.Duration {
	return time.Duration(w.TickIntervalMs) * time.Millisecond
}

type ServicesConfig struct {
	Query     bool     `yaml:"query"      mapstructure:"query"`
	Enabled   []string `yaml:"enabled"    mapstructure:"enabled"`
	TimeoutMs int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
}

type ProfilesConfig struct {
	File     string `yaml:"file"     mapstructure:"file"`
	Selected string `yaml:"selected" mapstructure:"selected"`
}

type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

type CaptureConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"   mapstructure:"level"`
	File    string `yaml:"file"    mapstructure:"file"`
	Console bool   `yaml:"console" mapstructure:"console"`
	Hexdump bool   `yaml:"hexdump" mapstructure:"hexdump"`
}

type StatsConfig struct {
	Enabled           bool   `yaml:"enabled"             mapstructure:"enabled"`
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
}

// APIConfig enables the HTTP status endpoint. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device.transport", TransportQRTR)
	v.SetDefault("device.node", 0)
	v.SetDefault("device.udp_baseband", "127.0.0.1:9000")
	v.SetDefault("device.udp_local", "127.0.0.1:0")
	v.SetDefault("dcm.listen", "127.0.0.1:9302")
	v.SetDefault("sim.slots", 1)
	v.SetDefault("wds.apn", "ims")
	v.SetDefault("wds.tick_interval_ms", 100)
	v.SetDefault("wds.endpoint_type", 4)
	v.SetDefault("wds.endpoint_ifnum", 1)
	v.SetDefault("wds.link_mode", LinkModeNetlink)
	v.SetDefault("wds.link_parent", "rmnet_ipa0")
	v.SetDefault("wds.link_prefix", "rmnet_ims")
	v.SetDefault("wds.request_timeout_ms", 10000)
	v.SetDefault("wds.start_network_timeout_ms", 180000)
	v.SetDefault("wds.max_retries", 0)
	v.SetDefault("wds.max_step_failures", 0)
	v.SetDefault("services.query", true)
	v.SetDefault("services.enabled", []string{"NAS", "DMS", "PDC", "MFS", "IMSS", "IMSA"})
	v.SetDefault("services.timeout_ms", 10000)
	v.SetDefault("store.path", "/var/lib/imsd/imsd.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.hexdump", false)
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.report_interval_sec", 60)
	v.SetDefault("api.listen", "")
	v.SetDefault("lock_file", "/run/imsd.lock")
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	if c.Device.Transport == TransportUDP {
		sb.WriteString(fmt.Sprintf("  Transport:     udp (baseband %s, dcm %s)\n", c.Device.UDPBaseband, c.DCM.Listen))
	} else {
		sb.WriteString(fmt.Sprintf("  Transport:     qrtr (node %d)\n", c.Device.Node))
	}
	sb.WriteString(fmt.Sprintf("  SIM slots:     %d\n", c.SIM.Slots))
	sb.WriteString(fmt.Sprintf("  APN:           %s\n", c.WDS.APN))
	sb.WriteString(fmt.Sprintf("  Profile:       %s\n", orDefault(c.Profiles.Selected, "(catalogue default)")))
	sb.WriteString(fmt.Sprintf("  Links:         %s %s* on %s\n", c.WDS.LinkMode, c.WDS.LinkPrefix, c.WDS.LinkParent))
	sb.WriteString(fmt.Sprintf("  Tick:          %dms\n", c.WDS.TickIntervalMs))
	sb.WriteString(fmt.Sprintf("  Timeout:       %dms (start network %dms)\n", c.WDS.RequestTimeoutMs, c.WDS.StartNetworkTimeoutMs))
	sb.WriteString(fmt.Sprintf("  Store:         %s\n", orDefault(c.Store.Path, "disabled")))
	sb.WriteString(fmt.Sprintf("  Capture:       %s\n", orDefault(c.Capture.File, "disabled")))
	sb.WriteString(fmt.Sprintf("  Status API:    %s\n", orDefault(c.API.Listen, "disabled")))
	return sb.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
