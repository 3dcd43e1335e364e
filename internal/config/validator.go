package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"imsd/internal/services"
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Transport must be known
	switch c.Device.Transport {
	case TransportQRTR:
	case TransportUDP:
		if err := validHostPort(c.Device.UDPBaseband); err != nil {
			errs = append(errs, fmt.Sprintf("device.udp_baseband: %v", err))
		}
		if err := validHostPort(c.DCM.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("dcm.listen: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("device.transport must be 'qrtr' or 'udp', got %q", c.Device.Transport))
	}

	// Slot count is bounded by the modem
	if c.SIM.Slots < 1 || c.SIM.Slots > 2 {
		errs = append(errs, fmt.Sprintf("sim.slots must be 1 or 2, got %d", c.SIM.Slots))
	}

	if c.WDS.APN == "" {
		errs = append(errs, "wds.apn must be specified")
	}

	if c.WDS.TickIntervalMs <= 0 {
		errs = append(errs, "wds.tick_interval_ms must be > 0")
	}

	// Request timeouts must fall in the range the baseband honours
	if c.WDS.RequestTimeoutMs < 1000 || c.WDS.RequestTimeoutMs > 180000 {
		errs = append(errs, fmt.Sprintf("wds.request_timeout_ms must be between 1000 and 180000, got %d", c.WDS.RequestTimeoutMs))
	}
	if c.WDS.StartNetworkTimeoutMs < 1000 || c.WDS.StartNetworkTimeoutMs > 180000 {
		errs = append(errs, fmt.Sprintf("wds.start_network_timeout_ms must be between 1000 and 180000, got %d", c.WDS.StartNetworkTimeoutMs))
	}

	if c.WDS.MaxRetries < 0 {
		errs = append(errs, "wds.max_retries must be >= 0")
	}
	if c.WDS.MaxStepFailures < 0 {
		errs = append(errs, "wds.max_step_failures must be >= 0")
	}

	switch c.WDS.LinkMode {
	case LinkModeNetlink:
		if c.WDS.LinkParent == "" {
			errs = append(errs, "wds.link_parent must be specified in netlink mode")
		}
	case LinkModeStatic:
	default:
		errs = append(errs, fmt.Sprintf("wds.link_mode must be 'netlink' or 'static', got %q", c.WDS.LinkMode))
	}
	if c.WDS.LinkPrefix == "" {
		errs = append(errs, "wds.link_prefix must be specified")
	}

	for _, name := range c.Services.Enabled {
		if _, err := services.ParseKind(name); err != nil {
			errs = append(errs, fmt.Sprintf("services.enabled: %v", err))
		}
	}
	if c.Services.Query && c.Services.TimeoutMs <= 0 {
		errs = append(errs, "services.timeout_ms must be > 0")
	}

	// Profile catalogue must exist when given
	if c.Profiles.File != "" {
		if _, err := os.Stat(c.Profiles.File); os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("profile catalogue not found: %s", c.Profiles.File))
		}
	}

	if c.Stats.Enabled && c.Stats.ReportIntervalSec < 0 {
		errs = append(errs, "stats.report_interval_sec must be >= 0")
	}

	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("api.listen: %v", err))
		}
	}

	// Log level must be valid
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("host must be an IP address, got %q", host)
	}
	if port == "" {
		return fmt.Errorf("missing port")
	}
	return nil
}
