package sdk

import (
	"github.com/bhandras/devicelink/internal/config"
)

// FromConfig builds a runtime Config from loaded settings.
func FromConfig(c *config.Config, deviceID string) Config {
	cfg := DefaultConfig()
	cfg.Session = c.SessionSettings(deviceID)
	cfg.Dispatch = c.DispatchSettings()
	cfg.Outbound = c.OutboundSettings()
	cfg.Frames = c.FrameSettings()
	cfg.ChunkSize = c.Frames.ChunkSize
	cfg.TelemetryInterval = c.TelemetryInterval
	return cfg
}
