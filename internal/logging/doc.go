// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Keeps the most recent entries in a ring buffer served by the API
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"capture": "debug",
//			"api":     "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger(logging.ModuleSession)
//	logger.Info("Channel ready", "channel", name)
//
// Channel loggers carry their identity:
//
//	logger := logging.GetLogger(logging.ModuleCapture).With("channel", "cam0")
//
// Levels can be changed at runtime with SetLevels; loggers already handed out
// pick up the new level immediately.
//
// # Viewing Logs
//
//	journalctl -t rtcapture                 # All daemon logs
//	journalctl -t rtcapture -f              # Follow live
//	journalctl -t rtcapture MODULE=capture  # One module
//	journalctl -t rtcapture CHANNEL_ID=3    # One firmware channel
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//	buffer_size = 1000
//
//	[logging.modules]
//	capture = "debug"
//	mailbox = "warn"
package logging
