package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/rtcapture/cmd"
	"github.com/smazurov/rtcapture/internal/api"
	"github.com/smazurov/rtcapture/internal/capture"
	"github.com/smazurov/rtcapture/internal/config"
	"github.com/smazurov/rtcapture/internal/events"
	"github.com/smazurov/rtcapture/internal/logging"
	"github.com/smazurov/rtcapture/internal/metrics"
	"github.com/smazurov/rtcapture/internal/metrics/collectors"
	"github.com/smazurov/rtcapture/internal/metrics/exporters"
	"github.com/smazurov/rtcapture/internal/session"
	"github.com/smazurov/rtcapture/internal/surface"
	"github.com/smazurov/rtcapture/internal/syncpt"
	"github.com/smazurov/rtcapture/internal/systemd"
	"github.com/smazurov/rtcapture/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port       string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	CORSOrigin string `help:"Allowed CORS origin" default:"*" toml:"server.cors_origin" env:"SERVER_CORS_ORIGIN"`

	// Channel settings
	ChannelsFile           string `help:"Channel declarations file" default:"channels.toml" toml:"channels.config_file" env:"CHANNELS_CONFIG_FILE"`
	ChannelsSetupTimeout   string `help:"Default setup timeout" default:"1s" toml:"channels.setup_timeout" env:"CHANNELS_SETUP_TIMEOUT"`
	ChannelsControlTimeout string `help:"Default control timeout" default:"1s" toml:"channels.control_timeout" env:"CHANNELS_CONTROL_TIMEOUT"`
	ChannelsResetBarrier   bool   `help:"Request a reset barrier for channels that do not set one" default:"false" toml:"channels.reset_barrier" env:"CHANNELS_RESET_BARRIER"`

	// Coprocessor settings
	CoprocMaxChannels  int    `help:"Channels the coprocessor accepts" default:"32" toml:"coproc.max_channels" env:"COPROC_MAX_CHANNELS"`
	CoprocQueueSize    int    `help:"Mailbox frames buffered per stream" default:"64" toml:"coproc.queue_size" env:"COPROC_QUEUE_SIZE"`
	CoprocLatency      string `help:"Simulated processing time per request" default:"1ms" toml:"coproc.latency" env:"COPROC_LATENCY"`
	CoprocBarrierGrace string `help:"Wait for in-flight frames before a reset barrier" default:"5ms" toml:"coproc.barrier_grace" env:"COPROC_BARRIER_GRACE"`
	CoprocWindowMiB    int    `help:"IO virtual address window size in MiB" default:"256" toml:"coproc.window_mib" env:"COPROC_WINDOW_MIB"`
	CoprocSyncpoints   int    `help:"Progress counters in the pool" default:"256" toml:"coproc.syncpoints" env:"COPROC_SYNCPOINTS"`
	CoprocRebootUnit   string `help:"systemd unit restarted when a release fails" default:"" toml:"coproc.reboot_unit" env:"COPROC_REBOOT_UNIT"`
	CoprocUserBus      bool   `help:"Use the systemd user bus" default:"false" toml:"coproc.user_bus" env:"COPROC_USER_BUS"`

	// Observability settings
	ObsMetricsInterval string `help:"Metrics sampling interval" default:"1s" toml:"obs.metrics_interval" env:"OBS_METRICS_INTERVAL"`
	ObsRequestEvents   bool   `help:"Publish an event per submitted and completed request" default:"false" toml:"obs.request_events" env:"OBS_REQUEST_EVENTS"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel   string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingCapture string `help:"Capture logging level" default:"info" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingMailbox string `help:"Mailbox logging level" default:"info" toml:"logging.mailbox" env:"LOGGING_MAILBOX"`
	LoggingSession string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingAPI     string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

// duration parses s, falling back to def when it is empty or invalid.
func duration(logger *slog.Logger, name, s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Warn("Invalid duration, using default", "option", name, "value", s, "default", def)
		return def
	}
	return d
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				logging.ModuleCapture: opts.LoggingCapture,
				logging.ModuleMailbox: opts.LoggingMailbox,
				logging.ModuleSession: opts.LoggingSession,
				logging.ModuleAPI:     opts.LoggingAPI,
			},
		})
		logger := logging.GetLogger(logging.ModuleMain)
		logger.Info("rtcapture starting", "version", version.Get())

		// Create event bus for in-process event handling
		eventBus := events.New()
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.LogEvent(entry))
		})

		// The firmware unit is optional; without it only the simulator reboots.
		var units *systemd.Manager
		var rebooter *systemd.Rebooter
		if opts.CoprocRebootUnit != "" {
			var err error
			units, err = systemd.NewManager(context.Background(), opts.CoprocUserBus)
			if err != nil {
				logger.Warn("systemd unavailable, firmware unit control disabled", "error", err)
			} else {
				rebooter = systemd.NewRebooter(units, opts.CoprocRebootUnit)
			}
		}

		window := surface.DefaultConfig()
		window.WindowSize = uint64(opts.CoprocWindowMiB) << 20
		counters := syncpt.DefaultPoolConfig()
		counters.Count = uint32(opts.CoprocSyncpoints)

		sessionCfg := session.Config{
			QueueSize:    opts.CoprocQueueSize,
			Surfaces:     window,
			Counters:     counters,
			Latency:      duration(logger, "coproc.latency", opts.CoprocLatency, time.Millisecond),
			BarrierGrace: duration(logger, "coproc.barrier_grace", opts.CoprocBarrierGrace, 5*time.Millisecond),
			MaxChannels:  opts.CoprocMaxChannels,
			Defaults: config.ChannelDefaults{
				ResetBarrier:   opts.ChannelsResetBarrier,
				SetupTimeout:   duration(logger, "channels.setup_timeout", opts.ChannelsSetupTimeout, time.Second),
				ControlTimeout: duration(logger, "channels.control_timeout", opts.ChannelsControlTimeout, time.Second),
			},
			Observers: capture.Observers{
				events.NewObserver(eventBus, opts.ObsRequestEvents),
				metrics.Observer{},
			},
			OnReboot: func(reason string, err error) {
				ev := events.FirmwareRebootEvent{Reason: reason, Timestamp: time.Now().UTC().Format(time.RFC3339)}
				if err != nil {
					ev.Error = err.Error()
				}
				eventBus.Publish(ev)
			},
		}
		if rebooter != nil {
			sessionCfg.Rebooter = rebooter
		}

		mgr, err := session.New(sessionCfg)
		if err != nil {
			logger.Error("Failed to start capture session", "error", err)
			os.Exit(1)
		}

		// Channels are reconciled whenever channels.toml changes.
		channelsWatcher := config.NewConfigWatcher(opts.ChannelsFile, config.LoadChannels, logger)
		channelsWatcher.OnReload(func(cfg *config.ChannelsConfig) {
			if err := cfg.Validate(); err != nil {
				logger.Error("Ignoring invalid channels config", "file", opts.ChannelsFile, "error", err)
				return
			}
			if err := mgr.Apply(context.Background(), cfg.Channels); err != nil {
				logger.Error("Failed to apply channels config", "error", err)
			}
		})

		// Log levels follow config.toml without a restart.
		settingsWatcher := config.NewConfigWatcher(opts.Config, func(path string) (logging.Config, error) {
			return config.LoadLoggingConfig(path), nil
		}, logger)
		settingsWatcher.OnReload(logging.SetLevels)

		interval := duration(logger, "obs.metrics_interval", opts.ObsMetricsInterval, time.Second)
		collector := collectors.NewResourceCollector(collectors.Sources{
			Mailbox:  mgr.Mailbox(),
			Firmware: mgr.Firmware(),
			Counters: mgr.Counters(),
			Surfaces: mgr.Surfaces(),
		}, interval)
		sseExporter := exporters.NewSSEExporter(eventBus, interval)

		apiOpts := &api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			CORSOrigin:        opts.CORSOrigin,
			Channels:          mgr,
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
			MetricEventTypes:  exporters.GetEventTypes(),
		}
		if units != nil {
			apiOpts.SystemdManager = units
			apiOpts.FirmwareUnit = opts.CoprocRebootUnit
		}
		server := api.NewServer(apiOpts)

		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			channels, err := config.LoadChannels(opts.ChannelsFile)
			if err == nil {
				err = channels.Validate()
			}
			if err != nil {
				logger.Error("Failed to load channels config", "file", opts.ChannelsFile, "error", err)
				os.Exit(1)
			}
			if err := mgr.Open(ctx, channels.Channels); err != nil {
				logger.Error("Failed to set up channels", "error", err)
				os.Exit(1)
			}
			logger.Info("Channels ready", "count", len(channels.Channels))

			if err := channelsWatcher.Start(); err != nil {
				logger.Warn("Failed to watch channels config", "error", err)
			}
			if err := settingsWatcher.Start(); err != nil {
				logger.Warn("Failed to watch config file", "error", err)
			}
			if err := collector.Start(ctx); err != nil {
				logger.Warn("Failed to start resource collector", "error", err)
			}
			sseExporter.Start(ctx)

			logger.Info("Starting HTTP server", "port", opts.Port)
			if err := server.Start(opts.Port); err != nil {
				logger.Error("Failed to start HTTP server", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()

			if err := server.Stop(stopCtx); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}
			_ = channelsWatcher.Stop()
			_ = settingsWatcher.Stop()
			sseExporter.Stop()
			_ = collector.Stop()
			cancel()

			// Channels are released after the API stops accepting requests.
			if err := mgr.Shutdown(stopCtx); err != nil {
				logger.Error("Channels left behind at shutdown", "error", err)
			}
			if units != nil {
				units.Close()
			}
			logging.SetLogCallback(nil)
		})
	})

	cli.Root().Use = "rtcapture"
	cli.Root().Version = version.String()
	cli.Root().AddCommand(cmd.CreateValidateChannelsCmd())
	cli.Root().AddCommand(cmd.CreateExerciseCmd())

	// Run the CLI
	cli.Run()
}
