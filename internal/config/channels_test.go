package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/rtcapture/internal/capture"
)

const channelsTOML = `
version = 1

[[channel]]
name = "cam0"
kind = "vi"
stream = 0
virtual_channel = 1
queue_depth = 4

[[channel]]
name = "isp0"
kind = "isp"
stream = 2
queue_depth = 8
program_queue_depth = 4
completion = "progress-status"
reset_barrier = false
control_timeout = "250ms"
`

func TestLoadChannels(t *testing.T) {
	cfg, err := LoadChannels(writeTemp(t, "channels.toml", channelsTOML))
	if err != nil {
		t.Fatalf("LoadChannels: %v", err)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(cfg.Channels))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	defaults := ChannelDefaults{ResetBarrier: true, SetupTimeout: time.Second, ControlTimeout: time.Second}

	vi, err := cfg.Channels[0].CaptureConfig(defaults)
	if err != nil {
		t.Fatalf("CaptureConfig(cam0): %v", err)
	}
	if vi.Kind != capture.KindVI || vi.QueueDepth != 4 || vi.Stream != (capture.StreamKey{VirtualChannel: 1}) {
		t.Errorf("cam0 config = %+v", vi)
	}
	if !vi.ResetBarrier || vi.Completion != nil {
		t.Errorf("cam0 barrier=%v completion=%v, want defaults", vi.ResetBarrier, vi.Completion)
	}

	isp, err := cfg.Channels[1].CaptureConfig(defaults)
	if err != nil {
		t.Fatalf("CaptureConfig(isp0): %v", err)
	}
	if isp.ResetBarrier {
		t.Error("isp0 reset_barrier override ignored")
	}
	if isp.ControlTimeout != 250*time.Millisecond || isp.SetupTimeout != time.Second {
		t.Errorf("isp0 timeouts = %v/%v", isp.SetupTimeout, isp.ControlTimeout)
	}
	ps, ok := isp.Completion.(capture.ProgressStatus)
	if !ok || ps.Region.Len() != 12 {
		t.Errorf("isp0 completion = %#v, want progress-status with 12 cells", isp.Completion)
	}
}

func TestLoadChannelsMissingFile(t *testing.T) {
	cfg, err := LoadChannels(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadChannels: %v", err)
	}
	if cfg.Version != 1 || len(cfg.Channels) != 0 {
		t.Errorf("got %+v, want empty version 1", cfg)
	}
}

func TestSaveChannelsRoundTrip(t *testing.T) {
	src, err := LoadChannels(writeTemp(t, "channels.toml", channelsTOML))
	if err != nil {
		t.Fatalf("LoadChannels: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", "channels.toml")
	if err := SaveChannels(path, src); err != nil {
		t.Fatalf("SaveChannels: %v", err)
	}
	got, err := LoadChannels(path)
	if err != nil {
		t.Fatalf("LoadChannels(saved): %v", err)
	}
	if len(got.Channels) != 2 || got.Channels[1].Completion != CompletionProgressStatus {
		t.Errorf("round trip lost data: %+v", got.Channels)
	}
}

func TestChannelsValidate(t *testing.T) {
	vi := ChannelSpec{Name: "cam0", Kind: "vi", QueueDepth: 2}

	tests := []struct {
		name    string
		modify  func(*ChannelsConfig)
		wantErr string
	}{
		{"valid", func(*ChannelsConfig) {}, ""},
		{"empty name", func(c *ChannelsConfig) { c.Channels[0].Name = "" }, "name is empty"},
		{"unknown kind", func(c *ChannelsConfig) { c.Channels[0].Kind = "csi" }, "channel kind"},
		{"zero depth", func(c *ChannelsConfig) { c.Channels[0].QueueDepth = 0 }, "queue_depth"},
		{"deep queue", func(c *ChannelsConfig) { c.Channels[0].QueueDepth = capture.MaxQueueDepth + 1 }, "queue_depth"},
		{"small request", func(c *ChannelsConfig) { c.Channels[0].RequestSize = 64 }, "request_size"},
		{"vi program ring", func(c *ChannelsConfig) { c.Channels[0].ProgramQueueDepth = 2 }, "program ring"},
		{"isp without programs", func(c *ChannelsConfig) { c.Channels[0].Kind = "isp" }, "program_queue_depth"},
		{"bad completion", func(c *ChannelsConfig) { c.Channels[0].Completion = "poll" }, "completion"},
		{"bad timeout", func(c *ChannelsConfig) { c.Channels[0].SetupTimeout = "-1s" }, "setup_timeout"},
		{"duplicate name", func(c *ChannelsConfig) {
			c.Channels = append(c.Channels, ChannelSpec{Name: "cam0", Kind: "vi", Stream: 1, QueueDepth: 1})
		}, "already used"},
		{"duplicate stream", func(c *ChannelsConfig) {
			c.Channels = append(c.Channels, ChannelSpec{Name: "cam1", Kind: "vi", QueueDepth: 1})
		}, "already bound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ChannelsConfig{Version: 1, Channels: []ChannelSpec{vi}}
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
