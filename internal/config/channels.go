package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/rtcapture/internal/capture"
)

// Completion modes accepted in channels.toml.
const (
	CompletionBlocking       = "blocking"
	CompletionProgressStatus = "progress-status"
)

// ChannelSpec declares one capture channel.
type ChannelSpec struct {
	Name              string `toml:"name"`
	Kind              string `toml:"kind"`
	Stream            uint32 `toml:"stream"`
	VirtualChannel    uint32 `toml:"virtual_channel"`
	QueueDepth        uint32 `toml:"queue_depth"`
	RequestSize       uint32 `toml:"request_size,omitempty"`
	ProgramQueueDepth uint32 `toml:"program_queue_depth,omitempty"`
	ProgramSize       uint32 `toml:"program_size,omitempty"`
	Completion        string `toml:"completion,omitempty"`
	ResetBarrier      *bool  `toml:"reset_barrier,omitempty"`
	SetupTimeout      string `toml:"setup_timeout,omitempty"`
	ControlTimeout    string `toml:"control_timeout,omitempty"`
}

// ChannelsConfig is the content of channels.toml.
type ChannelsConfig struct {
	Version  int           `toml:"version"`
	Channels []ChannelSpec `toml:"channel"`
}

// ChannelDefaults fill what a ChannelSpec leaves out.
type ChannelDefaults struct {
	ResetBarrier   bool
	SetupTimeout   time.Duration
	ControlTimeout time.Duration
}

// LoadChannels reads a channels file. A missing file yields an empty set.
func LoadChannels(path string) (*ChannelsConfig, error) {
	cfg := &ChannelsConfig{Version: 1}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read channels config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse channels config: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return cfg, nil
}

// SaveChannels writes a channels file, creating its directory.
func SaveChannels(path string, cfg *ChannelsConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal channels config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write channels config: %w", err)
	}
	return nil
}

// Validate checks every channel and returns all problems found.
func (c *ChannelsConfig) Validate() error {
	var errs []error
	names := make(map[string]int)
	streams := make(map[capture.StreamKey]string)
	for i, spec := range c.Channels {
		if spec.Name == "" {
			errs = append(errs, fmt.Errorf("channel %d: name is empty", i))
		} else if j, dup := names[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("channel %d: name %q already used by channel %d", i, spec.Name, j))
		} else {
			names[spec.Name] = i
		}
		key := spec.StreamKey()
		if other, dup := streams[key]; dup {
			errs = append(errs, fmt.Errorf("channel %q: stream %s already bound to %q", spec.Name, key, other))
		} else {
			streams[key] = spec.Name
		}
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channel %q: %w", spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// StreamKey returns the stream the channel binds to.
func (s ChannelSpec) StreamKey() capture.StreamKey {
	return capture.StreamKey{Stream: s.Stream, VirtualChannel: s.VirtualChannel}
}

// Validate checks the fields that do not depend on other channels.
func (s ChannelSpec) Validate() error {
	kind, err := capture.ParseKind(s.Kind)
	if err != nil {
		return err
	}
	if s.QueueDepth == 0 || s.QueueDepth > capture.MaxQueueDepth {
		return fmt.Errorf("queue_depth %d outside 1..%d", s.QueueDepth, capture.MaxQueueDepth)
	}
	if s.RequestSize != 0 && s.RequestSize < capture.ProcessDescriptorSize {
		return fmt.Errorf("request_size %d below %d", s.RequestSize, capture.ProcessDescriptorSize)
	}
	switch kind {
	case capture.KindVI:
		if s.ProgramQueueDepth != 0 || s.ProgramSize != 0 {
			return errors.New("program ring on a vi channel")
		}
	case capture.KindISP:
		if s.ProgramQueueDepth == 0 || s.ProgramQueueDepth > capture.MaxQueueDepth {
			return fmt.Errorf("program_queue_depth %d outside 1..%d", s.ProgramQueueDepth, capture.MaxQueueDepth)
		}
		if s.ProgramSize != 0 && s.ProgramSize < capture.ProgramDescriptorSize {
			return fmt.Errorf("program_size %d below %d", s.ProgramSize, capture.ProgramDescriptorSize)
		}
	}
	switch s.Completion {
	case "", CompletionBlocking, CompletionProgressStatus:
	default:
		return fmt.Errorf("completion %q", s.Completion)
	}
	if _, err := parseTimeout(s.SetupTimeout); err != nil {
		return fmt.Errorf("setup_timeout: %w", err)
	}
	if _, err := parseTimeout(s.ControlTimeout); err != nil {
		return fmt.Errorf("control_timeout: %w", err)
	}
	return nil
}

// CaptureConfig converts the spec into a channel setup configuration.
// Progress-status channels get a fresh status region sized for both rings.
func (s ChannelSpec) CaptureConfig(defaults ChannelDefaults) (capture.Config, error) {
	if err := s.Validate(); err != nil {
		return capture.Config{}, err
	}
	kind, _ := capture.ParseKind(s.Kind)
	setupTimeout, _ := parseTimeout(s.SetupTimeout)
	controlTimeout, _ := parseTimeout(s.ControlTimeout)
	if setupTimeout == 0 {
		setupTimeout = defaults.SetupTimeout
	}
	if controlTimeout == 0 {
		controlTimeout = defaults.ControlTimeout
	}
	barrier := defaults.ResetBarrier
	if s.ResetBarrier != nil {
		barrier = *s.ResetBarrier
	}

	cfg := capture.Config{
		Kind:              kind,
		QueueDepth:        s.QueueDepth,
		RequestSize:       s.RequestSize,
		ProgramQueueDepth: s.ProgramQueueDepth,
		ProgramSize:       s.ProgramSize,
		Stream:            s.StreamKey(),
		SetupTimeout:      setupTimeout,
		ControlTimeout:    controlTimeout,
		ResetBarrier:      barrier,
	}
	if s.Completion == CompletionProgressStatus {
		cfg.Completion = capture.ProgressStatus{
			Region: capture.NewStatusRegion(int(s.QueueDepth + s.ProgramQueueDepth)),
		}
	}
	return cfg, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
