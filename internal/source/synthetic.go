package source

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"kestrelvision.io/kestrel/internal/config"
	"kestrelvision.io/kestrel/internal/core"
	"kestrelvision.io/kestrel/internal/log"
	"kestrelvision.io/kestrel/internal/media"
)

func init() {
	Register("synthetic", newSynthetic)
}

const syntheticCaps = core.Caps("video/x-h264,stream-format=avc,alignment=au,source=synthetic")

type syntheticOptions struct {
	FPS int `mapstructure:"fps"`
	// KeyframeInterval is the GOP length in frames.
	KeyframeInterval int `mapstructure:"keyframe_interval"`
	FrameBytes       int `mapstructure:"frame_bytes"`
	// Buffer is the output channel depth.
	Buffer int `mapstructure:"buffer"`
}

// Synthetic emits a deterministic H.264-shaped access-unit stream: one key
// frame per GOP, wall-clock timestamps, fixed-size payloads. It exists to
// drive the storage path without a camera.
type Synthetic struct {
	opts   syntheticOptions
	frames chan *media.Frame
}

func newSynthetic(cfg config.PluginConfig) (Source, error) {
	opts := syntheticOptions{
		FPS:              15,
		KeyframeInterval: 30,
		FrameBytes:       4096,
		Buffer:           64,
	}
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, fmt.Errorf("synthetic source options: %w", err)
	}
	if opts.FPS <= 0 || opts.KeyframeInterval <= 0 || opts.FrameBytes <= 0 {
		return nil, fmt.Errorf("%w: synthetic source needs positive fps, keyframe_interval and frame_bytes", core.ErrConfigInvalid)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Synthetic{
		opts:   opts,
		frames: make(chan *media.Frame, opts.Buffer),
	}, nil
}

func (s *Synthetic) Frames() <-chan *media.Frame {
	return s.frames
}

// Start publishes caps immediately and generates frames at the configured
// rate until ctx cancels, then closes the frame channel.
func (s *Synthetic) Start(ctx context.Context, publishCaps func(core.Caps) error) error {
	if err := publishCaps(syntheticCaps); err != nil {
		return err
	}
	interval := time.Second / time.Duration(s.opts.FPS)
	frameDuration := uint64(interval.Nanoseconds())

	go func() {
		defer close(s.frames)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			frame := &media.Frame{
				IsKeyFrame:  n%s.opts.KeyframeInterval == 0,
				TimestampNs: uint64(time.Now().UnixNano()),
				DurationNs:  frameDuration,
				Data:        s.payload(n),
			}
			n++
			select {
			case s.frames <- frame:
			default:
				log.GetLogger().Debug("synthetic source output full, dropping frame")
			}
		}
	}()
	return nil
}

// payload builds a recognisable, deterministic access unit body.
func (s *Synthetic) payload(n int) []byte {
	data := make([]byte, s.opts.FrameBytes)
	// Annex B start code, then a counter pattern.
	copy(data, []byte{0x00, 0x00, 0x00, 0x01})
	for i := 4; i < len(data); i++ {
		data[i] = byte((n + i) & 0xff)
	}
	return data
}
