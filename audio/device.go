// Package audio captures microphone PCM at the session format: 16 kHz,
// mono, float32 in [-1, 1]. The Recorder owns the device handle and the
// append-only sample buffer; streaming chunk callbacks are cut from the
// same buffer so no sample is ever delivered twice or dropped.
package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// SampleRate is the fixed session sample rate.
const SampleRate = 16000

// readSizeFrames is the device callback period: 256 ms at 16 kHz.
const readSizeFrames = SampleRate / 4

// Device describes one capture device for the settings UI.
type Device struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// Source abstracts the capture backend so the Recorder can run against a
// fake in tests. Exactly one capture session may be open at a time.
type Source interface {
	// Open starts capturing. deviceIndex < 0 selects the system default.
	// cb receives mono float32 batches on the backend's capture thread.
	Open(deviceIndex int, cb func(samples []float32)) error
	// Close releases the device handle.
	Close() error
	// Devices enumerates capture devices.
	Devices() ([]Device, error)
}

// MalgoSource is the production Source over miniaudio.
type MalgoSource struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	logger zerolog.Logger
}

// NewMalgoSource initialises the audio context.
func NewMalgoSource() (*MalgoSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoSource{ctx: ctx, logger: xlog.WithComponent("audio.source")}, nil
}

// Devices enumerates capture devices in backend order; index positions
// are what the config stores.
func (s *MalgoSource) Devices() ([]Device, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	devices := make([]Device, len(infos))
	for i, info := range infos {
		devices[i] = Device{
			Index:     i,
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		}
	}
	return devices, nil
}

// Open initialises and starts the capture device.
func (s *MalgoSource) Open(deviceIndex int, cb func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return fmt.Errorf("capture already open")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInFrames = readSizeFrames
	cfg.Alsa.NoMMap = 1

	if deviceIndex >= 0 {
		infos, err := s.ctx.Devices(malgo.Capture)
		if err != nil {
			return fmt.Errorf("enumerate capture devices: %w", err)
		}
		if deviceIndex >= len(infos) {
			return fmt.Errorf("capture device %d not present", deviceIndex)
		}
		id := infos[deviceIndex].ID
		cfg.Capture.DeviceID = id.Pointer()
	}

	onRecv := func(_, input []byte, frameCount uint32) {
		n := int(frameCount)
		if len(input) != n*4 {
			return
		}
		samples := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := uint32(input[i*4]) | uint32(input[i*4+1])<<8 |
				uint32(input[i*4+2])<<16 | uint32(input[i*4+3])<<24
			samples[i] = math.Float32frombits(bits)
		}
		cb(samples)
	}

	device, err := malgo.InitDevice(s.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}
	s.device = device
	s.logger.Info().Int("device", deviceIndex).Msg("capture started")
	return nil
}

// Close stops and releases the open device, if any.
func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}

// Free releases the audio context. The source is unusable afterwards.
func (s *MalgoSource) Free() {
	_ = s.Close()
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
}
