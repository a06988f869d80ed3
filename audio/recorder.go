package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	xlog "sonicinput/internal/log"
)

// Recorder session states.
type State int

const (
	Idle State = iota
	Armed
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Event names emitted by the recorder.
const (
	EventStarted = "recording.started"
	EventStopped = "recording.stopped"
	EventFailed  = "recording.failed"
	EventLevel   = "recording.level"
)

// DefaultChunkDuration is the streaming chunk size.
const DefaultChunkDuration = 15 * time.Second

// Emitter is the event bus subset the recorder needs.
type Emitter interface {
	Emit(name string, payload any)
}

// ChunkFunc receives streaming chunks while recording continues. It runs
// on the recorder's drain goroutine; panics are recovered and logged and
// never stop the capture loop.
type ChunkFunc func(pcm []float32)

// Recorder owns the capture device and the PCM buffer for one session at
// a time. The device callback pushes into a buffered channel (so the OS
// capture thread never blocks on our processing) and a drain goroutine
// appends into the chunk list under the buffer mutex.
type Recorder struct {
	source  Source
	emitter Emitter
	logger  zerolog.Logger

	mu            sync.Mutex
	state         State
	chunks        [][]float32 // append-only per session
	totalSamples  int64
	chunkedSent   int64 // samples already delivered to the chunk callback
	onChunk       ChunkFunc
	chunkDuration time.Duration
	lastChunkAt   time.Time
	level         float64

	dataCh chan []float32
	doneCh chan struct{}
}

// NewRecorder creates a recorder over the given capture source.
func NewRecorder(source Source, emitter Emitter) *Recorder {
	return &Recorder{
		source:        source,
		emitter:       emitter,
		chunkDuration: DefaultChunkDuration,
		logger:        xlog.WithComponent("recorder"),
	}
}

// SetChunkDuration adjusts the streaming chunk size. Takes effect on the
// next Start.
func (r *Recorder) SetChunkDuration(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.chunkDuration = d
	}
}

// SetChunkCallback installs (or clears, with nil) the streaming chunk
// callback. Must be set before Start for the session to stream.
func (r *Recorder) SetChunkCallback(fn ChunkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChunk = fn
}

// State returns the current session state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Level returns the RMS of the most recent read, for the GUI meter.
func (r *Recorder) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Start opens the device and begins capturing. deviceIndex < 0 requests
// the system default; a specific device that fails to open falls back to
// the default before giving up.
func (r *Recorder) Start(deviceIndex int) error {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return fmt.Errorf("recorder is %s, not idle", r.state)
	}
	r.state = Armed
	r.chunks = nil
	r.totalSamples = 0
	r.chunkedSent = 0
	r.level = 0
	r.lastChunkAt = time.Now()
	r.dataCh = make(chan []float32, 1000)
	r.doneCh = make(chan struct{})
	dataCh := r.dataCh
	r.mu.Unlock()

	push := func(samples []float32) {
		// The device is uninitialised before dataCh closes, but a last
		// in-flight callback racing Stop must not crash the process.
		defer func() { _ = recover() }()
		// Drop-oldest under backpressure: losing the oldest read beats
		// blocking the OS capture thread.
		select {
		case dataCh <- samples:
		default:
			select {
			case <-dataCh:
			default:
			}
			select {
			case dataCh <- samples:
			default:
			}
			r.logger.Warn().Msg("capture buffer overflow")
		}
	}

	usedDefault := false
	err := r.source.Open(deviceIndex, push)
	if err != nil && deviceIndex >= 0 {
		r.logger.Warn().Err(err).Int("device", deviceIndex).
			Msg("configured device failed, falling back to default")
		usedDefault = true
		err = r.source.Open(-1, push)
	}
	if err != nil {
		r.mu.Lock()
		r.state = Idle
		r.mu.Unlock()
		r.emit(EventFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("open capture device: %w", err)
	}

	r.mu.Lock()
	r.state = Recording
	r.mu.Unlock()

	go r.drain(dataCh)

	device := "configured"
	if usedDefault || deviceIndex < 0 {
		device = "default"
	}
	r.emit(EventStarted, map[string]any{"device_used": device})
	return nil
}

// drain consumes capture batches until the channel closes, appending to
// the session buffer and cutting streaming chunks on the wall clock.
func (r *Recorder) drain(dataCh chan []float32) {
	defer close(r.doneCh)
	for samples := range dataCh {
		r.append(samples)
	}
}

func (r *Recorder) append(samples []float32) {
	r.mu.Lock()
	r.chunks = append(r.chunks, samples)
	r.totalSamples += int64(len(samples))
	if len(samples) > 0 {
		r.level = rms(samples)
	}
	level := r.level

	var emitChunk []float32
	if r.onChunk != nil && time.Since(r.lastChunkAt) >= r.chunkDuration {
		emitChunk = r.sliceLocked(r.chunkedSent, r.totalSamples)
		r.chunkedSent = r.totalSamples
		r.lastChunkAt = time.Now()
	}
	onChunk := r.onChunk
	r.mu.Unlock()

	r.emit(EventLevel, map[string]any{"level": level})
	if emitChunk != nil && len(emitChunk) > 0 {
		r.safeChunkCallback(onChunk, emitChunk)
	}
}

func (r *Recorder) safeChunkCallback(fn ChunkFunc, pcm []float32) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Any("panic", rec).Msg("chunk callback panicked")
		}
	}()
	fn(pcm)
}

// Stop closes the device and returns the complete session buffer with
// its duration. The returned PCM includes every sample: everything
// already delivered through the chunk callback plus the remaining tail.
func (r *Recorder) Stop() (pcm []float32, duration float64, err error) {
	r.mu.Lock()
	if r.state != Recording && r.state != Armed {
		r.mu.Unlock()
		return nil, 0, fmt.Errorf("recorder is %s, nothing to stop", r.state)
	}
	r.state = Stopping
	dataCh := r.dataCh
	doneCh := r.doneCh
	r.mu.Unlock()

	closeErr := r.source.Close()
	close(dataCh)

	// Bounded wait for the drain goroutine to flush in-flight reads.
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		r.logger.Warn().Msg("drain goroutine did not finish in time")
	}

	r.mu.Lock()
	pcm = r.sliceLocked(0, r.totalSamples)
	total := r.totalSamples
	r.state = Idle
	r.dataCh = nil
	r.mu.Unlock()

	duration = float64(total) / float64(SampleRate)
	r.emit(EventStopped, map[string]any{"duration_s": duration, "samples": total})
	if closeErr != nil {
		r.logger.Warn().Err(closeErr).Msg("device close reported error")
	}
	return pcm, duration, nil
}

// Tail returns the samples past the last streamed chunk. The orchestrator
// feeds this as the final streaming chunk after Stop.
func (r *Recorder) Tail(pcm []float32) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chunkedSent >= int64(len(pcm)) {
		return nil
	}
	return pcm[r.chunkedSent:]
}

// sliceLocked copies samples [from, to) out of the chunk list.
func (r *Recorder) sliceLocked(from, to int64) []float32 {
	if to <= from {
		return []float32{}
	}
	out := make([]float32, 0, to-from)
	var pos int64
	for _, chunk := range r.chunks {
		end := pos + int64(len(chunk))
		if end <= from {
			pos = end
			continue
		}
		if pos >= to {
			break
		}
		lo := int64(0)
		if from > pos {
			lo = from - pos
		}
		hi := int64(len(chunk))
		if to < end {
			hi = to - pos
		}
		out = append(out, chunk[lo:hi]...)
		pos = end
	}
	return out
}

func (r *Recorder) emit(name string, payload any) {
	if r.emitter != nil {
		r.emitter.Emit(name, payload)
	}
}

// ValidateDevice checks a stored device index against the current device
// list; -1 means "use default". Returns the index to use and whether the
// stored value was invalid and should be cleared.
func ValidateDevice(source Source, stored int) (use int, cleared bool) {
	if stored < 0 {
		return -1, false
	}
	devices, err := source.Devices()
	if err != nil || stored >= len(devices) {
		return -1, true
	}
	return stored, false
}

// rms computes the root-mean-square level of one read window.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	w := make([]float64, len(samples))
	for i, s := range samples {
		w[i] = float64(s)
	}
	return math.Sqrt(floats.Dot(w, w) / float64(len(w)))
}
