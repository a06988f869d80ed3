package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource drives the recorder without a real device. Feed pushes
// sample batches the way the malgo callback would.
type fakeSource struct {
	mu       sync.Mutex
	cb       func([]float32)
	open     bool
	failOpen map[int]error
	devices  []Device
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		failOpen: map[int]error{},
		devices:  []Device{{Index: 0, Name: "Built-in Mic", IsDefault: true}},
	}
}

func (f *fakeSource) Open(deviceIndex int, cb func([]float32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOpen[deviceIndex]; ok {
		return err
	}
	f.cb = cb
	f.open = true
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeSource) Devices() ([]Device, error) { return f.devices, nil }

func (f *fakeSource) feed(samples []float32) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(samples)
}

type recordingBus struct {
	mu     sync.Mutex
	events map[string][]any
}

func newRecordingBus() *recordingBus { return &recordingBus{events: map[string][]any{}} }

func (b *recordingBus) Emit(name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[name] = append(b.events[name], payload)
}

func (b *recordingBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[name])
}

func (b *recordingBus) last(name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.events[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func ramp(n int, base float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = base + float32(i)*0.00001
	}
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestStartStopReturnsAllSamples(t *testing.T) {
	src := newFakeSource()
	bus := newRecordingBus()
	rec := NewRecorder(src, bus)

	require.NoError(t, rec.Start(-1))
	assert.Equal(t, Recording, rec.State())

	src.feed(ramp(4000, 0.1))
	src.feed(ramp(4000, 0.2))
	waitFor(t, func() bool { return rec.Level() > 0 })

	pcm, duration, err := rec.Stop()
	require.NoError(t, err)
	assert.Len(t, pcm, 8000)
	assert.InDelta(t, 0.5, duration, 0.001)
	assert.Equal(t, Idle, rec.State())

	payload := bus.last(EventStopped).(map[string]any)
	assert.Equal(t, int64(8000), payload["samples"])
}

func TestBufferConservation(t *testing.T) {
	// Concatenated chunks plus the remaining tail must equal the full PCM.
	src := newFakeSource()
	rec := NewRecorder(src, newRecordingBus())
	rec.SetChunkDuration(30 * time.Millisecond)

	var mu sync.Mutex
	var streamed []float32
	rec.SetChunkCallback(func(pcm []float32) {
		mu.Lock()
		streamed = append(streamed, pcm...)
		mu.Unlock()
	})

	require.NoError(t, rec.Start(-1))
	for i := 0; i < 5; i++ {
		src.feed(ramp(1600, float32(i)*0.1))
		time.Sleep(20 * time.Millisecond)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(streamed) > 0
	})

	pcm, _, err := rec.Stop()
	require.NoError(t, err)
	tail := rec.Tail(pcm)

	mu.Lock()
	reassembled := append(append([]float32{}, streamed...), tail...)
	mu.Unlock()
	require.Len(t, reassembled, len(pcm))
	assert.Equal(t, pcm, reassembled)
}

func TestChunkCallbackPanicDoesNotKillCapture(t *testing.T) {
	src := newFakeSource()
	rec := NewRecorder(src, newRecordingBus())
	rec.SetChunkDuration(time.Millisecond)
	rec.SetChunkCallback(func([]float32) { panic("consumer bug") })

	require.NoError(t, rec.Start(-1))
	src.feed(ramp(1600, 0.1))
	time.Sleep(10 * time.Millisecond)
	src.feed(ramp(1600, 0.2))
	time.Sleep(10 * time.Millisecond)
	src.feed(ramp(1600, 0.3))

	pcm, _, err := rec.Stop()
	require.NoError(t, err)
	assert.Len(t, pcm, 4800, "all samples captured despite panicking callback")
}

func TestDeviceFallbackToDefault(t *testing.T) {
	// Configured device 99 is absent; the default still opens.
	src := newFakeSource()
	src.failOpen[99] = errors.New("no such device")
	bus := newRecordingBus()
	rec := NewRecorder(src, bus)

	require.NoError(t, rec.Start(99))
	payload := bus.last(EventStarted).(map[string]any)
	assert.Equal(t, "default", payload["device_used"])
	_, _, err := rec.Stop()
	require.NoError(t, err)
}

func TestStartFailureEmitsEventAndReturnsToIdle(t *testing.T) {
	src := newFakeSource()
	src.failOpen[-1] = errors.New("no devices at all")
	src.failOpen[3] = errors.New("gone")
	bus := newRecordingBus()
	rec := NewRecorder(src, bus)

	err := rec.Start(3)
	require.Error(t, err)
	assert.Equal(t, Idle, rec.State())
	assert.Equal(t, 1, bus.count(EventFailed))
}

func TestDoubleStartRejected(t *testing.T) {
	src := newFakeSource()
	rec := NewRecorder(src, newRecordingBus())
	require.NoError(t, rec.Start(-1))
	assert.Error(t, rec.Start(-1))
	_, _, err := rec.Stop()
	require.NoError(t, err)
}

func TestValidateDevice(t *testing.T) {
	src := newFakeSource()

	use, cleared := ValidateDevice(src, -1)
	assert.Equal(t, -1, use)
	assert.False(t, cleared)

	use, cleared = ValidateDevice(src, 0)
	assert.Equal(t, 0, use)
	assert.False(t, cleared)

	use, cleared = ValidateDevice(src, 99)
	assert.Equal(t, -1, use)
	assert.True(t, cleared)
}

func TestLevelIsRMS(t *testing.T) {
	src := newFakeSource()
	rec := NewRecorder(src, newRecordingBus())
	require.NoError(t, rec.Start(-1))

	constant := make([]float32, 1600)
	for i := range constant {
		constant[i] = 0.5
	}
	src.feed(constant)
	waitFor(t, func() bool { return rec.Level() > 0.49 && rec.Level() < 0.51 })
	_, _, err := rec.Stop()
	require.NoError(t, err)
}
