package ai

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine marks each transcription with the chunk index encoded in
// pcm[0] and can block or fail selected chunks.
type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	inFlight  int32
	maxSeen   int32
	gate      chan struct{}
	started   chan struct{}
	startOnce sync.Once
	failIdx   map[int]bool
	order     []int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{failIdx: make(map[int]bool)}
}

func (e *fakeEngine) Transcribe(pcm []float32, language string, _ float64) (*Result, error) {
	cur := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&e.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&e.maxSeen, prev, cur) {
			break
		}
	}

	if e.started != nil {
		e.startOnce.Do(func() { close(e.started) })
	}
	if e.gate != nil {
		<-e.gate
	}

	idx := 0
	if len(pcm) > 0 {
		idx = int(pcm[0])
	}
	e.mu.Lock()
	e.calls++
	e.order = append(e.order, idx)
	fail := e.failIdx[idx]
	e.mu.Unlock()

	if fail {
		return nil, errors.New("decode error")
	}
	return &Result{Text: fmt.Sprintf("c%d", idx), Language: language}, nil
}

func (e *fakeEngine) Name() string { return "fake" }
func (e *fakeEngine) Close()       {}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Emit(name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *eventRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == name {
			return true
		}
	}
	return false
}

func chunk(idx int) []float32 {
	return []float32{float32(idx), 0, 0}
}

type errBox struct{ err error }

func newTestWorker(t *testing.T, eng Engine, buildErr *atomic.Value) (*Worker, *atomic.Int32, *eventRecorder) {
	t.Helper()
	var builds atomic.Int32
	rec := &eventRecorder{}
	factory := func(cfg EngineConfig) (Engine, error) {
		builds.Add(1)
		if buildErr != nil {
			if v, ok := buildErr.Load().(errBox); ok && v.err != nil {
				return nil, v.err
			}
		}
		return eng, nil
	}
	w := NewWorker(factory, rec, EngineConfig{Model: "base"})
	t.Cleanup(w.Close)
	return w, &builds, rec
}

func TestLoadModelIdempotent(t *testing.T) {
	eng := newFakeEngine()
	w, builds, rec := newTestWorker(t, eng, nil)

	require.NoError(t, w.LoadModel("base"))
	require.NoError(t, w.LoadModel("base"))
	require.NoError(t, w.LoadModel(""))

	assert.Equal(t, int32(1), builds.Load())
	assert.True(t, w.Loaded())
	assert.True(t, rec.has(EventModelLoaded))
}

func TestTranscribeAutoLoadsOnce(t *testing.T) {
	eng := newFakeEngine()
	w, builds, rec := newTestWorker(t, eng, nil)

	res, err := w.Transcribe(chunk(0), "en", 0)
	require.NoError(t, err)
	assert.Equal(t, "c0", res.Text)
	assert.True(t, res.Success)

	_, err = w.Transcribe(chunk(1), "en", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds.Load())
	assert.True(t, rec.has(EventTranscriptionCompleted))
}

func TestTranscribeNeverOverlaps(t *testing.T) {
	eng := newFakeEngine()
	w, _, _ := newTestWorker(t, eng, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = w.Transcribe(chunk(i), "en", 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&eng.maxSeen))
	assert.Equal(t, 8, eng.calls)
}

func TestReloadFailureLeavesUnloaded(t *testing.T) {
	eng := newFakeEngine()
	var buildErr atomic.Value
	w, _, _ := newTestWorker(t, eng, &buildErr)

	require.NoError(t, w.LoadModel("base"))
	require.True(t, w.Loaded())

	buildErr.Store(errBox{err: errors.New("cuda out of memory")})
	err := w.ReloadModel(nil, "large")
	require.Error(t, err)
	assert.False(t, w.Loaded())

	// A later transcription auto-loads once the factory recovers.
	buildErr.Store(errBox{})
	res, err := w.Transcribe(chunk(3), "en", 0)
	require.NoError(t, err)
	assert.Equal(t, "c3", res.Text)
}

func TestLoadFailureCarriesSuggestions(t *testing.T) {
	eng := newFakeEngine()
	var buildErr atomic.Value
	w, _, _ := newTestWorker(t, eng, &buildErr)

	buildErr.Store(errBox{err: errors.New("cuda out of memory")})
	err := w.LoadModel("large")
	require.Error(t, err)

	var merr *ModelError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "load", merr.Op)
	assert.Equal(t, "large", merr.Model)
	assert.Contains(t, merr.Suggestions, "switch transcription to CPU mode")
}

func TestReloadFailureCarriesSuggestions(t *testing.T) {
	eng := newFakeEngine()
	var buildErr atomic.Value
	w, _, _ := newTestWorker(t, eng, &buildErr)

	require.NoError(t, w.LoadModel("base"))
	buildErr.Store(errBox{err: errors.New("model file not found")})
	err := w.ReloadModel(nil, "large")
	require.Error(t, err)

	var merr *ModelError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "reload", merr.Op)
	assert.Contains(t, merr.Suggestions, "re-download the model")
}

func TestUnloadModel(t *testing.T) {
	eng := newFakeEngine()
	w, _, _ := newTestWorker(t, eng, nil)

	require.NoError(t, w.LoadModel(""))
	require.NoError(t, w.UnloadModel())
	assert.False(t, w.Loaded())
}

func TestTranscriptionFailureEmitsSuggestions(t *testing.T) {
	eng := newFakeEngine()
	eng.failIdx[7] = true
	w, _, rec := newTestWorker(t, eng, nil)

	_, err := w.Transcribe(chunk(7), "en", 0)
	require.Error(t, err)
	assert.True(t, rec.has(EventTranscriptionFailed))
}

func TestStreamingJoinsChunksInOrder(t *testing.T) {
	eng := newFakeEngine()
	w, _, _ := newTestWorker(t, eng, nil)

	require.NoError(t, w.BeginStream())
	for i := 0; i < 4; i++ {
		require.NoError(t, w.FeedChunk(chunk(i), "en", 0))
	}
	text := w.FinalizeStream(5 * time.Second)
	assert.Equal(t, "c0 c1 c2 c3", text)
}

func TestStreamingFailedChunkPlaceholder(t *testing.T) {
	eng := newFakeEngine()
	eng.failIdx[1] = true
	w, _, _ := newTestWorker(t, eng, nil)

	require.NoError(t, w.BeginStream())
	for i := 0; i < 4; i++ {
		require.NoError(t, w.FeedChunk(chunk(i), "en", 0))
	}
	text := w.FinalizeStream(5 * time.Second)
	assert.Equal(t, "c0 [transcription failed: chunk 1] c2 c3", text)
}

func TestStreamingBoundaryChunkKeepsPlaceholderSpacing(t *testing.T) {
	eng := newFakeEngine()
	eng.failIdx[0] = true
	w, _, _ := newTestWorker(t, eng, nil)

	require.NoError(t, w.BeginStream())
	for i := 0; i < 3; i++ {
		require.NoError(t, w.FeedChunk(chunk(i), "en", 0))
	}
	text := w.FinalizeStream(5 * time.Second)
	assert.Equal(t, " [transcription failed: chunk 0] c1 c2", text)
}

func TestStreamingQueueFullDropsChunk(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{})
	eng.started = make(chan struct{})
	w, _, _ := newTestWorker(t, eng, nil)

	require.NoError(t, w.BeginStream())
	// First chunk occupies the worker; wait until the engine holds it so
	// the queue slot it used is free again before filling the rest.
	require.NoError(t, w.FeedChunk(chunk(0), "en", 0))
	select {
	case <-eng.started:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never picked up the first chunk")
	}
	for i := 1; i <= DefaultQueueCapacity; i++ {
		require.NoError(t, w.FeedChunk(chunk(i), "en", 0))
	}
	err := w.FeedChunk(chunk(DefaultQueueCapacity+1), "en", 0)
	require.ErrorIs(t, err, ErrQueueFull)

	close(eng.gate)
	text := w.FinalizeStream(5 * time.Second)
	assert.Contains(t, text, "c0")
	assert.Contains(t, text,
		fmt.Sprintf("[transcription failed: chunk %d]", DefaultQueueCapacity+1))
}

func TestStreamingRequiresBegin(t *testing.T) {
	eng := newFakeEngine()
	w, _, _ := newTestWorker(t, eng, nil)

	err := w.FeedChunk(chunk(0), "en", 0)
	require.Error(t, err)
}

func TestAwaitUnblocksWhenWorkerExits(t *testing.T) {
	// A worker whose goroutine died without reaching the callbacks must
	// not strand synchronous callers.
	w := &Worker{
		queue:  make(chan *task, 1),
		doneCh: make(chan struct{}),
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(w.doneCh)
	}()

	_, err := w.Transcribe(chunk(0), "en", 0)
	require.ErrorIs(t, err, ErrStopping)
}

func TestCloseFailsQueuedTasks(t *testing.T) {
	eng := newFakeEngine()
	eng.gate = make(chan struct{}, 64)
	w, _, _ := newTestWorker(t, eng, nil)

	// Occupy the worker so later submissions sit in the queue.
	firstDone := make(chan error, 1)
	go func() {
		_, err := w.Transcribe(chunk(0), "en", 0)
		firstDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	go w.Close()
	time.Sleep(50 * time.Millisecond)

	// This task lands behind the shutdown marker and must be drained.
	lateDone := make(chan error, 1)
	go func() {
		_, err := w.Transcribe(chunk(1), "en", 0)
		lateDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	eng.gate <- struct{}{}
	require.NoError(t, <-firstDone)
	require.ErrorIs(t, <-lateDone, ErrStopping)
}
