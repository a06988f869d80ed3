package ai

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// Event names emitted by the worker.
const (
	EventModelLoaded            = "model.loaded"
	EventTranscriptionStarted   = "transcription.started"
	EventTranscriptionCompleted = "transcription.completed"
	EventTranscriptionFailed    = "transcription.failed"
)

// DefaultQueueCapacity bounds the task queue.
const DefaultQueueCapacity = 50

// DefaultChunkTimeout is the per-chunk wait during streaming finalize.
const DefaultChunkTimeout = 30 * time.Second

// ErrStopping is delivered to tasks drained during shutdown.
var ErrStopping = errors.New("service stopping")

// ErrQueueFull is returned by non-blocking enqueues when the queue is at
// capacity.
var ErrQueueFull = errors.New("transcription queue full")

// ModelError is returned when a load or reload fails. Suggestions hold
// the categorized recovery steps for the underlying failure.
type ModelError struct {
	Op          string
	Model       string
	Suggestions []string
	Err         error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model %q: %v", e.Op, e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Emitter is the event bus subset the worker needs.
type Emitter interface {
	Emit(name string, payload any)
}

// chunkSlot holds the one-shot completion for one streaming chunk.
type chunkSlot struct {
	id   uint64
	done chan *Result // buffered(1); worker callbacks fill it exactly once
}

// Worker serializes all model operations on one goroutine. At most one
// transcription is in progress at any instant; load and unload execute in
// queue order like any other task.
type Worker struct {
	factory EngineFactory
	emitter Emitter
	logger  zerolog.Logger

	queue chan *task

	// Worker-goroutine state; no lock needed, only run() touches it.
	engine    Engine
	modelName string
	useGPU    bool
	loaded    atomic.Bool

	// Streaming state, guarded by streamMu.
	streamMu    sync.Mutex
	streaming   bool
	nextChunkID uint64
	slots       []*chunkSlot

	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewWorker starts the worker goroutine. cfg seeds the engine build used
// by load and auto-load.
func NewWorker(factory EngineFactory, emitter Emitter, cfg EngineConfig) *Worker {
	w := &Worker{
		factory:   factory,
		emitter:   emitter,
		logger:    xlog.WithComponent("worker"),
		queue:     make(chan *task, DefaultQueueCapacity),
		modelName: cfg.Model,
		useGPU:    cfg.UseGPU,
		doneCh:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Loaded reports whether a model is currently loaded. Snapshot only; the
// answer can be stale by the time the caller acts on it.
func (w *Worker) Loaded() bool {
	return w.loaded.Load()
}

// run is the worker loop. It owns the engine exclusively.
func (w *Worker) run() {
	defer close(w.doneCh)
	for t := range w.queue {
		if t.kind == taskShutdown {
			w.drainAfterShutdown(t)
			return
		}
		w.dispatch(t)
	}
}

func (w *Worker) dispatch(t *task) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panic in %s task: %v", t.kind, r)
			w.logger.Error().Err(err).Str("task_id", t.id).Msg("recovered worker panic")
			if t.onError != nil {
				t.onError(err)
			}
		}
	}()

	switch t.kind {
	case taskLoad:
		w.handleLoad(t)
	case taskUnload:
		w.handleUnload(t)
	case taskReload:
		w.handleReload(t)
	case taskTranscribe:
		w.handleTranscribe(t)
	}
}

func (w *Worker) handleLoad(t *task) {
	name := t.model
	if name == "" {
		name = w.modelName
	}
	// Idempotent: already loaded with this model is success.
	if w.engine != nil && name == w.modelName {
		t.onSuccess(&Result{Success: true, Text: w.engine.Name()})
		return
	}
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
		w.loaded.Store(false)
	}

	start := time.Now()
	engine, err := w.factory(EngineConfig{Model: name, UseGPU: w.useGPU})
	if err != nil {
		suggestions := recoverySuggestions(err)
		w.logger.Error().Err(err).Str("model", name).
			Strs("suggestions", suggestions).Msg("model load failed")
		t.onError(&ModelError{Op: "load", Model: name, Suggestions: suggestions, Err: err})
		return
	}
	latency := time.Since(start)
	w.engine = engine
	w.modelName = name
	w.loaded.Store(true)

	device := "cpu"
	if w.useGPU {
		device = "gpu"
	}
	w.emit(EventModelLoaded, map[string]any{
		"name":    name,
		"device":  device,
		"latency": latency.Milliseconds(),
	})
	w.logger.Info().Str("model", name).Dur("latency", latency).Msg("model loaded")
	t.onSuccess(&Result{Success: true, Text: engine.Name(), LatencyMS: latency.Milliseconds()})
}

func (w *Worker) handleUnload(t *task) {
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
		w.loaded.Store(false)
		w.logger.Info().Msg("model unloaded, GPU cache clean hinted")
	}
	t.onSuccess(&Result{Success: true})
}

func (w *Worker) handleReload(t *task) {
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
		w.loaded.Store(false)
	}
	if t.setGPU {
		w.useGPU = t.useGPU
	}
	name := t.model
	if name == "" {
		name = w.modelName
	}

	start := time.Now()
	engine, err := w.factory(EngineConfig{Model: name, UseGPU: w.useGPU})
	if err != nil {
		// Reload failure leaves the worker unloaded.
		suggestions := recoverySuggestions(err)
		w.logger.Error().Err(err).Str("model", name).
			Strs("suggestions", suggestions).Msg("model reload failed")
		t.onError(&ModelError{Op: "reload", Model: name, Suggestions: suggestions, Err: err})
		return
	}
	w.engine = engine
	w.modelName = name
	w.loaded.Store(true)

	device := "cpu"
	if w.useGPU {
		device = "gpu"
	}
	w.emit(EventModelLoaded, map[string]any{
		"name":    name,
		"device":  device,
		"latency": time.Since(start).Milliseconds(),
	})
	t.onSuccess(&Result{Success: true, LatencyMS: time.Since(start).Milliseconds()})
}

func (w *Worker) handleTranscribe(t *task) {
	// Auto-load once when no model is present.
	if w.engine == nil {
		engine, err := w.factory(EngineConfig{Model: w.modelName, UseGPU: w.useGPU})
		if err != nil {
			w.failTranscription(t, fmt.Errorf("no model loaded and auto-load failed: %w", err))
			return
		}
		w.engine = engine
		w.loaded.Store(true)
		w.logger.Info().Str("model", w.modelName).Msg("model auto-loaded for transcription")
	}

	w.emit(EventTranscriptionStarted, map[string]any{"task_id": t.id})
	start := time.Now()
	result, err := w.engine.Transcribe(t.pcm, t.language, t.temperature)
	if err != nil {
		w.failTranscription(t, err)
		return
	}
	if result == nil {
		w.failTranscription(t, errors.New("engine returned no result"))
		return
	}
	result.Success = true
	result.LatencyMS = time.Since(start).Milliseconds()
	w.emit(EventTranscriptionCompleted, map[string]any{
		"text":       result.Text,
		"language":   result.Language,
		"confidence": result.Confidence,
	})
	t.onSuccess(result)
}

func (w *Worker) failTranscription(t *task, err error) {
	w.logger.Error().Err(err).Str("task_id", t.id).Msg("transcription failed")
	w.emit(EventTranscriptionFailed, map[string]any{
		"task_id":     t.id,
		"error":       err.Error(),
		"suggestions": recoverySuggestions(err),
	})
	t.onError(err)
}

// drainAfterShutdown releases the engine and fails every queued task
// with ErrStopping.
func (w *Worker) drainAfterShutdown(shutdownTask *task) {
	if w.engine != nil {
		w.engine.Close()
		w.engine = nil
		w.loaded.Store(false)
	}
	for {
		select {
		case t := <-w.queue:
			if t.kind != taskShutdown && t.onError != nil {
				t.onError(ErrStopping)
			}
		default:
			if shutdownTask.onSuccess != nil {
				shutdownTask.onSuccess(&Result{Success: true})
			}
			return
		}
	}
}

// submit enqueues blocking; sync wrappers wait for a callback.
func (w *Worker) submit(t *task) error {
	select {
	case w.queue <- t:
		return nil
	case <-w.doneCh:
		return ErrStopping
	}
}

// submitNonBlocking is used by the streaming feed.
func (w *Worker) submitNonBlocking(t *task) error {
	select {
	case w.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// await bridges a task's callbacks into a synchronous call.
func (w *Worker) await(t *task) (*Result, error) {
	resCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	t.onSuccess = func(r *Result) { resCh <- r }
	t.onError = func(err error) { errCh <- err }
	if err := w.submit(t); err != nil {
		return nil, err
	}
	select {
	case r := <-resCh:
		return r, nil
	case err := <-errCh:
		return nil, err
	case <-w.doneCh:
		// Worker exited without reaching this task's callbacks. A result
		// racing the exit still wins.
		select {
		case r := <-resCh:
			return r, nil
		case err := <-errCh:
			return nil, err
		default:
			return nil, ErrStopping
		}
	}
}

// LoadModel loads the named model (empty = configured default). Loading
// the already-loaded model is a no-op success.
func (w *Worker) LoadModel(name string) error {
	t := newTask(taskLoad)
	t.model = name
	_, err := w.await(t)
	return err
}

// UnloadModel releases the model.
func (w *Worker) UnloadModel() error {
	t := newTask(taskUnload)
	_, err := w.await(t)
	return err
}

// ReloadModel rebuilds the engine with new settings. useGPU may be nil
// to keep the current value. On failure the worker is left unloaded.
func (w *Worker) ReloadModel(useGPU *bool, name string) error {
	t := newTask(taskReload)
	t.model = name
	if useGPU != nil {
		t.setGPU = true
		t.useGPU = *useGPU
	}
	_, err := w.await(t)
	return err
}

// Transcribe runs one batch transcription, auto-loading the model if
// needed.
func (w *Worker) Transcribe(pcm []float32, language string, temperature float64) (*Result, error) {
	t := newTask(taskTranscribe)
	t.pcm = pcm
	t.language = language
	t.temperature = temperature
	return w.await(t)
}

// BeginStream enters streaming mode. Chunk IDs restart at zero.
func (w *Worker) BeginStream() error {
	w.streamMu.Lock()
	defer w.streamMu.Unlock()
	if w.streaming {
		return errors.New("streaming already active")
	}
	w.streaming = true
	w.nextChunkID = 0
	w.slots = nil
	return nil
}

// FeedChunk enqueues one streaming chunk without blocking. The chunk ID
// is assigned under the streaming lock so IDs are dense and ordered. A
// full queue fails the chunk's slot immediately; finalize will render its
// placeholder.
func (w *Worker) FeedChunk(pcm []float32, language string, temperature float64) error {
	w.streamMu.Lock()
	if !w.streaming {
		w.streamMu.Unlock()
		return errors.New("streaming not active")
	}
	slot := &chunkSlot{id: w.nextChunkID, done: make(chan *Result, 1)}
	w.nextChunkID++
	w.slots = append(w.slots, slot)
	w.streamMu.Unlock()

	t := newTask(taskTranscribe)
	t.pcm = pcm
	t.language = language
	t.temperature = temperature
	t.onSuccess = func(r *Result) { slot.done <- r }
	t.onError = func(err error) {
		slot.done <- &Result{Success: false, Error: err.Error()}
	}
	if err := w.submitNonBlocking(t); err != nil {
		slot.done <- &Result{Success: false, Error: err.Error()}
		return err
	}
	return nil
}

// FinalizeStream waits on each chunk slot in ascending chunk ID order and
// joins the texts. A failed or timed-out chunk contributes the
// placeholder for its position, keeping the transcript aligned with chunk
// boundaries. Streaming mode ends when this returns.
func (w *Worker) FinalizeStream(perChunkTimeout time.Duration) string {
	if perChunkTimeout <= 0 {
		perChunkTimeout = DefaultChunkTimeout
	}

	w.streamMu.Lock()
	slots := w.slots
	w.slots = nil
	w.streaming = false
	w.streamMu.Unlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i].id < slots[j].id })

	parts := make([]string, 0, len(slots))
	for _, slot := range slots {
		select {
		case r := <-slot.done:
			if r.Success {
				parts = append(parts, r.Text)
			} else {
				w.logger.Warn().Uint64("chunk", slot.id).Str("error", r.Error).
					Msg("streaming chunk failed")
				parts = append(parts, chunkPlaceholder(slot.id))
			}
		case <-time.After(perChunkTimeout):
			w.logger.Warn().Uint64("chunk", slot.id).Msg("streaming chunk timed out")
			parts = append(parts, chunkPlaceholder(slot.id))
		}
	}
	return joinNonEmpty(parts)
}

// Close enqueues the shutdown task and waits for the worker goroutine to
// drain and exit.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		t := newTask(taskShutdown)
		select {
		case w.queue <- t:
		case <-w.doneCh:
			return
		}
		select {
		case <-w.doneCh:
		case <-time.After(30 * time.Second):
			w.logger.Error().Msg("worker did not shut down in time")
		}
	})
}

func (w *Worker) emit(name string, payload any) {
	if w.emitter != nil {
		w.emitter.Emit(name, payload)
	}
}

// chunkPlaceholder carries its own surrounding spaces so a failed first
// or last chunk still marks the stream boundary in the joined text.
func chunkPlaceholder(id uint64) string {
	return fmt.Sprintf(" [transcription failed: chunk %d] ", id)
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" && !strings.HasSuffix(out, " ") && !strings.HasPrefix(p, " ") {
			out += " "
		}
		out += p
	}
	return out
}
