// Package service wires the utterance pipeline: hotkey in, injected
// text and a history row out.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sonicinput/ai"
	"sonicinput/audio"
	"sonicinput/history"
	"sonicinput/inject"
	"sonicinput/internal/bus"
	"sonicinput/internal/config"
	xlog "sonicinput/internal/log"
	"sonicinput/provider"
	"sonicinput/refine"
)

// Events owned by the orchestrator.
const (
	EventPipelineError = "pipeline.error"
)

// RecorderAPI is the slice of audio.Recorder the pipeline drives.
type RecorderAPI interface {
	SetChunkDuration(d time.Duration)
	SetChunkCallback(fn audio.ChunkFunc)
	Start(deviceIndex int) error
	Stop() (pcm []float32, duration float64, err error)
	Tail(pcm []float32) []float32
	State() audio.State
}

// WorkerAPI is the slice of ai.Worker the pipeline drives.
type WorkerAPI interface {
	Transcribe(pcm []float32, language string, temperature float64) (*ai.Result, error)
	BeginStream() error
	FeedChunk(pcm []float32, language string, temperature float64) error
	FinalizeStream(perChunkTimeout time.Duration) string
}

// RefinerAPI is the slice of refine.Refiner the pipeline drives.
type RefinerAPI interface {
	Enabled() bool
	Refine(ctx context.Context, transcript string) *refine.Outcome
}

// InjectorAPI is the slice of inject.Injector the pipeline drives.
type InjectorAPI interface {
	SetRecordingMode(on bool)
	Inject(text string) bool
}

// HistoryAPI is the slice of history.Store the pipeline drives.
type HistoryAPI interface {
	Save(ctx context.Context, rec *history.Record, pcm []float32) error
}

// Deps carries everything the orchestrator needs. Cloud is nil when the
// configured transcription provider is the local engine.
type Deps struct {
	Config    *config.Store
	Bus       *bus.Bus
	Recorder  RecorderAPI
	Worker    WorkerAPI
	Cloud     provider.Transcriber
	Refiner   RefinerAPI
	Injector  InjectorAPI
	History   HistoryAPI
	Clipboard inject.Clipboard
}

// Orchestrator owns the press-to-inject pipeline. One utterance at a
// time; a second press during processing is rejected.
type Orchestrator struct {
	deps   Deps
	logger zerolog.Logger

	mu        sync.Mutex
	recording bool
	streaming bool
	snapshot  *inject.Bundle

	restoreWG sync.WaitGroup
	busTokens []busSubscription
}

type busSubscription struct {
	event string
	token int
}

func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		logger: xlog.WithComponent("orchestrator"),
	}
}

// Start subscribes to hotkey and recorder events. Hotkey capture itself
// lives in the GUI layer; it reaches the core through the bus.
func (o *Orchestrator) Start() {
	o.subscribe("hotkey.pressed", func(any) { o.HotkeyPressed() })
	o.subscribe("hotkey.released", func(any) { o.HotkeyReleased() })
	o.subscribe(audio.EventStarted, o.onRecordingStarted)
}

func (o *Orchestrator) subscribe(event string, fn func(payload any)) {
	token := o.deps.Bus.On(event, fn)
	o.busTokens = append(o.busTokens, busSubscription{event: event, token: token})
}

// onRecordingStarted clears a stored device id that the recorder had to
// fall back from, so the next session goes straight to the default.
func (o *Orchestrator) onRecordingStarted(payload any) {
	m, ok := payload.(map[string]any)
	if !ok || m["device_used"] != "default" {
		return
	}
	if o.deps.Config.Get("audio.device_id", nil) != nil {
		o.logger.Warn().Msg("configured audio device unavailable, clearing audio.device_id")
		if err := o.deps.Config.Set("audio.device_id", nil); err != nil {
			o.logger.Error().Err(err).Msg("failed to clear audio.device_id")
		}
	}
}

// HotkeyPressed starts a recording. In toggle mode a second press stops
// it instead.
func (o *Orchestrator) HotkeyPressed() {
	if o.deps.Config.GetString("hotkeys.mode", "hold") == "toggle" {
		o.mu.Lock()
		active := o.recording
		o.mu.Unlock()
		if active {
			o.HotkeyReleased()
			return
		}
	}
	if err := o.StartRecording(); err != nil {
		o.logger.Error().Err(err).Msg("failed to start recording")
	}
}

// HotkeyReleased stops the recording and runs the rest of the pipeline.
func (o *Orchestrator) HotkeyReleased() {
	o.mu.Lock()
	active := o.recording
	o.mu.Unlock()
	if !active {
		return
	}
	o.ProcessUtterance()
}

// StartRecording snapshots the clipboard, flips the injector into
// recording mode and starts capture.
func (o *Orchestrator) StartRecording() error {
	o.mu.Lock()
	if o.recording {
		o.mu.Unlock()
		return fmt.Errorf("recording already active")
	}
	o.recording = true
	o.mu.Unlock()

	cfg := o.deps.Config
	snapshot, err := o.deps.Clipboard.Backup()
	if err != nil {
		o.logger.Warn().Err(err).Msg("clipboard snapshot failed, continuing without restore")
		snapshot = nil
	}
	o.deps.Injector.SetRecordingMode(true)

	streaming := cfg.GetBool("audio.streaming_enabled", false) &&
		cfg.GetString("transcription.provider", "local") == "local"
	if streaming {
		if err := o.deps.Worker.BeginStream(); err != nil {
			o.logger.Warn().Err(err).Msg("streaming unavailable, falling back to batch")
			streaming = false
		} else {
			language := cfg.GetString("transcription.language", "")
			temperature := cfg.GetFloat("transcription.temperature", 0)
			o.deps.Recorder.SetChunkCallback(func(pcm []float32) {
				if err := o.deps.Worker.FeedChunk(pcm, language, temperature); err != nil {
					o.logger.Warn().Err(err).Msg("streaming chunk dropped")
				}
			})
		}
	}
	if !streaming {
		o.deps.Recorder.SetChunkCallback(nil)
	}
	o.deps.Recorder.SetChunkDuration(
		time.Duration(cfg.GetFloat("audio.chunk_seconds", 15)) * time.Second)

	device := -1
	if v := cfg.Get("audio.device_id", nil); v != nil {
		if f, ok := v.(float64); ok {
			device = int(f)
		}
	}

	o.mu.Lock()
	o.snapshot = snapshot
	o.streaming = streaming
	o.mu.Unlock()

	if err := o.deps.Recorder.Start(device); err != nil {
		o.abortRecording()
		return err
	}
	return nil
}

// abortRecording unwinds the pre-record state after a start failure.
func (o *Orchestrator) abortRecording() {
	o.deps.Injector.SetRecordingMode(false)
	o.mu.Lock()
	snapshot := o.snapshot
	o.snapshot = nil
	o.recording = false
	o.streaming = false
	o.mu.Unlock()
	o.restoreSnapshot(snapshot, 0)
}

// ProcessUtterance stops capture and runs transcribe, refine, inject and
// persist. Every stage failure degrades rather than aborts where the
// text can still be salvaged.
func (o *Orchestrator) ProcessUtterance() {
	o.mu.Lock()
	if !o.recording {
		o.mu.Unlock()
		return
	}
	streaming := o.streaming
	snapshot := o.snapshot
	o.snapshot = nil
	o.mu.Unlock()

	ctx := context.Background()

	pcm, duration, err := o.deps.Recorder.Stop()
	if err != nil {
		o.logger.Error().Err(err).Msg("recorder stop failed")
		o.finishUtterance(snapshot)
		return
	}

	rec := history.NewRecord()
	rec.DurationS = duration

	transcript, provName, terr := o.transcribe(ctx, pcm, streaming)
	if terr != nil {
		rec.TranscriptionStatus = history.StatusFailed
		rec.TranscriptionError = terr.Error()
		rec.TranscriptionProvider = provName
		rec.AIStatus = history.StatusSkipped
		o.deps.Bus.Emit(EventPipelineError, map[string]any{
			"stage": "transcription",
			"error": terr.Error(),
		})
		o.persist(ctx, rec, pcm)
		o.finishUtterance(snapshot)
		return
	}
	rec.TranscriptionText = transcript
	rec.TranscriptionProvider = provName
	rec.TranscriptionStatus = history.StatusSuccess
	finalText := transcript

	if o.deps.Refiner != nil && o.deps.Refiner.Enabled() && strings.TrimSpace(transcript) != "" {
		outcome := o.deps.Refiner.Refine(ctx, transcript)
		if outcome.Refined {
			rec.AIText = outcome.Text
			rec.AIProvider = outcome.Provider
			rec.AIStatus = history.StatusSuccess
			finalText = outcome.Text
		} else {
			// Refinement failed or degraded; the raw transcript stands.
			rec.AIStatus = history.StatusFailed
			rec.AIError = "refinement degraded to raw transcript"
		}
	} else {
		rec.AIStatus = history.StatusSkipped
	}
	rec.FinalText = finalText

	if strings.TrimSpace(finalText) != "" {
		if !o.deps.Injector.Inject(finalText) {
			o.deps.Bus.Emit(EventPipelineError, map[string]any{
				"stage": "injection",
				"error": "all injection methods failed",
			})
		}
	}

	o.persist(ctx, rec, pcm)
	o.finishUtterance(snapshot)
}

// transcribe assembles the final transcript from the streaming slots or
// one batch call, local or cloud.
func (o *Orchestrator) transcribe(ctx context.Context, pcm []float32, streaming bool) (string, string, error) {
	cfg := o.deps.Config
	language := cfg.GetString("transcription.language", "")
	temperature := cfg.GetFloat("transcription.temperature", 0)
	provName := cfg.GetString("transcription.provider", "local")

	if streaming {
		// The tail past the last emitted chunk becomes the final chunk.
		if tail := o.deps.Recorder.Tail(pcm); len(tail) > 0 {
			if err := o.deps.Worker.FeedChunk(tail, language, temperature); err != nil {
				o.logger.Warn().Err(err).Msg("final streaming chunk dropped")
			}
		}
		text := o.deps.Worker.FinalizeStream(0)
		if strings.TrimSpace(text) == "" {
			err := fmt.Errorf("streaming transcription produced no text")
			o.deps.Bus.Emit(ai.EventTranscriptionFailed, map[string]any{
				"provider": "local",
				"error":    err.Error(),
			})
			return "", "local", err
		}
		return text, "local", nil
	}

	if provName != "local" && o.deps.Cloud != nil {
		res, err := o.deps.Cloud.Transcribe(ctx, pcm, provider.Options{
			Model:       cfg.GetString("transcription.model", ""),
			Language:    language,
			Temperature: temperature,
		})
		if err != nil {
			// The local worker emits this itself; the cloud path has to.
			o.deps.Bus.Emit(ai.EventTranscriptionFailed, map[string]any{
				"provider": o.deps.Cloud.Name(),
				"error":    err.Error(),
			})
			return "", o.deps.Cloud.Name(), err
		}
		return res.Text, o.deps.Cloud.Name(), nil
	}

	res, err := o.deps.Worker.Transcribe(pcm, language, temperature)
	if err != nil {
		return "", "local", err
	}
	return res.Text, "local", nil
}

func (o *Orchestrator) persist(ctx context.Context, rec *history.Record, pcm []float32) {
	if o.deps.History == nil {
		return
	}
	if err := o.deps.History.Save(ctx, rec, pcm); err != nil {
		o.logger.Error().Err(err).Msg("failed to persist history record")
	}
}

// finishUtterance ends recording mode and restores the pre-record
// clipboard after the paste has had time to land.
func (o *Orchestrator) finishUtterance(snapshot *inject.Bundle) {
	o.deps.Injector.SetRecordingMode(false)
	o.mu.Lock()
	o.recording = false
	o.streaming = false
	o.mu.Unlock()

	delay := time.Duration(o.deps.Config.GetFloat("input.clipboard_restore_delay_ms", 1000)) * time.Millisecond
	o.restoreSnapshot(snapshot, delay)
}

func (o *Orchestrator) restoreSnapshot(snapshot *inject.Bundle, delay time.Duration) {
	if snapshot == nil {
		return
	}
	o.restoreWG.Add(1)
	go func() {
		defer o.restoreWG.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := o.deps.Clipboard.Restore(snapshot); err != nil {
			o.logger.Warn().Err(err).Msg("clipboard restore failed")
		}
	}()
}

// Recording reports whether a session is active.
func (o *Orchestrator) Recording() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recording
}

// Shutdown unsubscribes and joins pending clipboard restores with a
// bounded wait.
func (o *Orchestrator) Shutdown() {
	for _, s := range o.busTokens {
		o.deps.Bus.Off(s.event, s.token)
	}
	o.busTokens = nil

	done := make(chan struct{})
	go func() {
		o.restoreWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		o.logger.Warn().Msg("clipboard restore still pending at shutdown")
	}
}
