package inject

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// Strategies.
const (
	StrategyClipboard = "clipboard"
	StrategyKeystroke = "keystroke"
	StrategySmart     = "smart"
)

// EventInjected fires after text reaches the target application.
const EventInjected = "text.injected"

// Config controls injection behavior.
type Config struct {
	Strategy      string
	SaveClipboard bool          // save and restore around the paste
	RestoreDelay  time.Duration // wait before restoring, default 1s
	JoinTimeout   time.Duration // bound on waiting for a pending restore
}

// Emitter is the event bus subset the injector needs.
type Emitter interface {
	Emit(name string, payload any)
}

// Injector delivers text to the focused window. It never panics or
// returns an error up the stack; total failure is a logged false.
type Injector struct {
	clipboard Clipboard
	keys      Keystroker
	emitter   Emitter
	logger    zerolog.Logger
	tracker   *failureTracker

	mu             sync.Mutex
	config         Config
	recordingMode  bool
	pendingRestore chan struct{}
}

func New(clipboard Clipboard, keys Keystroker, emitter Emitter, cfg Config) *Injector {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySmart
	}
	if cfg.RestoreDelay == 0 {
		cfg.RestoreDelay = time.Second
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 3 * time.Second
	}
	return &Injector{
		clipboard: clipboard,
		keys:      keys,
		emitter:   emitter,
		logger:    xlog.WithComponent("inject"),
		tracker:   newFailureTracker(),
		config:    cfg,
	}
}

// SetConfig swaps settings during a reload.
func (in *Injector) SetConfig(cfg Config) {
	in.mu.Lock()
	if cfg.RestoreDelay == 0 {
		cfg.RestoreDelay = time.Second
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 3 * time.Second
	}
	in.config = cfg
	in.mu.Unlock()
}

// SetRecordingMode is flipped by the orchestrator around a recording.
// While set, the injector skips its own clipboard save and restore so it
// cannot clobber the orchestrator's outer snapshot.
func (in *Injector) SetRecordingMode(on bool) {
	in.mu.Lock()
	in.recordingMode = on
	in.mu.Unlock()
}

// Inject delivers text and reports success. Failures never propagate.
func (in *Injector) Inject(text string) bool {
	if text == "" {
		return true
	}
	in.joinPendingRestore()

	in.mu.Lock()
	cfg := in.config
	in.mu.Unlock()

	var ok bool
	switch cfg.Strategy {
	case StrategyClipboard:
		ok = in.viaClipboard(text, cfg)
	case StrategyKeystroke:
		ok = in.viaKeystroke(text)
	default:
		ok = in.viaSmart(text, cfg)
	}

	if !ok {
		in.logger.Error().Str("text_preview", preview(text)).Msg("all injection methods failed")
		return false
	}
	in.emit(EventInjected, map[string]any{"len": len([]rune(text))})
	return true
}

// viaSmart leads with the clipboard method unless its recent failures
// crossed the threshold, then falls back to the other on any failure.
func (in *Injector) viaSmart(text string, cfg Config) bool {
	first, second := StrategyClipboard, StrategyKeystroke
	if in.tracker.shouldSwitch(StrategyClipboard) {
		first, second = second, first
		in.logger.Info().Msg("smart strategy switched to keystroke after repeated failures")
	}
	if in.tryMethod(first, text, cfg) {
		return true
	}
	in.tracker.recordFailure(first)
	if in.tryMethod(second, text, cfg) {
		return true
	}
	in.tracker.recordFailure(second)
	return false
}

func (in *Injector) tryMethod(method, text string, cfg Config) bool {
	if method == StrategyClipboard {
		return in.viaClipboard(text, cfg)
	}
	return in.viaKeystroke(text)
}

func (in *Injector) viaClipboard(text string, cfg Config) bool {
	in.mu.Lock()
	skipRestore := in.recordingMode || !cfg.SaveClipboard
	in.mu.Unlock()

	var saved *Bundle
	if !skipRestore {
		var err error
		saved, err = in.clipboard.Backup()
		if err != nil {
			in.logger.Warn().Err(err).Msg("clipboard backup failed, pasting without restore")
			saved = nil
		}
	}

	if err := in.clipboard.WriteText(text); err != nil {
		in.logger.Warn().Err(err).Msg("clipboard write failed")
		return false
	}
	if err := in.keys.Paste(); err != nil {
		in.logger.Warn().Err(err).Msg("paste keystroke failed")
		return false
	}

	if saved != nil {
		in.scheduleRestore(saved, cfg.RestoreDelay)
	}
	return true
}

func (in *Injector) viaKeystroke(text string) bool {
	if err := in.keys.Type(text); err != nil {
		in.logger.Warn().Err(err).Msg("keystroke injection failed")
		return false
	}
	return true
}

// scheduleRestore puts the clipboard back after the paste has landed.
// Runs in the background; the next injection (or Close) joins it with a
// bounded wait so a stalled restore cannot deadlock the pipeline.
func (in *Injector) scheduleRestore(saved *Bundle, delay time.Duration) {
	done := make(chan struct{})
	in.mu.Lock()
	in.pendingRestore = done
	in.mu.Unlock()

	go func() {
		defer close(done)
		time.Sleep(delay)
		if err := in.clipboard.Restore(saved); err != nil {
			in.logger.Warn().Err(err).Msg("clipboard restore failed")
		}
	}()
}

func (in *Injector) joinPendingRestore() {
	in.mu.Lock()
	done := in.pendingRestore
	in.pendingRestore = nil
	timeout := in.config.JoinTimeout
	in.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		in.logger.Warn().Msg("pending clipboard restore still running, not waiting")
	}
}

// Close joins any outstanding restore.
func (in *Injector) Close() {
	in.joinPendingRestore()
}

func preview(text string) string {
	r := []rune(text)
	if len(r) > 50 {
		r = r[:50]
	}
	return string(r)
}

func (in *Injector) emit(name string, payload any) {
	if in.emitter != nil {
		in.emitter.Emit(name, payload)
	}
}
