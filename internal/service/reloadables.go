package service

import (
	"fmt"
	"strings"
	"time"

	"sonicinput/ai"
	"sonicinput/inject"
	"sonicinput/internal/config"
	xlog "sonicinput/internal/log"
	"sonicinput/internal/reload"
	"sonicinput/provider"
	"sonicinput/refine"
)

// TranscriptionReloadable applies transcription.* changes to the model
// worker. Model and GPU switches reinitialize the engine; language and
// temperature are read per request and need no action.
type TranscriptionReloadable struct {
	Worker *ai.Worker
	Config *config.Store
	Busy   func() bool // recording or processing in flight
}

func (t *TranscriptionReloadable) ConfigDependencies() []string { return []string{"transcription"} }
func (t *TranscriptionReloadable) ServiceDependencies() []string { return nil }

func (t *TranscriptionReloadable) ChooseStrategy(diff *config.Diff) reload.Strategy {
	if diff.Affects("transcription.model") || diff.Affects("transcription.use_gpu") {
		return reload.Reinitialize
	}
	return reload.ParameterUpdate
}

func (t *TranscriptionReloadable) CanReloadNow() (bool, string) {
	if t.Busy != nil && t.Busy() {
		return false, "transcription in progress"
	}
	return true, ""
}

func (t *TranscriptionReloadable) Prepare(diff *config.Diff) (any, error) {
	if t.Config.GetString("transcription.provider", "local") == "local" &&
		strings.TrimSpace(t.Config.GetString("transcription.model", "")) == "" {
		return nil, fmt.Errorf("transcription.model must be set for the local provider")
	}
	rollback := engineSnapshot{
		model:  stringAt(diff.Old, "transcription", "model"),
		useGPU: boolAt(diff.Old, "transcription", "use_gpu"),
	}
	return rollback, nil
}

func (t *TranscriptionReloadable) Commit(diff *config.Diff) error {
	if !t.Worker.Loaded() {
		// Nothing resident; the next utterance loads the new settings.
		return nil
	}
	useGPU := t.Config.GetBool("transcription.use_gpu", false)
	return t.Worker.ReloadModel(&useGPU, t.Config.GetString("transcription.model", ""))
}

func (t *TranscriptionReloadable) Rollback(rollback any) bool {
	snap, ok := rollback.(engineSnapshot)
	if !ok || !t.Worker.Loaded() {
		return true
	}
	useGPU := snap.useGPU
	return t.Worker.ReloadModel(&useGPU, snap.model) == nil
}

type engineSnapshot struct {
	model  string
	useGPU bool
}

// RefinerReloadable applies ai.* changes. Credential or endpoint changes
// rebuild the chat backend; the remaining keys patch the config in place.
type RefinerReloadable struct {
	Refiner *refine.Refiner
	Config  *config.Store
}

func (r *RefinerReloadable) ConfigDependencies() []string  { return []string{"ai"} }
func (r *RefinerReloadable) ServiceDependencies() []string { return nil }

func (r *RefinerReloadable) ChooseStrategy(*config.Diff) reload.Strategy {
	return reload.ParameterUpdate
}

func (r *RefinerReloadable) CanReloadNow() (bool, string) { return true, "" }

func (r *RefinerReloadable) Prepare(diff *config.Diff) (any, error) {
	if boolAt(diff.New, "ai", "enabled") && stringAt(diff.New, "ai", "base_url") == "" {
		return nil, fmt.Errorf("ai.base_url must be set when refinement is enabled")
	}
	return RefineConfigFromStore(r.Config, diff.Old), nil
}

func (r *RefinerReloadable) Commit(diff *config.Diff) error {
	if diff.Affects("ai.api_key") || diff.Affects("ai.base_url") || diff.Affects("ai.provider") {
		r.Refiner.SetChatter(ChatProviderFromStore(r.Config))
	}
	r.Refiner.SetConfig(RefineConfigFromStore(r.Config, nil))
	return nil
}

func (r *RefinerReloadable) Rollback(rollback any) bool {
	cfg, ok := rollback.(refine.Config)
	if !ok {
		return false
	}
	r.Refiner.SetConfig(cfg)
	return true
}

// InjectorReloadable patches input.* settings in place.
type InjectorReloadable struct {
	Injector *inject.Injector
	Config   *config.Store
}

func (i *InjectorReloadable) ConfigDependencies() []string  { return []string{"input"} }
func (i *InjectorReloadable) ServiceDependencies() []string { return nil }

func (i *InjectorReloadable) ChooseStrategy(*config.Diff) reload.Strategy {
	return reload.ParameterUpdate
}

func (i *InjectorReloadable) CanReloadNow() (bool, string) { return true, "" }

func (i *InjectorReloadable) Prepare(diff *config.Diff) (any, error) {
	return InjectConfigFromStore(i.Config, diff.Old), nil
}

func (i *InjectorReloadable) Commit(*config.Diff) error {
	i.Injector.SetConfig(InjectConfigFromStore(i.Config, nil))
	return nil
}

func (i *InjectorReloadable) Rollback(rollback any) bool {
	cfg, ok := rollback.(inject.Config)
	if !ok {
		return false
	}
	i.Injector.SetConfig(cfg)
	return true
}

// LoggingReloadable retunes the global log level.
type LoggingReloadable struct {
	Config *config.Store
}

func (l *LoggingReloadable) ConfigDependencies() []string  { return []string{"logging"} }
func (l *LoggingReloadable) ServiceDependencies() []string { return nil }

func (l *LoggingReloadable) ChooseStrategy(*config.Diff) reload.Strategy {
	return reload.ParameterUpdate
}

func (l *LoggingReloadable) CanReloadNow() (bool, string) { return true, "" }

func (l *LoggingReloadable) Prepare(diff *config.Diff) (any, error) {
	return stringAt(diff.Old, "logging", "level"), nil
}

func (l *LoggingReloadable) Commit(*config.Diff) error {
	xlog.SetLevel(l.Config.GetString("logging.level", "info"))
	return nil
}

func (l *LoggingReloadable) Rollback(rollback any) bool {
	level, ok := rollback.(string)
	if !ok {
		return false
	}
	if level != "" {
		xlog.SetLevel(level)
	}
	return true
}

// RefineConfigFromStore builds the refiner settings from either the live
// store or a diff snapshot.
func RefineConfigFromStore(cfg *config.Store, snapshot map[string]any) refine.Config {
	if snapshot != nil {
		return refine.Config{
			Enabled:        boolAt(snapshot, "ai", "enabled"),
			Prompt:         stringAt(snapshot, "ai", "prompt"),
			Model:          stringAt(snapshot, "ai", "model"),
			MaxTokens:      intAt(snapshot, "ai", "max_tokens"),
			DegradeOnEmpty: true,
		}
	}
	return refine.Config{
		Enabled:        cfg.GetBool("ai.enabled", false),
		Prompt:         cfg.GetString("ai.prompt", ""),
		Model:          cfg.GetString("ai.model", ""),
		MaxTokens:      cfg.GetInt("ai.max_tokens", 1024),
		DegradeOnEmpty: true,
	}
}

// ChatProviderFromStore builds a chat backend from the ai.* section.
func ChatProviderFromStore(cfg *config.Store) *provider.ChatProvider {
	return provider.NewChatProvider(provider.ChatConfig{
		Name:    cfg.GetString("ai.provider", "openai"),
		BaseURL: cfg.GetString("ai.base_url", ""),
		APIKey:  cfg.GetString("ai.api_key", ""),
		Model:   cfg.GetString("ai.model", ""),
		Policy:  provider.DefaultPolicy(),
	})
}

// InjectConfigFromStore builds injector settings from the input.* section.
func InjectConfigFromStore(cfg *config.Store, snapshot map[string]any) inject.Config {
	if snapshot != nil {
		return inject.Config{
			Strategy:      stringAt(snapshot, "input", "injection_method"),
			SaveClipboard: true,
			RestoreDelay:  time.Duration(floatAt(snapshot, "input", "clipboard_restore_delay_ms")) * time.Millisecond,
		}
	}
	return inject.Config{
		Strategy:      cfg.GetString("input.injection_method", "smart"),
		SaveClipboard: true,
		RestoreDelay:  time.Duration(cfg.GetFloat("input.clipboard_restore_delay_ms", 1000)) * time.Millisecond,
	}
}

func sectionAt(doc map[string]any, section string) map[string]any {
	if doc == nil {
		return nil
	}
	m, _ := doc[section].(map[string]any)
	return m
}

func stringAt(doc map[string]any, section, key string) string {
	v, _ := sectionAt(doc, section)[key].(string)
	return v
}

func boolAt(doc map[string]any, section, key string) bool {
	v, _ := sectionAt(doc, section)[key].(bool)
	return v
}

func floatAt(doc map[string]any, section, key string) float64 {
	switch v := sectionAt(doc, section)[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intAt(doc map[string]any, section, key string) int {
	return int(floatAt(doc, section, key))
}
