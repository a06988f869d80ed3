// Package config implements the persistent settings store: a nested JSON
// document addressed by dotted paths, with schema defaults, debounced
// atomic saves, machine-bound secret encryption, and change notification
// for the reload coordinator.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

const (
	// EventChanged is emitted with a *Diff payload after every mutation.
	EventChanged = "config.changed"
	// EventCorrupted is emitted when the on-disk file could not be parsed
	// and the store booted from defaults.
	EventCorrupted = "config.corrupted"

	debounceWindow = 500 * time.Millisecond
)

// Emitter is the subset of the event bus the store needs.
type Emitter interface {
	Emit(name string, payload any)
}

// Store is the typed key/value configuration store. All mutations take a
// single lock; the debounced flush runs on its own timer goroutine which
// Close joins before returning.
type Store struct {
	mu   sync.Mutex
	data map[string]any
	path string

	saveTimer *time.Timer
	dirty     bool
	flushed   chan struct{} // closed when the pending timer fired or was stopped

	secrets *secretBox
	emitter Emitter
	logger  zerolog.Logger
}

// Options configures NewStore.
type Options struct {
	Path    string  // config file location; parent directory must exist
	Emitter Emitter // optional; nil disables event emission
}

// NewStore loads (or initialises) the store at opts.Path. A malformed file
// is backed up next to itself and the store boots with schema defaults.
func NewStore(opts Options) (*Store, error) {
	s := &Store{
		path:    opts.Path,
		emitter: opts.Emitter,
		secrets: newSecretBox(),
		logger:  xlog.WithComponent("config"),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the file synchronously, applying defaults for missing keys.
// Secrets are decrypted in memory; decryption failure keeps the stored
// string verbatim.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.data = Defaults()
		return nil
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		backup := s.path + ".corrupt-" + time.Now().Format("20060102-150405")
		if werr := os.WriteFile(backup, raw, 0o600); werr != nil {
			s.logger.Error().Err(werr).Msg("failed to back up corrupted config")
		} else {
			s.logger.Warn().Str("backup", backup).Msg("config file corrupted, booting with defaults")
		}
		s.data = Defaults()
		if s.emitter != nil {
			s.emitter.Emit(EventCorrupted, map[string]string{"backup": backup, "error": err.Error()})
		}
		return nil
	}

	mergeDefaults(doc, Defaults())
	s.decryptSecrets(doc, "")
	s.data = doc
	return nil
}

// Get returns the value at the dotted path, or def when absent.
func (s *Store) Get(path string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := any(s.data)
	for _, part := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return def
		}
		node, ok = m[part]
		if !ok {
			return def
		}
	}
	return node
}

// GetString is Get with a string assertion.
func (s *Store) GetString(path, def string) string {
	if v, ok := s.Get(path, def).(string); ok {
		return v
	}
	return def
}

// GetBool is Get with a bool assertion.
func (s *Store) GetBool(path string, def bool) bool {
	if v, ok := s.Get(path, def).(bool); ok {
		return v
	}
	return def
}

// GetFloat is Get with a numeric assertion. JSON numbers decode as
// float64, so int defaults pass through here too.
func (s *Store) GetFloat(path string, def float64) float64 {
	switch v := s.Get(path, def).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// GetInt is GetFloat truncated.
func (s *Store) GetInt(path string, def int) int {
	return int(s.GetFloat(path, float64(def)))
}

// Set writes value at the dotted path, creating intermediate maps as
// needed and repairing non-map intermediaries (the repair is logged). The
// save is debounced; Close or SaveNow flush it.
func (s *Store) Set(path string, value any) error {
	if ok, msg := ValidateBeforeSave(path, value); !ok {
		return fmt.Errorf("config: %s", msg)
	}

	s.mu.Lock()
	old := s.snapshotLocked()
	parts := strings.Split(path, ".")
	node := s.data
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			if _, exists := node[part]; exists {
				s.logger.Warn().Str("path", path).Str("segment", part).
					Msg("repairing non-map intermediary")
			}
			next = make(map[string]any)
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
	s.scheduleSaveLocked()
	diff := &Diff{
		ChangedKeys: map[string]struct{}{path: {}},
		Old:         old,
		New:         s.snapshotLocked(),
		Timestamp:   time.Now(),
	}
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.Emit(EventChanged, diff)
	}
	return nil
}

// Replace swaps in a whole new document (used by the file watcher when the
// file changed externally) and returns the resulting diff.
func (s *Store) Replace(doc map[string]any) *Diff {
	s.mu.Lock()
	old := s.snapshotLocked()
	mergeDefaults(doc, Defaults())
	s.decryptSecrets(doc, "")
	s.data = doc
	diff := &Diff{
		ChangedKeys: changedKeys(old, s.snapshotLocked()),
		Old:         old,
		New:         s.snapshotLocked(),
		Timestamp:   time.Now(),
	}
	s.mu.Unlock()

	if len(diff.ChangedKeys) > 0 && s.emitter != nil {
		s.emitter.Emit(EventChanged, diff)
	}
	return diff
}

// SaveNow writes the document synchronously, cancelling any pending
// debounced save. The write is atomic (temp file + rename). On disk
// failure the in-memory state is kept and the error returned.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.dirty = false
	doc := s.snapshotLocked()
	s.mu.Unlock()

	return s.write(doc)
}

// Close flushes any pending write. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.SaveNow()
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) scheduleSaveLocked() {
	s.dirty = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(debounceWindow, func() {
		s.mu.Lock()
		if !s.dirty {
			s.mu.Unlock()
			return
		}
		s.dirty = false
		doc := s.snapshotLocked()
		s.mu.Unlock()
		if err := s.write(doc); err != nil {
			s.logger.Error().Err(err).Msg("debounced config save failed")
		}
	})
}

func (s *Store) write(doc map[string]any) error {
	s.encryptSecrets(doc, "")
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() map[string]any {
	return deepCopy(s.data)
}

// encryptSecrets walks the document and wraps secret-named leaves before
// they hit disk. Operates on a copy.
func (s *Store) encryptSecrets(node map[string]any, prefix string) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			s.encryptSecrets(val, path)
		case string:
			if isSecretKey(k) && val != "" {
				if enc, err := s.secrets.Encrypt(val); err == nil {
					node[k] = enc
				} else {
					s.logger.Warn().Err(err).Str("path", path).
						Msg("secret left in plaintext, encryption unavailable")
				}
			}
		}
	}
}

// decryptSecrets is the inverse walk. A value that does not decrypt is
// returned verbatim for backward compatibility with unencrypted installs.
func (s *Store) decryptSecrets(node map[string]any, prefix string) {
	for k, v := range node {
		switch val := v.(type) {
		case map[string]any:
			s.decryptSecrets(val, prefix+k+".")
		case string:
			if isSecretKey(k) {
				if dec, ok := s.secrets.Decrypt(val); ok {
					node[k] = dec
				}
			}
		}
	}
}

// IsSecretPath reports whether a leaf key holds a credential. Used by
// the store's encryption walk and by surfaces that must mask values.
func IsSecretPath(leaf string) bool {
	return isSecretKey(leaf)
}

func isSecretKey(leaf string) bool {
	l := strings.ToLower(leaf)
	for _, marker := range []string{"key", "token", "secret", "password"} {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = deepCopy(sub)
		} else {
			out[k] = v
		}
	}
	return out
}

// mergeDefaults fills keys missing from doc with the default values,
// recursing into shared sections. Existing keys are never overwritten, so
// unknown keys survive round-trips.
func mergeDefaults(doc, defaults map[string]any) {
	for k, dv := range defaults {
		cur, exists := doc[k]
		if !exists {
			doc[k] = dv
			continue
		}
		dm, dok := dv.(map[string]any)
		cm, cok := cur.(map[string]any)
		if dok && cok {
			mergeDefaults(cm, dm)
		}
	}
}

// changedKeys computes the leaf paths whose values differ between two
// documents, in both directions.
func changedKeys(old, new map[string]any) map[string]struct{} {
	out := make(map[string]struct{})
	collectChanged(old, new, "", out)
	collectChanged(new, old, "", out)
	return out
}

func collectChanged(a, b map[string]any, prefix string, out map[string]struct{}) {
	for k, av := range a {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		bv, ok := b[k]
		if !ok {
			addLeaves(av, path, out)
			continue
		}
		am, aok := av.(map[string]any)
		bm, bok := bv.(map[string]any)
		if aok && bok {
			collectChanged(am, bm, path, out)
			continue
		}
		if !equalValue(av, bv) {
			out[path] = struct{}{}
		}
	}
}

func addLeaves(v any, path string, out map[string]struct{}) {
	if m, ok := v.(map[string]any); ok {
		for k, sub := range m {
			addLeaves(sub, path+"."+k, out)
		}
		return
	}
	out[path] = struct{}{}
}

func equalValue(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

// SortedKeys renders a changed-key set for logs.
func SortedKeys(keys map[string]struct{}) []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
