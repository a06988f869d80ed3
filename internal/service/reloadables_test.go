package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonicinput/internal/config"
)

func newBuilderStore(t *testing.T) *config.Store {
	t.Helper()
	cfg, err := config.NewStore(config.Options{
		Path: filepath.Join(t.TempDir(), "config.json"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Close() })
	return cfg
}

func TestChatProviderFromStore(t *testing.T) {
	cfg := newBuilderStore(t)
	require.NoError(t, cfg.Set("ai.base_url", "http://localhost:11434/v1"))
	require.NoError(t, cfg.Set("ai.model", "llama3"))

	p := ChatProviderFromStore(cfg)
	require.NotNil(t, p)
	assert.Equal(t, "openai", p.Name())
}

func TestRefineConfigFromStoreDefaults(t *testing.T) {
	cfg := newBuilderStore(t)
	rc := RefineConfigFromStore(cfg, nil)
	assert.False(t, rc.Enabled)
	assert.Equal(t, 1024, rc.MaxTokens)
	assert.True(t, rc.DegradeOnEmpty)
}

func TestInjectConfigFromStore(t *testing.T) {
	cfg := newBuilderStore(t)
	require.NoError(t, cfg.Set("input.injection_method", "keystroke"))
	require.NoError(t, cfg.Set("input.clipboard_restore_delay_ms", 250.0))

	ic := InjectConfigFromStore(cfg, nil)
	assert.Equal(t, "keystroke", ic.Strategy)
	assert.Equal(t, 250*time.Millisecond, ic.RestoreDelay)
	assert.True(t, ic.SaveClipboard)
}
