package inject

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClipboard struct {
	mu       sync.Mutex
	text     string
	failRead bool
	failWrite bool
	writes   []string
}

func (c *fakeClipboard) ReadText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failRead {
		return "", errors.New("clipboard busy")
	}
	return c.text, nil
}

func (c *fakeClipboard) WriteText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("clipboard busy")
	}
	c.text = text
	c.writes = append(c.writes, text)
	return nil
}

func (c *fakeClipboard) Backup() (*Bundle, error) {
	text, err := c.ReadText()
	if err != nil {
		return nil, err
	}
	return &Bundle{Text: text, HasText: true}, nil
}

func (c *fakeClipboard) Restore(b *Bundle) error {
	if b == nil || !b.HasText {
		return nil
	}
	return c.WriteText(b.Text)
}

func (c *fakeClipboard) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

type fakeKeys struct {
	mu        sync.Mutex
	typed     []string
	pastes    int
	failType  bool
	failPaste bool
}

func (k *fakeKeys) Type(text string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failType {
		return errors.New("no input device")
	}
	k.typed = append(k.typed, text)
	return nil
}

func (k *fakeKeys) Paste() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failPaste {
		return errors.New("no input device")
	}
	k.pastes++
	return nil
}

func fastConfig(strategy string) Config {
	return Config{
		Strategy:      strategy,
		SaveClipboard: true,
		RestoreDelay:  5 * time.Millisecond,
		JoinTimeout:   time.Second,
	}
}

func TestClipboardInjectRestoresPreviousContent(t *testing.T) {
	clip := &fakeClipboard{text: "user data"}
	keys := &fakeKeys{}
	in := New(clip, keys, nil, fastConfig(StrategyClipboard))

	require.True(t, in.Inject("hello world"))
	in.Close()

	assert.Equal(t, 1, keys.pastes)
	assert.Equal(t, "user data", clip.current())
	assert.Contains(t, clip.writes, "hello world")
}

func TestRecordingModeSkipsOwnRestore(t *testing.T) {
	clip := &fakeClipboard{text: "outer snapshot"}
	keys := &fakeKeys{}
	in := New(clip, keys, nil, fastConfig(StrategyClipboard))

	in.SetRecordingMode(true)
	require.True(t, in.Inject("dictated text"))
	in.Close()

	// The injector left its paste payload in place for the orchestrator's
	// outer restore to overwrite.
	assert.Equal(t, "dictated text", clip.current())
}

func TestKeystrokeStrategyLeavesClipboardAlone(t *testing.T) {
	clip := &fakeClipboard{text: "untouched"}
	keys := &fakeKeys{}
	in := New(clip, keys, nil, fastConfig(StrategyKeystroke))

	require.True(t, in.Inject("typed text"))
	assert.Equal(t, []string{"typed text"}, keys.typed)
	assert.Equal(t, "untouched", clip.current())
}

func TestSmartFallsBackToKeystroke(t *testing.T) {
	clip := &fakeClipboard{failWrite: true}
	keys := &fakeKeys{}
	in := New(clip, keys, nil, fastConfig(StrategySmart))

	require.True(t, in.Inject("fallback text"))
	assert.Equal(t, []string{"fallback text"}, keys.typed)
}

func TestSmartSwitchesAfterRepeatedFailures(t *testing.T) {
	clip := &fakeClipboard{failWrite: true}
	keys := &fakeKeys{}
	in := New(clip, keys, nil, fastConfig(StrategySmart))

	now := time.Now()
	in.tracker.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, in.Inject("text"))
	}
	assert.True(t, in.tracker.shouldSwitch(StrategyClipboard))

	// Once switched, the clipboard is no longer touched at all.
	clip.mu.Lock()
	writesBefore := len(clip.writes)
	clip.mu.Unlock()
	require.True(t, in.Inject("more text"))
	clip.mu.Lock()
	assert.Equal(t, writesBefore, len(clip.writes))
	clip.mu.Unlock()
}

func TestSwitchResetsAfterQuiescence(t *testing.T) {
	tr := newFailureTracker()
	now := time.Now()
	tr.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tr.recordFailure(StrategyClipboard)
	}
	require.True(t, tr.shouldSwitch(StrategyClipboard))

	now = now.Add(31 * time.Minute)
	assert.False(t, tr.shouldSwitch(StrategyClipboard))
}

func TestOldFailuresFallOutOfWindow(t *testing.T) {
	tr := newFailureTracker()
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.recordFailure(StrategyClipboard)
	tr.recordFailure(StrategyClipboard)
	now = now.Add(6 * time.Minute)
	tr.recordFailure(StrategyClipboard)
	assert.False(t, tr.shouldSwitch(StrategyClipboard))
}

func TestTotalFailureReturnsFalse(t *testing.T) {
	clip := &fakeClipboard{failWrite: true}
	keys := &fakeKeys{failType: true, failPaste: true}
	in := New(clip, keys, nil, fastConfig(StrategySmart))

	assert.False(t, in.Inject(strings.Repeat("x", 200)))
}

func TestEmptyTextIsNoop(t *testing.T) {
	clip := &fakeClipboard{}
	keys := &fakeKeys{}
	in := New(clip, keys, nil, fastConfig(StrategySmart))
	assert.True(t, in.Inject(""))
	assert.Zero(t, keys.pastes)
	assert.Empty(t, keys.typed)
}

func TestPreviewTruncates(t *testing.T) {
	assert.Len(t, []rune(preview(strings.Repeat("э", 120))), 50)
	assert.Equal(t, "short", preview("short"))
}
