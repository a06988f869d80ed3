// Package inject delivers text to the focused application, either by
// typing it or by a clipboard round-trip with paste.
package inject

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// Bundle is an opaque clipboard snapshot. Formats that cannot be
// re-materialized in another process are skipped at capture time, so
// everything in here is restorable.
type Bundle struct {
	Text    string
	HasText bool
}

// Clipboard abstracts the system clipboard. The exec implementation
// shells out to Wayland tools with an X11 fallback; tests use an
// in-memory fake.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
	Backup() (*Bundle, error)
	Restore(b *Bundle) error
}

// Keystroker synthesizes keyboard input.
type Keystroker interface {
	Type(text string) error
	Paste() error
}

func runCommand(name string, args []string, stdin string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runCommandOutput(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

// ExecClipboard drives wl-copy/wl-paste, falling back to xclip when the
// Wayland tools are missing.
type ExecClipboard struct{}

func (ExecClipboard) ReadText() (string, error) {
	if _, err := exec.LookPath("wl-paste"); err == nil {
		return runCommandOutput("wl-paste", "--no-newline")
	}
	return runCommandOutput("xclip", "-selection", "clipboard", "-o")
}

func (ExecClipboard) WriteText(text string) error {
	if _, err := exec.LookPath("wl-copy"); err == nil {
		return runCommand("wl-copy", nil, text)
	}
	return runCommand("xclip", []string{"-selection", "clipboard"}, text)
}

func (c ExecClipboard) Backup() (*Bundle, error) {
	text, err := c.ReadText()
	if err != nil {
		// An empty clipboard reads as an error on both tools; treat it
		// as an empty snapshot rather than a failure.
		return &Bundle{}, nil
	}
	return &Bundle{Text: text, HasText: true}, nil
}

func (c ExecClipboard) Restore(b *Bundle) error {
	if b == nil || !b.HasText {
		return nil
	}
	return c.WriteText(b.Text)
}

// ExecKeystroker types through wtype, falling back to xdotool.
type ExecKeystroker struct{}

func (ExecKeystroker) Type(text string) error {
	if _, err := exec.LookPath("wtype"); err == nil {
		return runCommand("wtype", []string{"--", text}, "")
	}
	return runCommand("xdotool", []string{"type", "--clearmodifiers", "--", text}, "")
}

func (ExecKeystroker) Paste() error {
	if _, err := exec.LookPath("wtype"); err == nil {
		return runCommand("wtype", []string{"-M", "ctrl", "-k", "v", "-m", "ctrl"}, "")
	}
	return runCommand("xdotool", []string{"key", "--clearmodifiers", "ctrl+v"}, "")
}
