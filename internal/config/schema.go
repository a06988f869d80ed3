package config

import (
	"fmt"
	"strings"
)

// Defaults returns the full default document. Every top-level section the
// rest of the system reads is present here so Get never has to invent
// structure.
func Defaults() map[string]any {
	return map[string]any{
		"audio": map[string]any{
			"device_id":         nil,
			"sample_rate":       16000.0,
			"chunk_seconds":     15.0,
			"streaming_enabled": false,
		},
		"transcription": map[string]any{
			"provider":    "local",
			"model":       "",
			"language":    "",
			"temperature": 0.0,
			"use_gpu":     false,
			"api_key":     "",
			"base_url":    "",
		},
		"ai": map[string]any{
			"enabled":    false,
			"provider":   "openai",
			"model":      "gpt-4o-mini",
			"api_key":    "",
			"base_url":   "https://api.openai.com/v1",
			"prompt":     "Clean up the dictated text. Fix punctuation and casing. Do not change the meaning.",
			"max_tokens": 1024.0,
		},
		"ui": map[string]any{
			"tray":     true,
			"language": "en",
		},
		"input": map[string]any{
			"injection_method":           "smart",
			"clipboard_restore_delay_ms": 1000.0,
		},
		"hotkeys": map[string]any{
			"record": "ctrl+alt+space",
			"mode":   "hold", // "hold" or "toggle"
		},
		"logging": map[string]any{
			"level": "info",
		},
	}
}

type validator func(value any) (bool, string)

// schema maps dotted paths to validation rules. Paths without a rule
// accept any value.
var schema = map[string]validator{
	"audio.sample_rate":                numberIn(8000, 48000),
	"audio.chunk_seconds":              numberIn(1, 300),
	"audio.streaming_enabled":          boolean,
	"transcription.temperature":        numberIn(0, 2),
	"transcription.provider":           oneOf("local", "openai", "async"),
	"ai.enabled":                       boolean,
	"ai.max_tokens":                    numberIn(1, 128000),
	"input.injection_method":           oneOf("clipboard", "keystroke", "smart"),
	"input.clipboard_restore_delay_ms": numberIn(0, 60000),
	"hotkeys.mode":                     oneOf("hold", "toggle"),
	"logging.level":                    oneOf("trace", "debug", "info", "warn", "error"),
}

// ValidateBeforeSave checks value against the schema rule for path, if
// one exists.
func ValidateBeforeSave(path string, value any) (bool, string) {
	rule, ok := schema[path]
	if !ok {
		return true, ""
	}
	return rule(value)
}

func numberIn(min, max float64) validator {
	return func(value any) (bool, string) {
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		default:
			return false, fmt.Sprintf("expected a number, got %T", value)
		}
		if f < min || f > max {
			return false, fmt.Sprintf("value %v outside [%v, %v]", f, min, max)
		}
		return true, ""
	}
}

func boolean(value any) (bool, string) {
	if _, ok := value.(bool); !ok {
		return false, fmt.Sprintf("expected a bool, got %T", value)
	}
	return true, ""
}

func oneOf(options ...string) validator {
	return func(value any) (bool, string) {
		s, ok := value.(string)
		if !ok {
			return false, fmt.Sprintf("expected a string, got %T", value)
		}
		for _, o := range options {
			if s == o {
				return true, ""
			}
		}
		return false, fmt.Sprintf("%q not one of [%s]", s, strings.Join(options, ", "))
	}
}
