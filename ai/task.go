package ai

import (
	"strings"

	"github.com/google/uuid"
)

type taskKind int

const (
	taskLoad taskKind = iota
	taskUnload
	taskReload
	taskTranscribe
	taskShutdown
)

func (k taskKind) String() string {
	switch k {
	case taskLoad:
		return "load"
	case taskUnload:
		return "unload"
	case taskReload:
		return "reload"
	case taskTranscribe:
		return "transcribe"
	case taskShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// task is one queued model operation. Tasks are owned by the queue and
// dropped after dispatch; exactly one of onSuccess/onError fires.
type task struct {
	id   string
	kind taskKind

	// load/reload
	model  string
	useGPU bool
	setGPU bool // reload carries an explicit GPU flag only when set

	// transcribe
	pcm         []float32
	language    string
	temperature float64

	onSuccess func(*Result)
	onError   func(error)
}

func newTask(kind taskKind) *task {
	return &task{id: uuid.NewString(), kind: kind}
}

// recoverySuggestions categorizes a model failure into user-facing next
// steps. Matching is substring-based over the error text; Unknown gets
// the generic pair.
func recoverySuggestions(err error) []string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cuda") || strings.Contains(msg, "gpu"):
		return []string{
			"close other GPU applications",
			"switch transcription to CPU mode",
			"use a smaller model",
		}
	case strings.Contains(msg, "memory") || strings.Contains(msg, "alloc"):
		return []string{
			"use a smaller model",
			"close other applications to free memory",
		}
	case strings.Contains(msg, "download") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no such file"):
		return []string{
			"check that the model file exists",
			"re-download the model",
			"verify the models directory setting",
		}
	case strings.Contains(msg, "format") || strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "parse"):
		return []string{
			"the model file may be corrupted, re-download it",
			"check that the model matches the selected engine",
		}
	default:
		return []string{
			"retry the operation",
			"check the log for details",
		}
	}
}
