// Package ai hosts the transcription worker: a single long-lived
// goroutine that owns the speech-recognition engine and serializes every
// model operation through a bounded FIFO queue. Engines are expensive to
// construct and most backends are not safe for concurrent use, which is
// the whole reason this package exists.
package ai

// Segment is one timed span of a transcript.
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
	Text  string  `json:"text"`
}

// Result is the unified transcription outcome.
type Result struct {
	Success    bool      `json:"success"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

// Engine is a loaded speech-recognition model. Implementations are NOT
// required to be goroutine-safe; the worker guarantees single-threaded
// access.
type Engine interface {
	// Transcribe recognizes mono 16 kHz float32 PCM.
	Transcribe(pcm []float32, language string, temperature float64) (*Result, error)
	// Name identifies the engine for logs and history records.
	Name() string
	// Close releases model resources.
	Close()
}

// EngineConfig selects and parameterizes an engine build.
type EngineConfig struct {
	Model    string
	UseGPU   bool
	Language string
}

// EngineFactory builds an engine from config. The worker calls it on the
// worker goroutine during load and reload.
type EngineFactory func(cfg EngineConfig) (Engine, error)
