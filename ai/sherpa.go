package ai

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	xlog "sonicinput/internal/log"
)

// bestProvider picks the ONNX execution provider for this platform.
func bestProvider(useGPU bool) string {
	if !useGPU {
		return "cpu"
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cuda"
}

// SherpaEngine runs Whisper models locally through sherpa-onnx. The model
// directory must contain encoder.onnx, decoder.onnx and tokens.txt.
type SherpaEngine struct {
	mu         sync.Mutex
	recognizer *sherpa.OfflineRecognizer
	name       string
	provider   string
}

// NewSherpaEngine builds a local engine from the model directory in
// cfg.Model. When the GPU provider fails to initialize it retries on CPU
// before giving up.
func NewSherpaEngine(cfg EngineConfig) (Engine, error) {
	encoder := filepath.Join(cfg.Model, "encoder.onnx")
	decoder := filepath.Join(cfg.Model, "decoder.onnx")
	tokens := filepath.Join(cfg.Model, "tokens.txt")
	for _, p := range []string{encoder, decoder, tokens} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("model file missing: %s: %w", p, err)
		}
	}

	provider := bestProvider(cfg.UseGPU)
	logger := xlog.WithComponent("sherpa")

	build := func(prov string) *sherpa.OfflineRecognizer {
		c := sherpa.OfflineRecognizerConfig{}
		c.FeatConfig.SampleRate = 16000
		c.FeatConfig.FeatureDim = 80
		c.ModelConfig.Whisper.Encoder = encoder
		c.ModelConfig.Whisper.Decoder = decoder
		c.ModelConfig.Whisper.Language = cfg.Language
		c.ModelConfig.Whisper.Task = "transcribe"
		c.ModelConfig.Tokens = tokens
		c.ModelConfig.NumThreads = 4
		c.ModelConfig.Provider = prov
		return sherpa.NewOfflineRecognizer(&c)
	}

	recognizer := build(provider)
	if recognizer == nil && provider != "cpu" {
		logger.Warn().Str("provider", provider).Msg("provider failed, falling back to cpu")
		provider = "cpu"
		recognizer = build(provider)
	}
	if recognizer == nil {
		return nil, fmt.Errorf("failed to create sherpa-onnx recognizer for %s", cfg.Model)
	}

	logger.Info().Str("model", cfg.Model).Str("provider", provider).Msg("recognizer ready")
	return &SherpaEngine{
		recognizer: recognizer,
		name:       filepath.Base(cfg.Model),
		provider:   provider,
	}, nil
}

// Transcribe decodes 16kHz mono float32 samples. Temperature is accepted
// for interface symmetry; the offline recognizer decodes greedily.
func (e *SherpaEngine) Transcribe(pcm []float32, language string, _ float64) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.recognizer == nil {
		return nil, fmt.Errorf("recognizer closed")
	}
	if len(pcm) == 0 {
		return &Result{Text: ""}, nil
	}

	stream := sherpa.NewOfflineStream(e.recognizer)
	if stream == nil {
		return nil, fmt.Errorf("failed to create decoding stream")
	}
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(16000, pcm)
	e.recognizer.Decode(stream)

	res := stream.GetResult()
	if res == nil {
		return nil, fmt.Errorf("recognizer returned no result")
	}
	return &Result{
		Text:     strings.TrimSpace(res.Text),
		Language: language,
	}, nil
}

// Name identifies the loaded model directory.
func (e *SherpaEngine) Name() string {
	return e.name
}

// Provider returns the ONNX provider in use after any fallback.
func (e *SherpaEngine) Provider() string {
	return e.provider
}

// Close releases the native recognizer.
func (e *SherpaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(e.recognizer)
		e.recognizer = nil
	}
}
